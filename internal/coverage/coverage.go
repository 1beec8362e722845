// Package coverage is the read-only view of which feature and test
// files belong to a work unit. Gherkin parsing and scenario-to-test matching
// live elsewhere; this package only reads their outputs.
package coverage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source resolves the artifact files linked to a work unit.
type Source interface {
	// FeatureFiles returns feature files tagged with @<workUnitID>.
	FeatureFiles(ctx context.Context, workUnitID string) ([]string, error)
	// TestFiles returns test files mapped to scenarios of those feature files.
	TestFiles(ctx context.Context, workUnitID string) ([]string, error)
}

// File is the shape of a <name>.feature.coverage file.
type File struct {
	Scenarios []Scenario `json:"scenarios"`
}

type Scenario struct {
	Name         string        `json:"name"`
	TestMappings []TestMapping `json:"testMappings"`
}

type TestMapping struct {
	File         string        `json:"file"`
	Lines        string        `json:"lines,omitempty"`
	ImplMappings []ImplMapping `json:"implMappings,omitempty"`
}

type ImplMapping struct {
	File  string `json:"file"`
	Lines []int  `json:"lines,omitempty"`
}

// FileSource reads feature files and their .coverage siblings under FeaturesDir.
// Test file paths in coverage files are relative to Root.
type FileSource struct {
	Root        string
	FeaturesDir string
}

func (s FileSource) FeatureFiles(ctx context.Context, workUnitID string) ([]string, error) {
	tag := "@" + strings.ToUpper(workUnitID)
	var out []string
	err := filepath.WalkDir(s.FeaturesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || filepath.Ext(path) != ".feature" {
			return nil
		}
		ok, err := hasTag(path, tag)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("scan features: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (s FileSource) TestFiles(ctx context.Context, workUnitID string) ([]string, error) {
	features, err := s.FeatureFiles(ctx, workUnitID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, feature := range features {
		cov, err := ReadFile(feature + ".coverage")
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, sc := range cov.Scenarios {
			for _, tm := range sc.TestMappings {
				if tm.File == "" {
					continue
				}
				p := tm.File
				if !filepath.IsAbs(p) {
					p = filepath.Join(s.Root, p)
				}
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReadFile parses one coverage file.
func ReadFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// hasTag reports whether tag appears on a tag line (a line of @-prefixed tokens)
// before the first Scenario. Feature-level tags are what link a file to a unit.
func hasTag(path, tag string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Scenario") || strings.HasPrefix(line, "Background") || strings.HasPrefix(line, "Rule:") {
			break
		}
		if !strings.HasPrefix(line, "@") {
			continue
		}
		for _, tok := range strings.Fields(line) {
			if strings.EqualFold(tok, tag) {
				return true, nil
			}
		}
	}
	return false, sc.Err()
}
