// Package temporal detects artifacts that predate the workflow state in which
// they were supposed to be written.
package temporal

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sengac/fspec-sub012/internal/coverage"
	"github.com/sengac/fspec-sub012/internal/domain"
)

// Kind names a checked transition.
type Kind string

const (
	SpecifyingToTesting   Kind = "specifying->testing"
	TestingToImplementing Kind = "testing->implementing"
)

// KindFor returns the check that guards from -> to, if any.
func KindFor(from, to domain.Status) (Kind, bool) {
	switch {
	case from == domain.StatusSpecifying && to == domain.StatusTesting:
		return SpecifyingToTesting, true
	case from == domain.StatusTesting && to == domain.StatusImplementing:
		return TestingToImplementing, true
	}
	return "", false
}

// ExitedState is the state whose entry time the artifacts are compared against.
func (k Kind) ExitedState() domain.Status {
	if k == TestingToImplementing {
		return domain.StatusTesting
	}
	return domain.StatusSpecifying
}

type Result struct {
	Kind           Kind                       `json:"kind"`
	StateEnteredAt time.Time                  `json:"stateEnteredAt"`
	Checked        []string                   `json:"checked"`
	Violations     []domain.TemporalViolation `json:"violations"`
}

type StatFunc func(name string) (os.FileInfo, error)

type Validator struct {
	Coverage coverage.Source
	Stat     StatFunc
}

func New(src coverage.Source) *Validator {
	return &Validator{Coverage: src, Stat: os.Stat}
}

// Validate compares every relevant artifact's mtime against the time the unit
// entered the exited state. It has no side effects.
func (v *Validator) Validate(ctx context.Context, unit domain.WorkUnit, kind Kind) (Result, error) {
	res := Result{Kind: kind, Violations: []domain.TemporalViolation{}}
	entered, ok := unit.EnteredAt(kind.ExitedState())
	if !ok {
		// No recorded entry means nothing to compare against.
		return res, nil
	}
	res.StateEnteredAt = entered

	files, err := v.artifacts(ctx, unit.ID, kind)
	if err != nil {
		return res, err
	}
	stat := v.Stat
	if stat == nil {
		stat = os.Stat
	}
	for _, f := range files {
		info, err := stat(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return res, fmt.Errorf("stat %s: %w", f, err)
		}
		res.Checked = append(res.Checked, f)
		mod := info.ModTime()
		if mod.Before(entered) {
			res.Violations = append(res.Violations, domain.TemporalViolation{
				File:           f,
				FileModifiedAt: mod,
				StateEnteredAt: entered,
				GapMinutes:     entered.Sub(mod).Minutes(),
			})
		}
	}
	sort.Slice(res.Violations, func(i, j int) bool { return res.Violations[i].File < res.Violations[j].File })
	return res, nil
}

func (v *Validator) artifacts(ctx context.Context, id string, kind Kind) ([]string, error) {
	switch kind {
	case SpecifyingToTesting:
		return v.Coverage.FeatureFiles(ctx, id)
	case TestingToImplementing:
		return v.Coverage.TestFiles(ctx, id)
	}
	return nil, fmt.Errorf("unknown temporal check %q", kind)
}
