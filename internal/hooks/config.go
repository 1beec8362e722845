package hooks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sengac/fspec-sub012/internal/domain"
)

// File is the on-disk shape of spec/fspec-hooks.json.
type File struct {
	Global Global                          `json:"global"`
	Hooks  map[string][]domain.HookBinding `json:"hooks"`
}

type Global struct {
	// Timeout is the default per-hook timeout in seconds.
	Timeout int    `json:"timeout,omitempty"`
	Shell   string `json:"shell,omitempty"`
}

// LoadFile reads the project hook file. A missing file is an empty configuration.
func LoadFile(path string) (File, error) {
	f := File{Hooks: map[string][]domain.HookBinding{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, domain.WrapError(domain.KindInvalidInput, fmt.Sprintf("parse %s", path), err)
	}
	if f.Hooks == nil {
		f.Hooks = map[string][]domain.HookBinding{}
	}
	for event, bindings := range f.Hooks {
		for i := range bindings {
			bindings[i].Event = event
		}
	}
	return f, nil
}

// Bindings returns all project bindings ordered by event then declaration.
func (f File) Bindings() []domain.HookBinding {
	events := make([]string, 0, len(f.Hooks))
	for e := range f.Hooks {
		events = append(events, e)
	}
	sort.Strings(events)
	var out []domain.HookBinding
	for _, e := range events {
		out = append(out, f.Hooks[e]...)
	}
	return out
}

// ValidEvent reports whether event is pre-<status> or post-<status>.
func ValidEvent(event string) bool {
	var rest string
	switch {
	case strings.HasPrefix(event, "pre-"):
		rest = strings.TrimPrefix(event, "pre-")
	case strings.HasPrefix(event, "post-"):
		rest = strings.TrimPrefix(event, "post-")
	default:
		return false
	}
	return domain.Status(rest).Valid()
}

func PreEvent(s domain.Status) string  { return "pre-" + string(s) }
func PostEvent(s domain.Status) string { return "post-" + string(s) }

// Matches reports whether the binding's condition admits the unit. An empty condition matches everything.
func Matches(c *domain.HookCondition, w domain.WorkUnit) bool {
	if c.Empty() {
		return true
	}
	if len(c.Tags) > 0 && !anyEqualFold(c.Tags, w.Tags) {
		return false
	}
	if len(c.Prefix) > 0 && !anyEqualFold(c.Prefix, []string{w.Prefix()}) {
		return false
	}
	if len(c.Epic) > 0 && !anyEqualFold(c.Epic, []string{w.Epic}) {
		return false
	}
	if c.EstimateMin != nil || c.EstimateMax != nil {
		if w.Estimate == nil {
			return false
		}
		if c.EstimateMin != nil && *w.Estimate < *c.EstimateMin {
			return false
		}
		if c.EstimateMax != nil && *w.Estimate > *c.EstimateMax {
			return false
		}
	}
	return true
}

func anyEqualFold(want, have []string) bool {
	for _, a := range want {
		a = strings.TrimPrefix(a, "@")
		for _, b := range have {
			if strings.EqualFold(a, strings.TrimPrefix(b, "@")) {
				return true
			}
		}
	}
	return false
}

// Issue is a problem found by Validate.
type Issue struct {
	Event   string `json:"event"`
	Name    string `json:"name"`
	Command string `json:"command"`
	Problem string `json:"problem"`
}

// Validate checks that every binding is well formed and that its command resolves,
// either as a script path relative to root or as a binary on PATH.
func Validate(root string, bindings []domain.HookBinding, lookPath func(string) (string, error)) []Issue {
	var issues []Issue
	seen := map[string]bool{}
	for _, b := range bindings {
		add := func(problem string) {
			issues = append(issues, Issue{Event: b.Event, Name: b.Name, Command: b.Command, Problem: problem})
		}
		if !ValidEvent(b.Event) {
			add("unknown event")
		}
		if b.Name == "" {
			add("missing name")
		} else if key := b.Event + "/" + b.Name; seen[key] {
			add("duplicate name")
		} else {
			seen[key] = true
		}
		if b.TimeoutSeconds < 0 {
			add("negative timeout")
		}
		fields := strings.Fields(b.Command)
		if len(fields) == 0 {
			add("empty command")
			continue
		}
		exe := fields[0]
		if strings.ContainsRune(exe, '/') {
			p := exe
			if !filepath.IsAbs(p) {
				p = filepath.Join(root, p)
			}
			if _, err := os.Stat(p); err != nil {
				add(fmt.Sprintf("script not found: %s", exe))
			}
			continue
		}
		if isShellBuiltin(exe) {
			continue
		}
		if _, err := lookPath(exe); err != nil {
			add(fmt.Sprintf("command not found on PATH: %s", exe))
		}
	}
	return issues
}

func isShellBuiltin(s string) bool {
	switch s {
	case "true", "false", "exit", "echo", "test", "[", "cd", ":", "printf", "set", "export":
		return true
	}
	return false
}
