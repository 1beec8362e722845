// Package reminder builds the advisory text returned after a status change.
package reminder

import (
	"fmt"
	"strings"

	"github.com/sengac/fspec-sub012/internal/domain"
)

const (
	openTag  = "<system-reminder>"
	closeTag = "</system-reminder>"
)

// Compose returns one advisory block for the transition from -> to of unit.
// It is the only place transition guidance is written; notes such as a failed
// post hook are folded into the same block after the confirmation.
func Compose(from, to domain.Status, unit domain.WorkUnit, notes ...string) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Work unit %s moved from %s to %s.", unit.ID, from, to))
	for _, n := range notes {
		if n = strings.TrimSpace(n); n != "" {
			parts = append(parts, n)
		}
	}

	if from == domain.StatusSpecifying && to == domain.StatusTesting {
		parts = append(parts, hookSuggestion(unit.ID))
	}
	if to == domain.StatusDone {
		if n := len(unit.VirtualHooks); n > 0 {
			parts = append(parts, cleanupPrompt(unit, n))
		}
	}
	return Wrap(strings.Join(parts, "\n\n"))
}

// Wrap encloses body in reminder markers.
func Wrap(body string) string {
	return openTag + "\n" + strings.TrimSpace(body) + "\n" + closeTag
}

func hookSuggestion(id string) string {
	var b strings.Builder
	b.WriteString("Consider adding quality-gate hooks for this work unit before implementation starts.\n")
	b.WriteString("Available events: pre-testing, post-testing, pre-implementing, post-implementing.\n")
	b.WriteString("Manage them with:\n")
	fmt.Fprintf(&b, "  fspec add-virtual-hook %s <event> \"<command>\" --blocking\n", id)
	fmt.Fprintf(&b, "  fspec list-virtual-hooks %s\n", id)
	fmt.Fprintf(&b, "  fspec remove-virtual-hook %s <name>", id)
	return b.String()
}

func cleanupPrompt(unit domain.WorkUnit, n int) string {
	noun := "virtual hooks"
	if n == 1 {
		noun = "virtual hook"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s has %d %s attached:\n", unit.ID, n, noun)
	for _, h := range unit.VirtualHooks {
		fmt.Fprintf(&b, "  - %s (%s): %s\n", h.Name, h.Event, h.Command)
	}
	b.WriteString("Ask whether to keep them or remove them now that the work unit is done.\n")
	fmt.Fprintf(&b, "To remove them run:\n  fspec clear-virtual-hooks %s", unit.ID)
	return b.String()
}
