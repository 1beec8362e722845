package domain

import "fmt"

type Status string

const (
	StatusBacklog      Status = "backlog"
	StatusSpecifying   Status = "specifying"
	StatusTesting      Status = "testing"
	StatusImplementing Status = "implementing"
	StatusValidating   Status = "validating"
	StatusDone         Status = "done"
	StatusBlocked      Status = "blocked"
)

// Workflow is the fixed forward order. Blocked is not a position in it.
var Workflow = []Status{
	StatusBacklog,
	StatusSpecifying,
	StatusTesting,
	StatusImplementing,
	StatusValidating,
	StatusDone,
}

// AllStatuses lists every state, in the order the store keeps its per-state lists.
var AllStatuses = append(append([]Status{}, Workflow...), StatusBlocked)

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if st.Valid() {
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
}

func (s Status) Valid() bool {
	return s == StatusBlocked || s.Position() >= 0
}

// Position is the index in Workflow, or -1 for blocked and unknown values.
func (s Status) Position() int {
	for i, st := range Workflow {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Status) Terminal() bool { return s == StatusDone }

// Next returns the forward successor, if any.
func (s Status) Next() (Status, bool) {
	p := s.Position()
	if p < 0 || p+1 >= len(Workflow) {
		return "", false
	}
	return Workflow[p+1], true
}
