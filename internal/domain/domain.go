package domain

import "time"

type WorkUnitType string

const (
	TypeStory WorkUnitType = "story"
	TypeBug   WorkUnitType = "bug"
	TypeTask  WorkUnitType = "task"
)

func (t WorkUnitType) Valid() bool {
	switch t {
	case TypeStory, TypeBug, TypeTask:
		return true
	}
	return false
}

type WorkUnit struct {
	ID           string        `json:"id"`
	Type         WorkUnitType  `json:"type"`
	Title        string        `json:"title"`
	Description  string        `json:"description,omitempty"`
	Status       Status        `json:"status" enum:"backlog,specifying,testing,implementing,validating,done,blocked"`
	Epic         string        `json:"epic,omitempty"`
	Estimate     *int          `json:"estimate,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	StateHistory []StateEntry  `json:"stateHistory"`
	VirtualHooks []HookBinding `json:"virtualHooks,omitempty"`
	Blocks       []string      `json:"blocks,omitempty"`
	BlockedBy    []string      `json:"blockedBy,omitempty"`
	CreatedAt    time.Time     `json:"createdAt" format:"date-time"`
	UpdatedAt    time.Time     `json:"updatedAt" format:"date-time"`
}

// StateEntry is one append-only record of a unit entering a state.
type StateEntry struct {
	State                     Status    `json:"state"`
	Timestamp                 time.Time `json:"timestamp" format:"date-time"`
	Reason                    string    `json:"reason,omitempty"`
	SkippedTemporalValidation bool      `json:"skippedTemporalValidation,omitempty"`
}

// Prefix returns the id prefix, e.g. AUTH for AUTH-001.
func (w WorkUnit) Prefix() string {
	for i := len(w.ID) - 1; i >= 0; i-- {
		if w.ID[i] == '-' {
			return w.ID[:i]
		}
	}
	return w.ID
}

// EnteredAt returns the timestamp of the most recent entry into state. Returning to
// state from blocked continues the earlier stay, so the original entry is used.
func (w WorkUnit) EnteredAt(state Status) (time.Time, bool) {
	h := w.StateHistory
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].State != state {
			continue
		}
		for {
			j := i - 1
			for j >= 0 && h[j].State == StatusBlocked {
				j--
			}
			if j == i-1 || j < 0 || h[j].State != state {
				break
			}
			i = j
		}
		return h[i].Timestamp, true
	}
	return time.Time{}, false
}

// StatusBeforeBlocked returns the state a blocked unit was in before it was blocked.
func (w WorkUnit) StatusBeforeBlocked() (Status, bool) {
	for i := len(w.StateHistory) - 1; i >= 0; i-- {
		if w.StateHistory[i].State != StatusBlocked {
			return w.StateHistory[i].State, true
		}
	}
	return "", false
}

// HookCondition narrows a binding to units matching all of its non-empty fields.
type HookCondition struct {
	Tags        []string `json:"tags,omitempty"`
	Prefix      []string `json:"prefix,omitempty"`
	Epic        []string `json:"epic,omitempty"`
	EstimateMin *int     `json:"estimateMin,omitempty"`
	EstimateMax *int     `json:"estimateMax,omitempty"`
}

func (c *HookCondition) Empty() bool {
	return c == nil || (len(c.Tags) == 0 && len(c.Prefix) == 0 && len(c.Epic) == 0 && c.EstimateMin == nil && c.EstimateMax == nil)
}

type HookBinding struct {
	Name           string         `json:"name"`
	Event          string         `json:"event"`
	Command        string         `json:"command"`
	Blocking       bool           `json:"blocking"`
	TimeoutSeconds int            `json:"timeout,omitempty"`
	Condition      *HookCondition `json:"condition,omitempty"`
}

type CheckpointKind string

const (
	CheckpointManual    CheckpointKind = "manual"
	CheckpointAutomatic CheckpointKind = "automatic"
)

type CheckpointRecord struct {
	Name       string         `json:"name"`
	Message    string         `json:"message"`
	CreatedAt  time.Time      `json:"createdAt" format:"date-time"`
	WorkUnitID string         `json:"workUnitId,omitempty"`
	Kind       CheckpointKind `json:"kind,omitempty"`
}

type CheckpointCounts struct {
	Manual int `json:"manual"`
	Auto   int `json:"auto"`
}

type TemporalViolation struct {
	File           string    `json:"file"`
	FileModifiedAt time.Time `json:"fileModifiedAt" format:"date-time"`
	StateEnteredAt time.Time `json:"stateEnteredAt" format:"date-time"`
	GapMinutes     float64   `json:"gapMinutes"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WorkUnitID string `json:"work_unit_id,omitempty"`
	Invocation string `json:"invocation_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
