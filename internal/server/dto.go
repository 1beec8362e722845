package server

import (
	"encoding/json"

	"github.com/sengac/fspec-sub012/internal/domain"
)

// Request payloads

type CreateWorkUnitRequest struct {
	Prefix      string   `json:"prefix" example:"AUTH"`
	Title       string   `json:"title" example:"User login"`
	Type        string   `json:"type,omitempty" enum:"story,bug,task"`
	Description string   `json:"description,omitempty"`
	Epic        string   `json:"epic,omitempty"`
	Estimate    *int     `json:"estimate,omitempty" minimum:"0"`
	Tags        []string `json:"tags,omitempty"`
}

type TransitionRequest struct {
	To                     string `json:"to" enum:"backlog,specifying,testing,implementing,validating,done,blocked"`
	SkipTemporalValidation bool   `json:"skipTemporalValidation,omitempty"`
	Revert                 bool   `json:"revert,omitempty"`
	Reason                 string `json:"reason,omitempty"`
}

type AddVirtualHookRequest struct {
	Name           string                `json:"name,omitempty"`
	Event          string                `json:"event" example:"post-implementing"`
	Command        string                `json:"command" example:"npm run lint"`
	Blocking       bool                  `json:"blocking,omitempty"`
	TimeoutSeconds int                   `json:"timeout,omitempty" minimum:"0"`
	Condition      *domain.HookCondition `json:"condition,omitempty"`
}

type CreateCheckpointRequest struct {
	Name    string `json:"name" example:"before-refactor"`
	Message string `json:"message,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	WorkUnitID string         `json:"work_unit_id,omitempty"`
	Invocation string         `json:"invocation_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
	PayloadRaw string         `json:"payload_raw,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type VirtualHooksResponse struct {
	WorkUnitID string               `json:"workUnitId"`
	Hooks      []domain.HookBinding `json:"hooks"`
}

type ClearVirtualHooksResponse struct {
	WorkUnitID string `json:"workUnitId"`
	Removed    int    `json:"removed"`
}

type CheckpointsResponse struct {
	WorkUnitID  string                    `json:"workUnitId"`
	Checkpoints []domain.CheckpointRecord `json:"checkpoints"`
}

type CheckpointCountsResponse struct {
	Manual  int    `json:"manual"`
	Auto    int    `json:"auto"`
	Display string `json:"display" example:"2 Manual, 1 Auto"`
}

func eventResponse(evt domain.Event) EventResponse {
	out := EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		WorkUnitID: evt.WorkUnitID,
		Invocation: evt.Invocation,
		ActorID:    evt.ActorID,
	}
	if evt.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err == nil {
			out.Payload = payload
		} else {
			out.PayloadRaw = evt.Payload
		}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
