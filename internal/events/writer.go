package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the journal.
const (
	TransitionCompleted = "transition.completed"
	TransitionRejected  = "transition.rejected"
	TemporalBypassed    = "temporal.bypassed"
	HookFailed          = "hook.failed"
	CheckpointCreated   = "checkpoint.created"
	CheckpointFailed    = "checkpoint.failed"
	CheckpointRestored  = "checkpoint.restored"
	CheckpointDrift     = "checkpoint.drift"
	WorkUnitCreated     = "work_unit.created"
	VirtualHookAdded    = "virtual_hook.added"
	VirtualHookRemoved  = "virtual_hook.removed"
	VirtualHooksCleared = "virtual_hook.cleared"
)

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer appends to the journal. A Writer with no DB discards events.
type Writer struct {
	DB         *sql.DB
	Invocation string
	ActorID    string
	Now        func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, workUnitID string, payload EventPayload) error {
	if w.DB == nil {
		return nil
	}
	return w.AppendTx(ctx, w.DB, evtType, workUnitID, payload)
}

func (w Writer) AppendTx(ctx context.Context, ex Execer, evtType, workUnitID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	actor := w.ActorID
	if actor == "" {
		actor = "local-user"
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,work_unit_id,invocation_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(workUnitID), nullable(w.Invocation), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
