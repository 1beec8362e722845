package engine

import (
	"context"

	"github.com/sengac/fspec-sub012/internal/checkpoint"
	"github.com/sengac/fspec-sub012/internal/domain"
	"github.com/sengac/fspec-sub012/internal/events"
)

func (e *Engine) checkpoints() (Checkpointer, error) {
	if e.Checkpoints == nil {
		return nil, domain.NewError(domain.KindCheckpointFailure, "checkpoints need a git repository")
	}
	return e.Checkpoints, nil
}

// CreateCheckpoint takes a manual snapshot for an existing unit.
func (e *Engine) CreateCheckpoint(ctx context.Context, id, name, message string) (domain.CheckpointRecord, error) {
	if _, err := e.Store.Get(id); err != nil {
		return domain.CheckpointRecord{}, err
	}
	cp, err := e.checkpoints()
	if err != nil {
		return domain.CheckpointRecord{}, err
	}
	rec, err := cp.Create(ctx, id, name, message, false)
	if err != nil {
		e.record(ctx, events.CheckpointFailed, id, events.EventPayload{"name": name, "error": err.Error(), "kind": domain.KindOf(err)})
		return rec, err
	}
	e.record(ctx, events.CheckpointCreated, id, events.EventPayload{"name": rec.Name, "kind": rec.Kind})
	return rec, nil
}

func (e *Engine) ListCheckpoints(id string) ([]domain.CheckpointRecord, error) {
	if _, err := e.Store.Get(id); err != nil {
		return nil, err
	}
	cp, err := e.checkpoints()
	if err != nil {
		return nil, err
	}
	return cp.List(id)
}

func (e *Engine) RestoreCheckpoint(ctx context.Context, id, name string) (checkpoint.RestoreResult, error) {
	if _, err := e.Store.Get(id); err != nil {
		return checkpoint.RestoreResult{}, err
	}
	cp, err := e.checkpoints()
	if err != nil {
		return checkpoint.RestoreResult{}, err
	}
	res, err := cp.Restore(ctx, id, name)
	if err != nil {
		return res, err
	}
	e.record(ctx, events.CheckpointRestored, id, events.EventPayload{"name": name, "files": len(res.Files)})
	return res, nil
}
