package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sengac/fspec-sub012/internal/checkpoint"
	"github.com/sengac/fspec-sub012/internal/config"
	"github.com/sengac/fspec-sub012/internal/domain"
	"github.com/sengac/fspec-sub012/internal/events"
	"github.com/sengac/fspec-sub012/internal/hooks"
	"github.com/sengac/fspec-sub012/internal/reminder"
	"github.com/sengac/fspec-sub012/internal/repo"
	"github.com/sengac/fspec-sub012/internal/temporal"
)

type HookRunner interface {
	Run(ctx context.Context, event string, unit domain.WorkUnit) (hooks.RunResult, error)
}

type TemporalChecker interface {
	Validate(ctx context.Context, unit domain.WorkUnit, kind temporal.Kind) (temporal.Result, error)
}

type Checkpointer interface {
	Create(ctx context.Context, id, name, message string, automatic bool) (domain.CheckpointRecord, error)
	List(id string) ([]domain.CheckpointRecord, error)
	Restore(ctx context.Context, id, name string) (checkpoint.RestoreResult, error)
}

// Engine is the lifecycle controller. Checkpoints may be nil outside a git repository.
type Engine struct {
	Store       *repo.Store
	Hooks       HookRunner
	Temporal    TemporalChecker
	Checkpoints Checkpointer
	Events      events.Writer
	Config      *config.Config
	Now         func() time.Time
	Logger      *slog.Logger
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// record appends to the journal. The journal is an audit trail, so failures are only logged.
// Entries are written even after the caller's context has ended.
func (e *Engine) record(ctx context.Context, evtType, id string, payload events.EventPayload) {
	if err := e.Events.Append(context.WithoutCancel(ctx), evtType, id, payload); err != nil {
		e.logger().Warn("journal append failed", "type", evtType, "work_unit", id, "error", err)
	}
}

type TransitionFlags struct {
	SkipTemporalValidation bool
	Revert                 bool
	Reason                 string
}

type TransitionResult struct {
	Success                   bool                       `json:"success"`
	WorkUnitID                string                     `json:"workUnitId"`
	PreviousStatus            domain.Status              `json:"previousStatus"`
	NewStatus                 domain.Status              `json:"newStatus"`
	Violations                []domain.TemporalViolation `json:"violations,omitempty"`
	SkippedTemporalValidation bool                       `json:"skippedTemporalValidation,omitempty"`
	Checkpoint                *domain.CheckpointRecord   `json:"checkpoint,omitempty"`
	Reminder                  string                     `json:"reminder,omitempty"`
	Warnings                  []string                   `json:"warnings,omitempty"`
	NonBlockingFailures       []domain.HookFailure       `json:"nonBlockingFailures,omitempty"`
	PostHookFailure           *domain.HookFailure        `json:"postHookFailure,omitempty"`
	Error                     *domain.Error              `json:"error,omitempty"`
}

// Transition moves a work unit to target. Every check runs before the first side effect;
// once the new status is persisted nothing later undoes it.
func (e *Engine) Transition(ctx context.Context, id string, target domain.Status, flags TransitionFlags) (TransitionResult, error) {
	res := TransitionResult{WorkUnitID: id}
	fail := func(err error) (TransitionResult, error) {
		var de *domain.Error
		if !errors.As(err, &de) {
			de = domain.WrapError(domain.KindInternal, "transition failed", err)
		}
		res.Error = de
		res.NewStatus = res.PreviousStatus
		if de.Kind != domain.KindNotFound {
			e.record(ctx, events.TransitionRejected, id, events.EventPayload{
				"from": res.PreviousStatus, "to": target, "kind": de.Kind, "message": de.Message,
			})
		}
		return res, err
	}

	unit, err := e.Store.Get(id)
	if err != nil {
		return fail(err)
	}
	from := unit.Status
	res.PreviousStatus = from
	log := e.logger().With("work_unit", id, "from", from, "to", target)

	if err := checkTransition(unit, target, flags.Revert); err != nil {
		return fail(err)
	}

	if kind, ok := temporal.KindFor(from, target); ok && !flags.Revert {
		if flags.SkipTemporalValidation {
			res.SkippedTemporalValidation = true
			log.Warn("temporal validation skipped")
		} else if e.Temporal != nil {
			vr, err := e.Temporal.Validate(ctx, unit, kind)
			if err != nil {
				return fail(fmt.Errorf("temporal validation: %w", err))
			}
			if len(vr.Violations) > 0 {
				res.Violations = vr.Violations
				return fail(domain.TemporalViolationError(from, target, vr.Violations))
			}
		}
	}

	if e.Hooks != nil {
		pre, err := e.Hooks.Run(ctx, hooks.PreEvent(target), unit)
		if err != nil {
			if ctx.Err() != nil {
				return fail(domain.WrapError(domain.KindHookBlocked,
					fmt.Sprintf("%s hooks did not finish; %s stays in %s", hooks.PreEvent(target), id, from), err))
			}
			return fail(fmt.Errorf("run %s hooks: %w", hooks.PreEvent(target), err))
		}
		e.noteNonBlocking(ctx, &res, pre)
		if pre.BlockedFailure != nil {
			f := *pre.BlockedFailure
			res.Reminder = hooks.FormatBlockingFailure(f)
			e.record(ctx, events.HookFailed, id, hookPayload(f, true))
			return fail(&domain.Error{
				Kind:    domain.KindHookBlocked,
				Message: fmt.Sprintf("%s hook %q failed; %s stays in %s", f.Event, f.Name, id, from),
				Hook:    &f,
			})
		}
	}

	e.autoCheckpoint(ctx, &res, unit, log)
	if err := ctx.Err(); err != nil {
		return fail(domain.WrapError(domain.KindInternal, fmt.Sprintf("transition of %s interrupted", id), err))
	}

	var updated domain.WorkUnit
	err = e.Store.Update(func(doc *repo.Document) error {
		cur, err := doc.Get(id)
		if err != nil {
			return err
		}
		if cur.Status != unit.Status || len(cur.StateHistory) != len(unit.StateHistory) {
			return domain.NewError(domain.KindConflict, "%s changed from %s to %s while the transition was running", id, unit.Status, cur.Status)
		}
		now := e.now().UTC()
		if n := len(cur.StateHistory); n > 0 && now.Before(cur.StateHistory[n-1].Timestamp) {
			now = cur.StateHistory[n-1].Timestamp
		}
		cur.StateHistory = append(cur.StateHistory, domain.StateEntry{
			State:                     target,
			Timestamp:                 now,
			Reason:                    flags.Reason,
			SkippedTemporalValidation: res.SkippedTemporalValidation,
		})
		cur.Status = target
		cur.UpdatedAt = now
		doc.Put(cur)
		updated = cur
		return nil
	})
	if err != nil {
		return fail(err)
	}
	res.Success = true
	res.NewStatus = target
	log.Info("work unit transitioned", "revert", flags.Revert)

	payload := events.EventPayload{"from": from, "to": target}
	if flags.Revert {
		payload["revert"] = true
	}
	if flags.Reason != "" {
		payload["reason"] = flags.Reason
	}
	e.record(ctx, events.TransitionCompleted, id, payload)
	if res.SkippedTemporalValidation {
		e.record(ctx, events.TemporalBypassed, id, events.EventPayload{"from": from, "to": target})
	}

	if e.Hooks != nil {
		post, err := e.Hooks.Run(ctx, hooks.PostEvent(target), updated)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("post-%s hooks did not run: %v", target, err))
			log.Warn("post hooks did not run", "error", err)
		} else {
			e.noteNonBlocking(ctx, &res, post)
			if post.BlockedFailure != nil {
				f := *post.BlockedFailure
				res.PostHookFailure = &f
				e.record(ctx, events.HookFailed, id, hookPayload(f, true))
				log.Warn("blocking post hook failed", "hook", f.Name, "exit", f.ExitCode)
			}
		}
	}

	var notes []string
	if res.PostHookFailure != nil {
		notes = append(notes, hooks.DescribeBlockingFailure(*res.PostHookFailure))
	}
	res.Reminder = reminder.Compose(from, target, updated, notes...)
	return res, nil
}

func (e *Engine) noteNonBlocking(ctx context.Context, res *TransitionResult, run hooks.RunResult) {
	for _, f := range run.NonBlockingFailures {
		res.NonBlockingFailures = append(res.NonBlockingFailures, f)
		e.logger().Warn("non-blocking hook failed", "work_unit", res.WorkUnitID, "hook", f.Name, "event", f.Event, "exit", f.ExitCode)
		e.record(ctx, events.HookFailed, res.WorkUnitID, hookPayload(f, false))
	}
}

func hookPayload(f domain.HookFailure, blocking bool) events.EventPayload {
	return events.EventPayload{
		"hook": f.Name, "event": f.Event, "exit_code": f.ExitCode, "timed_out": f.TimedOut, "blocking": blocking,
	}
}

// autoCheckpoint snapshots the tree before the unit leaves its current state.
// Failures become warnings and never stop the transition.
func (e *Engine) autoCheckpoint(ctx context.Context, res *TransitionResult, unit domain.WorkUnit, log *slog.Logger) {
	if e.Config != nil && !e.Config.Checkpoints.Automatic {
		return
	}
	if e.Checkpoints == nil {
		res.Warnings = append(res.Warnings, "automatic checkpoint skipped: not a git repository")
		log.Debug("automatic checkpoint skipped, no repository")
		return
	}
	name := checkpoint.AutoName(unit.ID, unit.Status)
	rec, err := e.Checkpoints.Create(ctx, unit.ID, name, fmt.Sprintf("automatic checkpoint before leaving %s", unit.Status), true)
	switch {
	case err == nil:
		res.Checkpoint = &rec
		e.record(ctx, events.CheckpointCreated, unit.ID, events.EventPayload{"name": rec.Name, "kind": rec.Kind})
	case errors.Is(err, domain.ErrNoChanges):
		log.Debug("automatic checkpoint skipped, working tree clean")
	default:
		res.Warnings = append(res.Warnings, fmt.Sprintf("automatic checkpoint %s failed: %v", name, err))
		log.Warn("automatic checkpoint failed", "name", name, "error", err)
		e.record(ctx, events.CheckpointFailed, unit.ID, events.EventPayload{"name": name, "error": err.Error()})
	}
}

// checkTransition enforces the state machine. Blocked is entered from any open state
// and left only for the state held before blocking, unless reverting further back.
func checkTransition(unit domain.WorkUnit, target domain.Status, revert bool) error {
	from := unit.Status
	if !target.Valid() {
		return domain.NewError(domain.KindInvalidInput, "unknown status %q", target)
	}
	if target == from {
		return domain.NewError(domain.KindIllegalTransition, "%s is already %s", unit.ID, from)
	}
	if target == domain.StatusBlocked {
		if from.Terminal() {
			return domain.NewError(domain.KindIllegalTransition, "%s is done and cannot be blocked", unit.ID)
		}
		return nil
	}

	effective := from
	if from == domain.StatusBlocked {
		prev, ok := unit.StatusBeforeBlocked()
		if !ok {
			return domain.NewError(domain.KindIllegalTransition, "%s has no state to return to from blocked", unit.ID)
		}
		if target == prev && !revert {
			return nil
		}
		effective = prev
	}

	if revert {
		if target.Position() < effective.Position() {
			return nil
		}
		return domain.NewError(domain.KindIllegalTransition, "revert must move backward: %s -> %s", from, target)
	}
	if from == domain.StatusBlocked {
		return domain.NewError(domain.KindIllegalTransition, "%s is blocked; it can only return to %s", unit.ID, effective)
	}
	if from.Terminal() {
		return domain.NewError(domain.KindIllegalTransition, "%s is done; use --revert to reopen it", unit.ID)
	}
	if next, ok := from.Next(); ok && next == target {
		return nil
	}
	if target.Position() < from.Position() {
		return domain.NewError(domain.KindIllegalTransition, "cannot move %s backward from %s to %s without --revert", unit.ID, from, target)
	}
	next, _ := from.Next()
	return domain.NewError(domain.KindIllegalTransition, "cannot move %s from %s to %s; next state is %s", unit.ID, from, target, next)
}
