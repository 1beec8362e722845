package server

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sengac/fspec-sub012/internal/checkpoint"
	"github.com/sengac/fspec-sub012/internal/config"
	"github.com/sengac/fspec-sub012/internal/events"
)

// DriftAuditor periodically checks that every indexed checkpoint still has its
// snapshot ref and journals a checkpoint.drift event per affected unit.
type DriftAuditor struct {
	Checkpoints *checkpoint.Manager
	Events      events.Writer
	Schedule    cron.Schedule
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewDriftAuditor returns nil when no schedule is configured or checkpoints are unavailable.
func NewDriftAuditor(cfg *config.Config, cp *checkpoint.Manager, w events.Writer, logger *slog.Logger) (*DriftAuditor, error) {
	if cfg == nil || cfg.Checkpoints.AuditSchedule == "" || cp == nil {
		return nil, nil
	}
	sched, err := config.ParseSchedule(cfg.Checkpoints.AuditSchedule)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DriftAuditor{Checkpoints: cp, Events: w, Schedule: sched, Logger: logger, Now: time.Now}, nil
}

// Run audits at every scheduled time until ctx is done.
func (a *DriftAuditor) Run(ctx context.Context) {
	for {
		now := a.now()
		wait := a.Schedule.Next(now).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := a.AuditOnce(ctx); err != nil {
			a.Logger.Warn("checkpoint drift audit failed", "error", err)
		}
	}
}

// AuditOnce checks every unit's index and returns the ids with drift, sorted.
func (a *DriftAuditor) AuditOnce(ctx context.Context) ([]string, error) {
	drift, err := a.Checkpoints.VerifyAll()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(drift))
	for id := range drift {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		names := make([]string, 0, len(drift[id]))
		for _, d := range drift[id] {
			names = append(names, d.Name)
		}
		a.Logger.Warn("checkpoint drift", "work_unit", id, "checkpoints", names)
		if err := a.Events.Append(ctx, events.CheckpointDrift, id, events.EventPayload{"checkpoints": names}); err != nil {
			a.Logger.Warn("journal drift event failed", "work_unit", id, "error", err)
		}
	}
	a.Logger.Debug("checkpoint drift audit finished", "units_with_drift", len(ids))
	return ids, nil
}

func (a *DriftAuditor) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
