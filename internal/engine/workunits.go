package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sengac/fspec-sub012/internal/domain"
	"github.com/sengac/fspec-sub012/internal/events"
	"github.com/sengac/fspec-sub012/internal/hooks"
	"github.com/sengac/fspec-sub012/internal/repo"
)

var prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,15}$`)

// CreateOptions are parameters for creating a work unit.
type CreateOptions struct {
	Prefix      string
	Title       string
	Type        domain.WorkUnitType
	Description string
	Epic        string
	Estimate    *int
	Tags        []string
}

// CreateWorkUnit adds a unit in backlog with the next free PREFIX-NNN id.
func (e *Engine) CreateWorkUnit(ctx context.Context, opts CreateOptions) (domain.WorkUnit, error) {
	prefix := strings.ToUpper(strings.TrimSpace(opts.Prefix))
	if !prefixPattern.MatchString(prefix) {
		return domain.WorkUnit{}, domain.NewError(domain.KindInvalidInput, "prefix %q must be 2-16 letters or digits starting with a letter", opts.Prefix)
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkUnit{}, domain.NewError(domain.KindInvalidInput, "title is required")
	}
	if opts.Type == "" {
		opts.Type = domain.TypeStory
	}
	if !opts.Type.Valid() {
		return domain.WorkUnit{}, domain.NewError(domain.KindInvalidInput, "unknown work unit type %q", opts.Type)
	}
	if opts.Estimate != nil && *opts.Estimate < 0 {
		return domain.WorkUnit{}, domain.NewError(domain.KindInvalidInput, "estimate must not be negative")
	}

	var created domain.WorkUnit
	err := e.Store.Update(func(doc *repo.Document) error {
		now := e.now().UTC()
		created = domain.WorkUnit{
			ID:           doc.NextID(prefix),
			Type:         opts.Type,
			Title:        strings.TrimSpace(opts.Title),
			Description:  opts.Description,
			Status:       domain.StatusBacklog,
			Epic:         opts.Epic,
			Estimate:     opts.Estimate,
			Tags:         opts.Tags,
			StateHistory: []domain.StateEntry{{State: domain.StatusBacklog, Timestamp: now}},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		doc.Put(created)
		return nil
	})
	if err != nil {
		return domain.WorkUnit{}, err
	}
	e.record(ctx, events.WorkUnitCreated, created.ID, events.EventPayload{"title": created.Title, "type": created.Type})
	return created, nil
}

func (e *Engine) GetWorkUnit(id string) (domain.WorkUnit, error) {
	return e.Store.Get(id)
}

func (e *Engine) ListWorkUnits(status domain.Status) ([]domain.WorkUnit, error) {
	if status != "" && !status.Valid() {
		return nil, domain.NewError(domain.KindInvalidInput, "unknown status %q", status)
	}
	doc, err := e.Store.Load()
	if err != nil {
		return nil, err
	}
	return doc.List(status), nil
}

// AddVirtualHook attaches a hook to one unit. An empty name is derived from the event.
func (e *Engine) AddVirtualHook(ctx context.Context, id string, b domain.HookBinding) (domain.HookBinding, error) {
	if !hooks.ValidEvent(b.Event) {
		return b, domain.NewError(domain.KindInvalidInput, "unknown hook event %q; use pre-<status> or post-<status>", b.Event)
	}
	if strings.TrimSpace(b.Command) == "" {
		return b, domain.NewError(domain.KindInvalidInput, "hook command is required")
	}
	if b.TimeoutSeconds < 0 {
		return b, domain.NewError(domain.KindInvalidInput, "timeout must not be negative")
	}
	err := e.mutate(id, func(w *domain.WorkUnit) error {
		if b.Name == "" {
			b.Name = nextHookName(w.VirtualHooks, b.Event)
		}
		for _, h := range w.VirtualHooks {
			if h.Name == b.Name {
				return domain.NewError(domain.KindInvalidInput, "%s already has a virtual hook named %q", id, b.Name)
			}
		}
		w.VirtualHooks = append(w.VirtualHooks, b)
		return nil
	})
	if err != nil {
		return b, err
	}
	e.record(ctx, events.VirtualHookAdded, id, events.EventPayload{"name": b.Name, "event": b.Event, "blocking": b.Blocking})
	return b, nil
}

func nextHookName(existing []domain.HookBinding, event string) string {
	taken := map[string]bool{}
	for _, h := range existing {
		taken[h.Name] = true
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s-%d", event, i)
		if !taken[name] {
			return name
		}
	}
}

func (e *Engine) RemoveVirtualHook(ctx context.Context, id, name string) error {
	err := e.mutate(id, func(w *domain.WorkUnit) error {
		kept := w.VirtualHooks[:0]
		found := false
		for _, h := range w.VirtualHooks {
			if h.Name == name {
				found = true
				continue
			}
			kept = append(kept, h)
		}
		if !found {
			return domain.NotFoundf("%s has no virtual hook named %q", id, name)
		}
		w.VirtualHooks = kept
		return nil
	})
	if err != nil {
		return err
	}
	e.record(ctx, events.VirtualHookRemoved, id, events.EventPayload{"name": name})
	return nil
}

// ClearVirtualHooks removes every virtual hook and returns how many there were.
func (e *Engine) ClearVirtualHooks(ctx context.Context, id string) (int, error) {
	var n int
	err := e.mutate(id, func(w *domain.WorkUnit) error {
		n = len(w.VirtualHooks)
		w.VirtualHooks = nil
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.record(ctx, events.VirtualHooksCleared, id, events.EventPayload{"count": n})
	return n, nil
}

func (e *Engine) ListVirtualHooks(id string) ([]domain.HookBinding, error) {
	w, err := e.Store.Get(id)
	if err != nil {
		return nil, err
	}
	return w.VirtualHooks, nil
}

// mutate applies fn to one unit under the store lock. Status and history are not touched here.
func (e *Engine) mutate(id string, fn func(*domain.WorkUnit) error) error {
	return e.Store.Update(func(doc *repo.Document) error {
		w, err := doc.Get(id)
		if err != nil {
			return err
		}
		if err := fn(&w); err != nil {
			return err
		}
		w.UpdatedAt = e.now().UTC()
		doc.Put(w)
		return nil
	})
}
