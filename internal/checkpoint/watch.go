package checkpoint

import (
	"context"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/sengac/fspec-sub012/internal/domain"
)

// Watch emits the current counts, then recomputes them on every change to the
// index directory until ctx is done. Events are not coalesced.
func (m *Manager) Watch(ctx context.Context, emit func(domain.CheckpointCounts)) error {
	if err := os.MkdirAll(m.IndexDir, 0o755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(m.IndexDir); err != nil {
		return err
	}

	recount := func() {
		c, err := m.CountAll()
		if err != nil {
			m.logger().Warn("checkpoint count failed", "dir", m.IndexDir, "error", err)
			return
		}
		emit(c)
	}
	recount()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			m.logger().Debug("checkpoint index changed", "file", ev.Name, "op", ev.Op.String())
			recount()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger().Warn("checkpoint watcher error", "error", err)
		}
	}
}
