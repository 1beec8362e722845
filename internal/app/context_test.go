package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sengac/fspec-sub012/internal/config"
	"github.com/sengac/fspec-sub012/internal/domain"
	"github.com/sengac/fspec-sub012/internal/engine"
)

func TestOpenOutsideGitUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ws, err := Open(ctx, dir, Options{ActorID: "tester", Invocation: "inv-1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()

	if ws.Checkpoints != nil || ws.Engine.Checkpoints != nil {
		t.Fatalf("checkpoints wired outside a repository")
	}
	if ws.Store.Path() != filepath.Join(ws.Root, "spec", "work-units.json") {
		t.Fatalf("store path = %s", ws.Store.Path())
	}
	if _, err := ws.CheckpointCounter(); err == nil {
		t.Fatalf("expected counter error without repository or configured index")
	}

	w, err := ws.Engine.CreateWorkUnit(ctx, engine.CreateOptions{Prefix: "AUTH", Title: "Login"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := ws.Engine.Transition(ctx, w.ID, domain.StatusSpecifying, engine.TransitionFlags{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected a checkpoint warning, got %v", res.Warnings)
	}
	evts, err := ws.Journal.CountEventsByType(ctx, w.ID)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if evts["transition.completed"] != 1 || evts["work_unit.created"] != 1 {
		t.Fatalf("journal counts = %v", evts)
	}
}

func TestOpenHonoursConfiguredCheckpointDir(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default("demo")
	cfg.Paths.Checkpoints = "var/checkpoints"
	if err := config.Write(dir, cfg); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "var", "checkpoints"), 0o755); err != nil {
		t.Fatal(err)
	}
	ws, err := Open(context.Background(), dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	counter, err := ws.CheckpointCounter()
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	c, err := counter.CountAll()
	if err != nil || c != (domain.CheckpointCounts{}) {
		t.Fatalf("counts = %+v %v", c, err)
	}
}
