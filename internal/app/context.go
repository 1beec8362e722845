package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/sengac/fspec-sub012/internal/checkpoint"
	"github.com/sengac/fspec-sub012/internal/config"
	"github.com/sengac/fspec-sub012/internal/coverage"
	"github.com/sengac/fspec-sub012/internal/db"
	"github.com/sengac/fspec-sub012/internal/engine"
	"github.com/sengac/fspec-sub012/internal/events"
	"github.com/sengac/fspec-sub012/internal/hooks"
	"github.com/sengac/fspec-sub012/internal/migrate"
	"github.com/sengac/fspec-sub012/internal/repo"
	"github.com/sengac/fspec-sub012/internal/temporal"
)

type Options struct {
	ActorID    string
	Invocation string
}

// Workspace holds everything one command needs, wired from .fspec/fspec.yml.
type Workspace struct {
	Root        string
	Config      *config.Config
	DB          *sql.DB
	Journal     repo.Repo
	Store       *repo.Store
	Hooks       *hooks.Engine
	Checkpoints *checkpoint.Manager
	Engine      *engine.Engine
	Logger      *slog.Logger
}

// Open loads the config (defaults when absent), opens and migrates the journal and builds the engine.
// A workspace outside git still works; only checkpoint features are unavailable.
func Open(ctx context.Context, root string, opts Options) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(abs)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := slog.Default()
	if opts.Invocation != "" {
		logger = logger.With("invocation", opts.Invocation)
	}

	conn, err := db.Open(db.Config{Workspace: abs})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	hk := hooks.NewEngine(config.Resolve(abs, cfg.Paths.Hooks), abs)
	hk.Shell = cfg.Hooks.Shell
	hk.DefaultTimeout = time.Duration(cfg.Hooks.DefaultTimeoutSeconds) * time.Second
	hk.MaxConcurrency = cfg.Hooks.MaxConcurrency
	hk.Logger = logger

	ws := &Workspace{
		Root:    abs,
		Config:  cfg,
		DB:      conn,
		Journal: repo.Repo{DB: conn},
		Store:   repo.NewStore(config.Resolve(abs, cfg.Paths.WorkUnits)),
		Hooks:   hk,
		Logger:  logger,
	}
	ws.Engine = &engine.Engine{
		Store: ws.Store,
		Hooks: hk,
		Temporal: temporal.New(coverage.FileSource{
			Root:        abs,
			FeaturesDir: config.Resolve(abs, cfg.Paths.Features),
		}),
		Events: events.Writer{DB: conn, Invocation: opts.Invocation, ActorID: opts.ActorID},
		Config: cfg,
		Logger: logger,
	}

	cp, err := checkpoint.Open(abs, config.Resolve(abs, cfg.Paths.Checkpoints))
	if err != nil {
		logger.Debug("checkpoints unavailable", "error", err)
	} else {
		cp.Logger = logger
		ws.Checkpoints = cp
		ws.Engine.Checkpoints = cp
	}
	return ws, nil
}

func (w *Workspace) Close() error {
	if w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// CheckpointCounter returns a manager able to count and watch the index, even outside a repository
// when the index directory is configured explicitly.
func (w *Workspace) CheckpointCounter() (*checkpoint.Manager, error) {
	if w.Checkpoints != nil {
		return w.Checkpoints, nil
	}
	if w.Config.Paths.Checkpoints != "" {
		return checkpoint.Counter(config.Resolve(w.Root, w.Config.Paths.Checkpoints)), nil
	}
	return nil, fmt.Errorf("checkpoint counts need a git repository or paths.checkpoints in %s", config.Path(w.Root))
}
