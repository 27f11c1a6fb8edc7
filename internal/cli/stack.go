package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/patchpilot/patchpilot/internal/artifact"
	"github.com/patchpilot/patchpilot/internal/checks"
	"github.com/patchpilot/patchpilot/internal/config"
	"github.com/patchpilot/patchpilot/internal/engine"
	"github.com/patchpilot/patchpilot/internal/patch"
	"github.com/patchpilot/patchpilot/internal/registry"
	"github.com/patchpilot/patchpilot/internal/workspace"
)

// stack bundles everything a command needs to operate on runs. Commands
// that only read the registry still build the full stack; it is cheap.
type stack struct {
	cfg   *config.Config
	db    *registry.DB
	reg   *registry.Registry
	blobs *artifact.Store
	ws    *workspace.Manager
	eng   *engine.Engine
	queue *engine.LocalQueue
	log   *slog.Logger
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFlag != "" {
		cfg, err = config.Load(configFlag)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s", errs[0].Error())
	}
	return cfg, nil
}

// newStack opens the database, migrates it, and wires the engine with a
// local one-shot queue. The returned cleanup closes the database.
func newStack() (*stack, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := registry.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	reg := registry.New(db)

	blobs, err := artifact.NewStore(cfg.ArtifactsDir())
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("artifact store: %w", err)
	}
	ws := workspace.NewManager(cfg.DataDir)

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	model := patch.NewModelProposer(cfg.Model.Endpoint, cfg.Model.Name)
	eng := engine.New(reg, blobs, ws, &checks.ExecRunner{}, patch.NewRulesProposer(), model, engine.Options{
		MaxRegenerates: cfg.MaxRegenerates,
		CheckTimeout:   cfg.CheckTimeoutDuration(),
		SmokeTimeout:   cfg.SmokeTimeoutDuration(),
		ContextDocs:    cfg.ContextDocs,
	}, log)
	queue := &engine.LocalQueue{}
	eng.SetQueue(queue)

	s := &stack{cfg: cfg, db: db, reg: reg, blobs: blobs, ws: ws, eng: eng, queue: queue, log: log}
	return s, func() { db.Close() }, nil
}
