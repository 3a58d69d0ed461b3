package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"campaign-pipeline/internal/artifacts"
	"campaign-pipeline/internal/config"
	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/logging"
	"campaign-pipeline/internal/orchestrator"
	"campaign-pipeline/internal/remote"
	"campaign-pipeline/internal/session"
	"campaign-pipeline/internal/tracker"
)

// App is the wired pipeline shared by the control server and the CLI.
type App struct {
	Cfg      config.Config
	Logger   *zap.Logger
	Store    session.Store
	Service  *remote.Client
	Bus      *events.Bus
	Pipeline *orchestrator.Orchestrator
	Archiver *artifacts.Archiver

	cancel context.CancelFunc
}

// Build connects storage, the remote client, the event bus and the
// orchestrator. The campaign is not loaded; call Pipeline.Resume for that.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := session.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	client := remote.NewClient(cfg.RemoteBaseURL, cfg.RequestTimeout)
	bus := events.NewBus(logging.Module(logger, "events"))

	pipeline, err := orchestrator.New(orchestrator.Deps{
		Store:   store,
		Service: client,
		Bus:     bus,
		Logger:  logger,
	}, orchestrator.Options{
		VariationsPerIdea: cfg.VariationsPerIdea,
		Tracker: tracker.Options{
			PollInterval:   cfg.PollInterval,
			BackoffMax:     cfg.PollBackoffMax,
			Concurrency:    cfg.PollConcurrency,
			StallWarnAfter: cfg.StallWarnAfter,
			Logger:         logger,
		},
		SaveTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a := &App{
		Cfg:      cfg,
		Logger:   logger,
		Store:    store,
		Service:  client,
		Bus:      bus,
		Pipeline: pipeline,
		cancel:   cancel,
	}

	if cfg.ArtifactsEnabled {
		archiver, err := artifacts.New(ctx, cfg, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init artifacts: %w", err)
		}
		if err := archiver.Start(runCtx, bus); err != nil {
			a.Close()
			return nil, fmt.Errorf("start artifacts: %w", err)
		}
		a.Archiver = archiver
	}
	return a, nil
}

// Close stops tracking and background work, then releases connections.
func (a *App) Close() {
	a.Pipeline.Close()
	a.cancel()
	if a.Archiver != nil {
		a.Archiver.Wait()
	}
	if err := a.Bus.Close(); err != nil {
		a.Logger.Warn("close bus", zap.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("close session store", zap.Error(err))
	}
	_ = a.Logger.Sync()
}
