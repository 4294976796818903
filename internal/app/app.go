// Package app wires the service components together: storage, broker,
// producers, result consumers, the worker, and the cleanup schedule.
package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/sheetmark/internal/artifacts"
	"github.com/ternarybob/sheetmark/internal/broker"
	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/consumers"
	"github.com/ternarybob/sheetmark/internal/indexer"
	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/producers"
	"github.com/ternarybob/sheetmark/internal/registry"
	"github.com/ternarybob/sheetmark/internal/repository"
	"github.com/ternarybob/sheetmark/internal/worker"
)

// App is the control-plane-plus-worker process: it owns the job store,
// submits and finalizes jobs, and runs the processing pipelines.
type App struct {
	Config   *common.Config
	Logger   arbor.ILogger
	Registry *registry.Registry

	Repo   interfaces.Repository
	Store  interfaces.ArtifactStore
	Broker interfaces.Broker

	Producer  *producers.Producer
	Consumers *consumers.Consumers
	Worker    *worker.Worker
	Cleaner   *artifacts.Cleaner
}

// New initializes the application in dependency order: storage first,
// then the broker topology, then everything that uses both.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	repo, err := repository.Open(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	store, err := artifacts.NewStore(cfg.Storage.ArtifactRoot, logger)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	reg := registry.New(&cfg.Broker)
	brk, err := broker.Connect(ctx, &cfg.Broker, reg.Bindings(), logger)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to connect broker: %w", err)
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Repo:     repo,
		Store:    store,
		Broker:   brk,

		Producer:  producers.New(brk, repo, reg, logger),
		Consumers: consumers.New(brk, repo, reg, logger),
		Worker:    worker.New(brk, store, repo, reg, &cfg.Marking, logger),
		Cleaner:   artifacts.NewCleaner(&cfg.Cleanup, store, repo.Files(), logger),
	}

	logger.Info().
		Str("badger_path", cfg.Storage.Badger.Path).
		Str("artifact_root", cfg.Storage.ArtifactRoot).
		Str("environment", cfg.Environment).
		Msg("Application initialized")
	return app, nil
}

// Run starts the consumer loops, the worker, and the cleanup schedule,
// and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Cleaner.Start(); err != nil {
		return fmt.Errorf("failed to start cleanup schedule: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Consumers.Run(gctx) })
	g.Go(func() error { return a.Worker.Run(gctx) })

	a.Logger.Info().Msg("Consumers and worker running")
	return g.Wait()
}

// Close releases broker and storage resources.
func (a *App) Close() error {
	a.Cleaner.Stop()

	if err := a.Broker.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close broker")
	}
	if err := a.Repo.Close(); err != nil {
		return fmt.Errorf("failed to close job store: %w", err)
	}
	a.Logger.Info().Msg("Application closed")
	return nil
}

// IndexerApp is the standalone index-recognizer process.
type IndexerApp struct {
	Config  *common.Config
	Logger  arbor.ILogger
	Broker  interfaces.Broker
	Service *indexer.Service
}

// NewIndexer initializes the index-recognizer service against the
// shared broker and artifact volume.
func NewIndexer(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*IndexerApp, error) {
	store, err := artifacts.NewStore(cfg.Storage.ArtifactRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	recognizer, err := indexer.NewHTTPRecognizer(&cfg.Indexer)
	if err != nil {
		return nil, err
	}

	reg := registry.New(&cfg.Broker)
	brk, err := broker.Connect(ctx, &cfg.Broker, reg.Bindings(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect broker: %w", err)
	}

	return &IndexerApp{
		Config:  cfg,
		Logger:  logger,
		Broker:  brk,
		Service: indexer.NewService(brk, store, recognizer, reg, &cfg.Indexer, logger),
	}, nil
}

// Run consumes index tasks until ctx is cancelled.
func (a *IndexerApp) Run(ctx context.Context) error {
	a.Logger.Info().Str("ocr_url", a.Config.Indexer.OCRServiceURL).Msg("Index recognizer running")
	return a.Service.Run(ctx)
}

// Close releases the broker connection.
func (a *IndexerApp) Close() error {
	return a.Broker.Close()
}
