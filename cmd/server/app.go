package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/fileflow/internal/config"
	"github.com/phrazzld/fileflow/internal/platform/gcs"
	"github.com/phrazzld/fileflow/internal/platform/localfs"
	"github.com/phrazzld/fileflow/internal/platform/memory"
	"github.com/phrazzld/fileflow/internal/platform/postgres"
	"github.com/phrazzld/fileflow/internal/service"
	"github.com/phrazzld/fileflow/internal/storage"
	"github.com/phrazzld/fileflow/internal/store"
	"github.com/phrazzld/fileflow/internal/task"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	// db is nil for the memory database backend.
	db *sql.DB

	fileStore store.FileStore
	jobStore  store.JobStore
	txRunner  store.TxRunner

	storage storage.Store
	// closers release backend clients on cleanup, in order.
	closers []func() error

	queue        task.Queue
	orchestrator *task.Orchestrator
	taskRunner   *task.TaskRunner

	fileService service.FileService
}

// newApplication creates a new application instance with all dependencies
// initialized. Nothing is started yet.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}

	if err := app.setupStores(ctx); err != nil {
		app.cleanup()
		return nil, err
	}
	if err := app.setupStorage(ctx); err != nil {
		app.cleanup()
		return nil, err
	}
	if err := app.setupPipeline(); err != nil {
		app.cleanup()
		return nil, err
	}

	var err error
	app.fileService, err = service.NewFileService(
		app.fileStore,
		app.jobStore,
		app.storage,
		app.orchestrator,
		logger,
	)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to create file service: %w", err)
	}

	logger.Info("application initialized successfully")
	return app, nil
}

func (app *application) setupStores(ctx context.Context) error {
	switch app.config.Database.Backend {
	case "postgres":
		db, err := setupAppDatabase(ctx, app.config.Database, app.logger)
		if err != nil {
			return err
		}
		app.db = db
		app.closers = append(app.closers, db.Close)
		app.fileStore = postgres.NewPostgresFileStore(db, app.logger)
		app.jobStore = postgres.NewPostgresJobStore(db, app.logger)
		app.txRunner = postgres.NewTxRunner(db, app.logger)

	case "memory":
		mem := memory.New()
		app.fileStore = mem.Files()
		app.jobStore = mem.Jobs()
		app.txRunner = mem
		app.logger.Warn("using in-memory record store; files and jobs are lost on restart")

	default:
		return fmt.Errorf("unsupported database backend %q", app.config.Database.Backend)
	}
	return nil
}

func (app *application) setupStorage(ctx context.Context) error {
	switch app.config.Storage.Backend {
	case "local":
		s, err := localfs.New(app.config.Storage.LocalDir)
		if err != nil {
			return fmt.Errorf("failed to set up local storage: %w", err)
		}
		app.storage = s
		app.logger.Info("local storage ready", slog.String("root", s.Root()))

	case "gcs":
		s, err := gcs.New(ctx, app.config.Storage.GCSBucket)
		if err != nil {
			return fmt.Errorf("failed to set up gcs storage: %w", err)
		}
		app.storage = s
		app.closers = append(app.closers, s.Close)
		app.logger.Info("gcs storage ready", slog.String("bucket", app.config.Storage.GCSBucket))

	default:
		return fmt.Errorf("unsupported storage backend %q", app.config.Storage.Backend)
	}
	return nil
}

func (app *application) setupPipeline() error {
	pc := app.config.Pipeline
	qc := app.config.Queue

	processor, err := task.NewFingerprintProcessor(pc.FingerprintAlgorithm)
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}

	runnerConfig := task.TaskRunnerConfig{
		WorkerCount:            pc.WorkerCount,
		StuckTaskAge:           pc.StuckJobAge,
		StuckTaskCheckInterval: pc.ReconcileInterval,
	}

	switch qc.Backend {
	case "postgres":
		if app.db == nil {
			return errors.New("postgres queue requires the postgres database backend")
		}
		app.queue = postgres.NewQueue(app.db, postgres.QueueConfig{
			PollInterval:  qc.PollInterval,
			LeaseDuration: qc.LeaseDuration,
		}, app.logger)
		// Other instances may be running attempts against the same ledger.
		runnerConfig.StartupSweepAge = pc.StuckJobAge

	case "memory":
		app.queue = task.NewTaskQueue(qc.Capacity, app.logger)
		// Requests die with the process, so everything unfinished is swept
		// and uploaded files are queued again.
		runnerConfig.RequeueUploadedOnStart = true

	default:
		return fmt.Errorf("unsupported queue backend %q", qc.Backend)
	}

	enqueue := task.EnqueueOptions{
		MaxAttempts: pc.MaxAttempts,
		Backoff: task.Backoff{
			Type: task.BackoffType(pc.BackoffType),
			Base: pc.BackoffBase,
			Max:  pc.BackoffMax,
		},
	}

	app.orchestrator, err = task.NewOrchestrator(task.OrchestratorDeps{
		Files:     app.fileStore,
		Jobs:      app.jobStore,
		Tx:        app.txRunner,
		Storage:   app.storage,
		Processor: processor,
		Queue:     app.queue,
	}, task.OrchestratorConfig{
		AttemptTimeout: pc.AttemptTimeout,
		Enqueue:        enqueue,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	reconciler, err := task.NewReconciler(
		app.fileStore,
		app.jobStore,
		app.txRunner,
		app.queue,
		enqueue,
		app.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create reconciler: %w", err)
	}

	app.taskRunner = task.NewTaskRunner(app.queue, app.orchestrator, reconciler, runnerConfig, app.logger)

	app.logger.Info("pipeline configured",
		slog.String("processor", processor.Type()),
		slog.String("algorithm", processor.Algorithm()),
		slog.Int("worker_count", pc.WorkerCount),
		slog.Int("max_attempts", pc.MaxAttempts),
		slog.String("backoff_type", pc.BackoffType),
		slog.Duration("backoff_base", pc.BackoffBase))
	return nil
}

// Run starts the workers and the HTTP server and blocks until ctx is
// cancelled or either of them fails.
func (app *application) Run(ctx context.Context) error {
	if err := app.taskRunner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task runner: %w", err)
	}

	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup stops background processing, then releases backend clients.
// It is safe to call on a partially initialized application.
func (app *application) cleanup() {
	if app.taskRunner != nil {
		app.taskRunner.Stop()
	}
	if app.queue != nil {
		app.queue.Close()
	}
	for _, closeFn := range app.closers {
		if err := closeFn(); err != nil {
			app.logger.Error("failed to release resource", slog.String("error", err.Error()))
		}
	}
	app.closers = nil
}
