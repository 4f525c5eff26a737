package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/weftlab/weft/internal/action"
	corecfg "github.com/weftlab/weft/internal/core/config"
	"github.com/weftlab/weft/internal/core/storage/postgres"
	"github.com/weftlab/weft/internal/deadletter"
	"github.com/weftlab/weft/internal/engine"
	"github.com/weftlab/weft/internal/identity"
	"github.com/weftlab/weft/internal/ingest"
	"github.com/weftlab/weft/internal/migrations"
	"github.com/weftlab/weft/internal/query"
	"github.com/weftlab/weft/internal/server"
	"github.com/weftlab/weft/internal/telemetry"
	"github.com/weftlab/weft/internal/workflow"
)

func main() {
	configPath := flag.String("config", "weft.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	durations, err := cfg.ParseDurations()
	if err != nil {
		slog.Error("Invalid duration in config", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Storage (PostgreSQL)
	eventsAdapter, err := postgres.NewEventsAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer eventsAdapter.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(eventsAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	identityStore := postgres.NewIdentityAdapter(eventsAdapter.DB())
	queueStore := postgres.NewQueueAdapter(eventsAdapter.DB())
	letterStore := postgres.NewDeadLetterAdapter(eventsAdapter.DB())
	telemetryStore := postgres.NewTelemetryAdapter(eventsAdapter.DB())

	// 3. Initialize Identity Resolution
	resolver := identity.NewResolver(identityStore)

	// 4. Initialize Actions
	// External collaborators (agent backend, transcriber, outbound sender)
	// are wired per deployment; unwired actions fail permanently when a
	// workflow names them.
	registry, err := action.NewRegistry(
		&action.RouteAgentAction{},
		&action.TranscribeAction{},
		&action.ForwardAction{},
		&action.NotifyAction{Notifier: action.SlogNotifier{}},
		&action.PersistAction{},
	)
	if err != nil {
		slog.Error("Failed to build action registry", "error", err)
		os.Exit(1)
	}
	executor := action.NewExecutor(registry, durations.StepTimeout)

	// 5. Load Workflow Configuration
	workflows, err := workflow.NewStore(cfg.Workflow.ConfigDir, registry.Names())
	if err != nil {
		slog.Error("Failed to load workflow config", "dir", cfg.Workflow.ConfigDir, "error", err)
		os.Exit(1)
	}
	evaluator := workflow.NewEvaluator()

	// 6. Initialize Dead Letters and Telemetry
	letters := deadletter.NewHandler(letterStore, queueStore, eventsAdapter)
	emitter := telemetry.NewEmitter(telemetryStore, cfg.Telemetry.BufferSize)

	// 7. Initialize Worker Pool and Reconciler
	pool := engine.NewPool(
		queueStore,
		eventsAdapter,
		resolver,
		workflows,
		evaluator,
		executor,
		letters,
		emitter,
		engine.PoolConfig{
			WorkerCount:  cfg.Queue.WorkerCount,
			MaxAttempts:  cfg.Queue.MaxAttempts,
			Lease:        durations.LeaseDuration,
			PollInterval: durations.PollInterval,
			Backoff: engine.Backoff{
				Base: durations.BaseDelay,
				Max:  durations.MaxDelay,
			},
		},
	)
	reconciler := engine.NewReconciler(eventsAdapter, queueStore, durations.SweepInterval, durations.StaleThreshold)

	// 8. Initialize HTTP Services
	ingestSvc := ingest.NewService(resolver, eventsAdapter, queueStore, letters, cfg.Server.MaxBodySizeMB)
	querySvc := query.NewService(eventsAdapter, letters)

	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), eventsAdapter.DB(), cfg.Server.Mode)
	ingestSvc.RegisterRoutes(srv.Engine)
	querySvc.RegisterRoutes(srv.Engine)

	// 9. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := emitter.Run(ctx); err != nil {
			slog.Error("Telemetry emitter stopped with error", "error", err)
		}
	}()
	go func() {
		if err := pool.Run(ctx); err != nil {
			slog.Error("Worker pool stopped with error", "error", err)
		}
	}()
	if cfg.Reconciler.Enabled {
		go func() {
			if err := reconciler.Run(ctx); err != nil {
				slog.Error("Reconciler stopped with error", "error", err)
			}
		}()
	} else {
		slog.Info("Reconciler disabled by config")
	}

	// SIGHUP reloads workflow configuration in place.
	go func() {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		for range hup {
			if err := workflows.Reload(); err != nil {
				slog.Error("Workflow config reload failed", "error", err)
				continue
			}
			slog.Info("Workflow config reloaded", "dir", cfg.Workflow.ConfigDir)
		}
	}()

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
