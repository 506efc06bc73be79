// Package main is the entry point for the backgrounder worker.
// It wires the broker, operation registry and dispatch loop, serves the admin
// API and drains in-flight operations on shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"backgrounder-go/internal/api"
	"backgrounder-go/internal/app"
	"backgrounder-go/internal/banner"
	"backgrounder-go/internal/codec"
	"backgrounder-go/internal/config"
	"backgrounder-go/internal/dispatch"
	"backgrounder-go/internal/enqueue"
	"backgrounder-go/internal/registry"
	"backgrounder-go/internal/sample"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger until the configured one is available
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	logger = app.NewLogger(&cfg.Logger, os.Stdout)
	logger.Info("configuration loaded",
		"path", *configPath,
		"broker", cfg.Backgrounder.Broker,
		"queue", cfg.Backgrounder.QueueName,
	)

	banner.Print(os.Stdout, cfg.Backgrounder.QueueName, string(cfg.Backgrounder.Broker))

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, cleanup, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := run(ctx, cfg, deps, logger); err != nil {
		logger.Error("backgrounder stopped with error", "error", err)
		cleanup()
		os.Exit(1)
	}

	logger.Info("backgrounder stopped")
}

// run starts the dispatch loop and the admin API and blocks until ctx is
// canceled or one of them fails, then shuts both down.
func run(ctx context.Context, cfg *config.Config, deps *dependencies, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.dispatcher.Start(gctx)
	})

	if deps.server != nil {
		g.Go(func() error {
			return deps.server.Start()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Backgrounder.ShutdownTimeout)
		defer shutdownCancel()

		var errs []error
		if err := deps.dispatcher.Stop(shutdownCtx, cfg.Backgrounder.ShutdownTimeout); err != nil {
			logger.Error("dispatch drain error", "error", err, "inFlight", deps.dispatcher.InFlight())
			errs = append(errs, err)
		}
		if deps.server != nil {
			if err := deps.server.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", "error", err)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	logger.Info("backgrounder started",
		"queue", cfg.Backgrounder.QueueName,
		"broker", cfg.Backgrounder.Broker,
		"concurrency", cfg.Backgrounder.Concurrency,
		"api", cfg.ServerEnabled(),
	)

	return g.Wait()
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	dispatcher *dispatch.Service
	server     *api.Server
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and a cleanup function.
func initDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var cleanupFuncs []func()
	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
		cleanupFuncs = nil
	}
	fail := func(err error) (*dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	shutdownTracing, err := app.InitTracing(ctx, &cfg.Tracing, logger)
	if err != nil {
		return fail(err)
	}
	cleanupFuncs = append(cleanupFuncs, func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracer shutdown error", "error", err)
		}
	})

	b, err := app.NewBroker(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	cleanupFuncs = append(cleanupFuncs, func() { _ = b.Close() })

	c, err := codec.ByName(cfg.Backgrounder.Codec)
	if err != nil {
		return fail(err)
	}
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return fail(err)
	}

	// Operations and the services they resolve
	reg := registry.New()
	if err := sample.Register(reg, c); err != nil {
		return fail(err)
	}
	services := registry.NewServices()
	sample.Provide(services, logger, &sample.Journal{})

	logger.Info("operations registered", "count", reg.Len())

	dispatcher := dispatch.NewService(b, reg, services, policy, logger,
		dispatch.WithPollInterval(cfg.Backgrounder.DrainPollInterval),
	)

	deps := &dependencies{dispatcher: dispatcher}

	if cfg.ServerEnabled() {
		enqueuer := enqueue.NewEnqueuer(b, c, logger)

		serverDeps := api.ServerDeps{
			Config:           &cfg.Server,
			Logger:           logger,
			OperationHandler: api.NewOperationHandler(reg, enqueuer, logger),
			StatsHandler: api.NewStatsHandler(dispatcher,
				cfg.Backgrounder.QueueName, string(cfg.Backgrounder.Broker)),
		}
		if reader, ok := b.DeadLetterReader(); ok {
			serverDeps.DeadLetterHandler = api.NewDeadLetterHandler(reader, logger)
		}
		deps.server = api.NewServer(serverDeps)
	}

	return deps, cleanup, nil
}
