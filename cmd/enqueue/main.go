// Package main is a small producer that enqueues one of the sample
// operations onto the configured broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backgrounder-go/internal/app"
	"backgrounder-go/internal/codec"
	"backgrounder-go/internal/config"
	"backgrounder-go/internal/enqueue"
	"backgrounder-go/internal/sample"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	op := flag.String("op", "do-work", "operation: do-work, do-work-named, work-error, complete-work, check-person, static-work, run-schedule")
	id := flag.Int("id", 1, "job id passed to the operation")
	name := flag.String("name", "", "name for do-work-named and check-person")
	email := flag.String("email", "", "email for check-person")
	count := flag.Int("count", 1, "number of operations to enqueue")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	logger = app.NewLogger(&cfg.Logger, os.Stderr)

	if cfg.Backgrounder.Broker == config.BrokerMemory {
		logger.Error("the memory broker is process local; configure redis or kafka to enqueue from another process")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, *op, *id, *name, *email, *count); err != nil {
		logger.Error("enqueue failed", "error", err, "op", *op)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, op string, id int, name, email string, count int) error {
	shutdownTracing, err := app.InitTracing(ctx, &cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracing(flushCtx)
	}()

	b, err := app.NewBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	c, err := codec.ByName(cfg.Backgrounder.Codec)
	if err != nil {
		return err
	}
	e := enqueue.NewEnqueuer(b, c, logger)

	send, err := operation(op, id, name, email)
	if err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		if err := send(ctx, e); err != nil {
			return err
		}
	}

	logger.Info("operations enqueued", "op", op, "count", count, "queue", cfg.Backgrounder.QueueName)
	return nil
}

// operation maps a command-line operation name to its enqueue call.
func operation(op string, id int, name, email string) (func(context.Context, sample.Enqueuer) error, error) {
	switch op {
	case "do-work":
		return func(ctx context.Context, e sample.Enqueuer) error {
			return sample.EnqueueDoWork(ctx, e, &id)
		}, nil
	case "do-work-named":
		return func(ctx context.Context, e sample.Enqueuer) error {
			var n *string
			if name != "" {
				n = &name
			}
			return sample.EnqueueDoWorkNamed(ctx, e, id, n)
		}, nil
	case "work-error":
		return func(ctx context.Context, e sample.Enqueuer) error {
			return sample.EnqueueWorkError(ctx, e, &id)
		}, nil
	case "complete-work":
		return func(ctx context.Context, e sample.Enqueuer) error {
			return sample.EnqueueCompleteWork(ctx, e, id)
		}, nil
	case "check-person":
		return func(ctx context.Context, e sample.Enqueuer) error {
			return sample.EnqueueCheckPerson(ctx, e, sample.Person{Name: name, Email: email})
		}, nil
	case "static-work":
		return func(ctx context.Context, e sample.Enqueuer) error {
			return sample.EnqueueStaticWork(ctx, e, id)
		}, nil
	case "run-schedule":
		return sample.RunScheduler, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}
