package app

import (
	"context"
	"fmt"
	"log/slog"

	"backgrounder-go/internal/broker"
	kafkabroker "backgrounder-go/internal/broker/kafka"
	memorybroker "backgrounder-go/internal/broker/memory"
	redisbroker "backgrounder-go/internal/broker/redis"
	"backgrounder-go/internal/config"
	"backgrounder-go/internal/store"
	memorystore "backgrounder-go/internal/store/memory"
	postgresstore "backgrounder-go/internal/store/postgres"
)

// Broker is a constructed broker together with the cleanup of everything
// opened for it. Cleanup runs in reverse order of creation.
type Broker struct {
	broker.Broker
	cleanupFuncs []func()
}

// Close releases the broker and its backing resources.
func (b *Broker) Close() error {
	for i := len(b.cleanupFuncs) - 1; i >= 0; i-- {
		b.cleanupFuncs[i]()
	}
	b.cleanupFuncs = nil
	return nil
}

// DeadLetterReader returns the broker's dead-letter listing, if it has one.
func (b *Broker) DeadLetterReader() (broker.DeadLetterReader, bool) {
	r, ok := b.Broker.(broker.DeadLetterReader)
	return r, ok
}

// NewBroker creates the broker selected by backgrounder.broker.
func NewBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	bg := cfg.Backgrounder
	out := &Broker{}

	switch bg.Broker {
	case config.BrokerMemory:
		logger.Info("initializing in-memory broker")
		b := memorybroker.NewBroker(memorybroker.Options{
			BufferSize:   bg.BufferSize,
			Concurrency:  bg.Concurrency,
			LockDuration: bg.LockDuration,
		})
		out.Broker = b
		out.cleanupFuncs = append(out.cleanupFuncs, func() { _ = b.Close() })

	case config.BrokerRedis:
		logger.Info("initializing redis broker", "address", cfg.Redis.RedisAddr())
		b, err := redisbroker.NewBroker(&cfg.Redis, redisbroker.Options{
			QueueName:     bg.QueueName,
			Concurrency:   bg.Concurrency,
			LockDuration:  bg.LockDuration,
			RelayInterval: bg.RelayInterval,
		}, logger)
		if err != nil {
			return nil, err
		}
		out.Broker = b
		out.cleanupFuncs = append(out.cleanupFuncs, func() { _ = b.Close() })

	case config.BrokerKafka:
		delays, err := out.newDelayStore(ctx, cfg, logger)
		if err != nil {
			_ = out.Close()
			return nil, err
		}

		logger.Info("initializing kafka broker",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
			"group", cfg.Kafka.ConsumerGroup,
		)
		b, err := kafkabroker.NewBroker(&cfg.Kafka, delays, kafkabroker.Options{
			RelayInterval: bg.RelayInterval,
		}, logger)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		out.Broker = b
		out.cleanupFuncs = append(out.cleanupFuncs, func() { _ = b.Close() })

	default:
		return nil, fmt.Errorf("unknown broker %q", bg.Broker)
	}

	return out, nil
}

func (b *Broker) newDelayStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.DelayStore, error) {
	if cfg.Kafka.DelayStore == config.DelayStoreMemory {
		logger.Warn("using in-memory delay store; rescheduled messages are lost on restart")
		return memorystore.NewDelayStore(), nil
	}

	db, err := postgresstore.NewDB(ctx, &cfg.Postgres)
	if err != nil {
		return nil, err
	}
	b.cleanupFuncs = append(b.cleanupFuncs, db.Close)

	if err := db.RunMigrations(ctx); err != nil {
		return nil, err
	}
	logger.Info("database migrations completed")

	return postgresstore.NewDelayStore(db), nil
}
