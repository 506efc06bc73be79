// Package kafka provides a Kafka implementation of the broker interfaces.
//
// Kafka has no native delayed delivery, so rescheduled messages are parked
// in a store.DelayStore and a relay writes them back to the topic once due.
// Dead letters go to the topic <topic>.dead-letter.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"backgrounder-go/internal/broker"
	"backgrounder-go/internal/config"
	"backgrounder-go/internal/envelope"
	"backgrounder-go/internal/metrics"
	"backgrounder-go/internal/store"
)

// Writer is the subset of *kafka.Writer used by the broker.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader used by the broker.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options configures a Broker.
type Options struct {
	// RelayInterval is how often due delayed messages are written back.
	RelayInterval time.Duration

	// RelayBatch caps the messages claimed per relay pass.
	RelayBatch int

	// RelayLease is how long claimed delayed messages stay hidden from other
	// relays while they are written to the topic.
	RelayLease time.Duration

	// RetryBackoff is the first pause after a failed fetch or an unsettled
	// delivery. It doubles on each consecutive failure up to MaxRetryBackoff.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps RetryBackoff.
	MaxRetryBackoff time.Duration
}

// ErrNoDelayStore is returned when a broker is built without a DelayStore.
var ErrNoDelayStore = errors.New("kafka broker requires a delay store")

// Broker implements broker.Broker using Kafka.
type Broker struct {
	writer     Writer
	deadWriter Writer
	reader     Reader
	delays     store.DelayStore
	opts       Options
	logger     *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// NewBroker creates a Kafka broker from configuration.
func NewBroker(cfg *config.KafkaConfig, delays store.DelayStore, opts Options, logger *slog.Logger) (*Broker, error) {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{}, // Use key-based partitioning
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Compression:  kafka.Lz4,
		}
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	return New(newWriter(cfg.Topic), newWriter(cfg.Topic+".dead-letter"), reader, delays, opts, logger)
}

// New creates a broker from existing clients. The broker owns them and closes
// them on Close.
func New(writer, deadWriter Writer, reader Reader, delays store.DelayStore, opts Options, logger *slog.Logger) (*Broker, error) {
	if delays == nil {
		return nil, ErrNoDelayStore
	}
	if opts.RelayInterval <= 0 {
		opts.RelayInterval = time.Second
	}
	if opts.RelayBatch <= 0 {
		opts.RelayBatch = 100
	}
	if opts.RelayLease <= 0 {
		opts.RelayLease = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.MaxRetryBackoff < opts.RetryBackoff {
		opts.MaxRetryBackoff = max(30*time.Second, opts.RetryBackoff)
	}
	return &Broker{
		writer:     writer,
		deadWriter: deadWriter,
		reader:     reader,
		delays:     delays,
		opts:       opts,
		logger:     logger,
	}, nil
}

// Send writes an envelope to the topic.
func (b *Broker) Send(ctx context.Context, env *envelope.Envelope) error {
	if err := b.writer.WriteMessages(ctx, toMessage(broker.Stamp(env))); err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

// ScheduleDelayed parks an envelope in the delay store until readyAt.
func (b *Broker) ScheduleDelayed(ctx context.Context, env *envelope.Envelope, readyAt time.Time) error {
	if err := b.delays.Schedule(ctx, broker.Stamp(env), readyAt); err != nil {
		return fmt.Errorf("failed to schedule message: %w", err)
	}
	return nil
}

// Subscribe fetches messages one at a time and runs the delay relay
// alongside. Offsets are committed in order, so deliveries are sequential
// and a record the handler fails to settle is retried before the next one
// is fetched.
func (b *Broker) Subscribe(ctx context.Context, handler broker.DeliveryHandler, onError broker.ErrorHandler) error {
	if onError == nil {
		onError = func(context.Context, error) {}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// The relay has nothing to feed once the reader is gone
		defer cancel()
		return b.fetchLoop(gctx, handler, onError)
	})
	g.Go(func() error { return b.relayLoop(gctx, onError) })

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (b *Broker) fetchLoop(ctx context.Context, handler broker.DeliveryHandler, onError broker.ErrorHandler) error {
	b.logger.Info("starting kafka consumer")

	pause := b.opts.RetryBackoff
	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("kafka consumer stopping due to context cancellation")
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				// Reader closed
				return nil
			}
			onError(ctx, fmt.Errorf("failed to fetch message: %w", err))
			if !sleep(ctx, pause) {
				return ctx.Err()
			}
			pause = b.nextPause(pause)
			continue
		}
		pause = b.opts.RetryBackoff

		if err := b.settle(ctx, msg, handler, onError); err != nil {
			return err
		}
	}
}

// settle runs one record until it is settled. Committing a later offset
// would also commit this one, so the partition does not advance past a
// record whose delivery failed; it is retried in place with backoff.
func (b *Broker) settle(ctx context.Context, msg kafka.Message, handler broker.DeliveryHandler, onError broker.ErrorHandler) error {
	h := handle{msg: msg}
	attempt := func() error {
		env, err := fromMessage(msg)
		if err != nil {
			onError(ctx, err)
			partial := &envelope.Envelope{Payload: msg.Value, Attributes: envelope.Attributes{}}
			return b.DeadLetter(ctx, h, partial, "malformed message", err.Error())
		}
		return handler(ctx, &broker.Delivery{Envelope: env, Handle: h})
	}

	pause := b.opts.RetryBackoff
	for {
		err := attempt()
		if err == nil {
			return nil
		}
		onError(ctx, fmt.Errorf("partition %d offset %d: %w", msg.Partition, msg.Offset, err))
		if !sleep(ctx, pause) {
			// Uncommitted; the group resumes from here after a restart
			return ctx.Err()
		}
		pause = b.nextPause(pause)
	}
}

func (b *Broker) nextPause(d time.Duration) time.Duration {
	return min(2*d, b.opts.MaxRetryBackoff)
}

func (b *Broker) relayLoop(ctx context.Context, onError broker.ErrorHandler) error {
	ticker := time.NewTicker(b.opts.RelayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.RelayDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				onError(ctx, err)
			}
		}
	}
}

// RelayDue writes delayed messages due at or before now back to the topic
// and returns how many were written. Messages leave the delay store only
// after the write succeeds.
func (b *Broker) RelayDue(ctx context.Context, now time.Time) (int, error) {
	claims, err := b.delays.ClaimDue(ctx, now, b.opts.RelayBatch, b.opts.RelayLease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim delayed messages: %w", err)
	}
	if len(claims) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, len(claims))
	ids := make([]string, len(claims))
	for i, c := range claims {
		msgs[i] = toMessage(c.Envelope)
		ids[i] = c.ID
	}
	if err := b.writer.WriteMessages(ctx, msgs...); err != nil {
		if rErr := b.delays.Release(context.WithoutCancel(ctx), ids...); rErr != nil {
			// The lease still runs out on its own
			b.logger.Error("failed to release delayed messages", "count", len(ids), "error", rErr)
		}
		return 0, fmt.Errorf("failed to relay delayed messages: %w", err)
	}

	metrics.RelayedTotal.WithLabelValues("kafka").Add(float64(len(claims)))
	if err := b.delays.Complete(context.WithoutCancel(ctx), ids...); err != nil {
		// Relayed again once the lease expires
		return len(claims), fmt.Errorf("failed to complete delayed messages: %w", err)
	}
	return len(claims), nil
}

// Acknowledge commits the delivery's offset.
func (b *Broker) Acknowledge(ctx context.Context, h broker.Handle) error {
	kh, ok := h.(handle)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", h)
	}
	if err := b.reader.CommitMessages(ctx, kh.msg); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// DeadLetter writes env to the dead-letter topic and commits the delivery.
func (b *Broker) DeadLetter(ctx context.Context, h broker.Handle, env *envelope.Envelope, reason, description string) error {
	kh, ok := h.(handle)
	if !ok {
		return fmt.Errorf("unexpected handle type %T", h)
	}
	if err := b.deadWriter.WriteMessages(ctx, toDeadLetterMessage(env, reason, description, time.Now())); err != nil {
		return fmt.Errorf("failed to write dead letter: %w", err)
	}
	if err := b.reader.CommitMessages(ctx, kh.msg); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// Close closes the reader and both writers.
func (b *Broker) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{b.reader, b.writer, b.deadWriter} {
		if c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
