// Package redis provides a Redis Streams implementation of the broker
// interfaces.
//
// Ready messages are entries of the stream <queue>, consumed through the
// consumer group <queue>-workers. Delayed messages wait in the sorted set
// <queue>:scheduled, scored by their ready time in milliseconds, until a
// relay moves them onto the stream. Dead letters are appended to the stream
// <queue>:dead-letter.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"backgrounder-go/internal/broker"
	"backgrounder-go/internal/config"
	"backgrounder-go/internal/envelope"
	"backgrounder-go/internal/metrics"
)

// Options configures a Broker.
type Options struct {
	// QueueName is the stream name and the prefix of every other key.
	QueueName string

	// Concurrency is the number of consumer goroutines.
	Concurrency int

	// LockDuration is how long a delivered entry may stay unacknowledged
	// before another consumer claims it.
	LockDuration time.Duration

	// RelayInterval is how often due scheduled messages are moved to the stream.
	RelayInterval time.Duration

	// BlockTimeout bounds each XREADGROUP call.
	BlockTimeout time.Duration

	// Consumer names this process within the consumer group.
	Consumer string
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 5 * time.Minute
	}
	if o.RelayInterval <= 0 {
		o.RelayInterval = time.Second
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 5 * time.Second
	}
	if o.Consumer == "" {
		o.Consumer = "consumer-" + uuid.NewString()[:8]
	}
}

const relayBatch = 100

// Broker implements broker.Broker using Redis Streams.
type Broker struct {
	client redis.UniversalClient
	opts   Options
	logger *slog.Logger

	stream       string
	group        string
	scheduledKey string
	deadKey      string
}

var (
	_ broker.Broker           = (*Broker)(nil)
	_ broker.DeadLetterReader = (*Broker)(nil)
)

// NewBroker connects to Redis and ensures the consumer group exists.
func NewBroker(cfg *config.RedisConfig, opts Options, logger *slog.Logger) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		// Canceling a subscription interrupts blocked XREADGROUP calls
		ContextTimeoutEnabled: true,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b, err := NewBrokerWithClient(ctx, client, opts, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return b, nil
}

// NewBrokerWithClient creates a broker on an existing client. The broker
// owns the client and closes it on Close.
func NewBrokerWithClient(ctx context.Context, client redis.UniversalClient, opts Options, logger *slog.Logger) (*Broker, error) {
	opts.applyDefaults()
	if opts.QueueName == "" {
		return nil, errors.New("queue name must not be empty")
	}

	b := &Broker{
		client:       client,
		opts:         opts,
		logger:       logger,
		stream:       opts.QueueName,
		group:        opts.QueueName + "-workers",
		scheduledKey: opts.QueueName + ":scheduled",
		deadKey:      opts.QueueName + ":dead-letter",
	}

	err := client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return b, nil
}

// Send appends an envelope to the stream.
func (b *Broker) Send(ctx context.Context, env *envelope.Envelope) error {
	start := time.Now()
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: toValues(broker.Stamp(env)),
	}).Err()
	metrics.StorageOperationLatency.WithLabelValues("redis", "xadd").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to add message to stream: %w", err)
	}
	return nil
}

// ScheduleDelayed stores an envelope in the scheduled set until readyAt.
func (b *Broker) ScheduleDelayed(ctx context.Context, env *envelope.Envelope, readyAt time.Time) error {
	member, err := encodeMember(broker.Stamp(env))
	if err != nil {
		return err
	}
	if err := b.client.ZAdd(ctx, b.scheduledKey, redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("failed to schedule message: %w", err)
	}
	return nil
}

// Subscribe runs the consumer goroutines, the scheduled-message relay and
// the stale-entry claimer until ctx is canceled or one of them fails.
func (b *Broker) Subscribe(ctx context.Context, handler broker.DeliveryHandler, onError broker.ErrorHandler) error {
	if onError == nil {
		onError = func(context.Context, error) {}
	}

	b.logger.Info("starting redis consumer",
		"stream", b.stream,
		"group", b.group,
		"consumer", b.opts.Consumer,
		"concurrency", b.opts.Concurrency,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.opts.Concurrency; i++ {
		g.Go(func() error { return b.consume(gctx, handler, onError) })
	}
	g.Go(func() error { return b.relayLoop(gctx, onError) })
	g.Go(func() error { return b.claimLoop(gctx, handler, onError) })

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (b *Broker) consume(ctx context.Context, handler broker.DeliveryHandler, onError broker.ErrorHandler) error {
	for {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.opts.Consumer,
			Streams:  []string{b.stream, ">"},
			Block:    b.opts.BlockTimeout,
			Count:    1,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			onError(ctx, fmt.Errorf("failed to read from stream: %w", err))
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				b.deliver(ctx, msg, handler, onError)
			}
		}
	}
}

func (b *Broker) deliver(ctx context.Context, msg redis.XMessage, handler broker.DeliveryHandler, onError broker.ErrorHandler) {
	h := broker.StringHandle(msg.ID)

	env, err := fromValues(msg.Values)
	if err != nil {
		onError(ctx, fmt.Errorf("entry %s: %w", msg.ID, err))
		// Park it where an operator can see it instead of redelivering forever
		partial := &envelope.Envelope{Attributes: envelope.Attributes{}}
		if dlErr := b.DeadLetter(ctx, h, partial, "malformed entry", err.Error()); dlErr != nil {
			onError(ctx, dlErr)
		}
		return
	}

	if err := handler(ctx, &broker.Delivery{Envelope: env, Handle: h}); err != nil {
		// Left pending; claimLoop hands it out again after LockDuration
		onError(ctx, fmt.Errorf("entry %s: %w", msg.ID, err))
	}
}

// relayLoop moves due scheduled messages onto the stream.
func (b *Broker) relayLoop(ctx context.Context, onError broker.ErrorHandler) error {
	ticker := time.NewTicker(b.opts.RelayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := b.RelayDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				onError(ctx, err)
			}
		}
	}
}

// relayScript moves due members of the scheduled set (KEYS[1]) onto the
// stream (KEYS[2]) in one atomic step. Members that do not unpack into
// field/value pairs go to the dead-letter stream (KEYS[3]).
var relayScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	local ok, fields = pcall(cmsgpack.unpack, member)
	if ok and type(fields) == 'table' and #fields > 0 and #fields % 2 == 0 then
		redis.call('XADD', KEYS[2], '*', unpack(fields))
	else
		redis.call('XADD', KEYS[3], '*', 'signature', '', 'payload', member,
			'reason', 'malformed entry', 'description', 'undecodable scheduled message')
	end
	redis.call('ZREM', KEYS[1], member)
end
return #due
`)

// RelayDue moves scheduled messages whose ready time is at or before now onto
// the stream and returns how many were moved. Each member is removed from
// the set in the same script that appends it to the stream, so concurrent
// relays never duplicate a message and a crash never drops one.
func (b *Broker) RelayDue(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	n, err := relayScript.Run(ctx, b.client,
		[]string{b.scheduledKey, b.stream, b.deadKey},
		now.UnixMilli(), relayBatch,
	).Int()
	metrics.StorageOperationLatency.WithLabelValues("redis", "relay").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to relay scheduled messages: %w", err)
	}
	if n > 0 {
		metrics.RelayedTotal.WithLabelValues("redis").Add(float64(n))
	}
	return n, nil
}

// claimLoop redelivers entries left unacknowledged longer than LockDuration,
// for example by a consumer that crashed mid-delivery.
func (b *Broker) claimLoop(ctx context.Context, handler broker.DeliveryHandler, onError broker.ErrorHandler) error {
	interval := b.opts.LockDuration / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   b.stream,
				Group:    b.group,
				Consumer: b.opts.Consumer,
				MinIdle:  b.opts.LockDuration,
				Start:    start,
				Count:    10,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				onError(ctx, fmt.Errorf("failed to claim stale entries: %w", err))
				break
			}
			for _, msg := range msgs {
				b.deliver(ctx, msg, handler, onError)
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

// Acknowledge acknowledges and deletes a stream entry.
func (b *Broker) Acknowledge(ctx context.Context, h broker.Handle) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, b.stream, b.group, h.ID())
		pipe.XDel(ctx, b.stream, h.ID())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge entry %s: %w", h.ID(), err)
	}
	return nil
}

// DeadLetter appends env to the dead-letter stream and removes the entry.
func (b *Broker) DeadLetter(ctx context.Context, h broker.Handle, env *envelope.Envelope, reason, description string) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.deadKey,
			Values: deadLetterValues(env, reason, description, time.Now()),
		})
		pipe.XAck(ctx, b.stream, b.group, h.ID())
		pipe.XDel(ctx, b.stream, h.ID())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter entry %s: %w", h.ID(), err)
	}
	return nil
}

// DeadLetters returns up to limit dead letters, oldest first.
func (b *Broker) DeadLetters(ctx context.Context, limit int) ([]broker.DeadLetter, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = b.client.XRangeN(ctx, b.deadKey, "-", "+", int64(limit)).Result()
	} else {
		msgs, err = b.client.XRange(ctx, b.deadKey, "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}

	out := make([]broker.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		dl, err := deadLetterFromValues(msg.Values)
		if err != nil {
			b.logger.Warn("skipping malformed dead letter", "id", msg.ID, "error", err)
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Close closes the Redis client.
func (b *Broker) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
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
