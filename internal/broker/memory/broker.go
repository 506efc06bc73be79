// Package memory provides an in-memory implementation of the broker
// interfaces. This is useful for testing and development without external
// dependencies.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"backgrounder-go/internal/broker"
	"backgrounder-go/internal/envelope"
)

// Options configures a Broker.
type Options struct {
	// BufferSize determines how many ready messages can be queued before
	// Send blocks.
	BufferSize int

	// Concurrency is the maximum number of deliveries handled at once.
	Concurrency int

	// LockDuration is how long an unsettled delivery stays invisible before
	// it is redelivered.
	LockDuration time.Duration
}

// Broker is an in-memory implementation of broker.Broker. Ready messages are
// stored in a channel; delayed messages wait on timers.
// This implementation is safe for concurrent use.
type Broker struct {
	opts Options

	messages chan *envelope.Envelope
	done     chan struct{}

	mu          sync.Mutex
	closed      bool
	pending     map[string]*envelope.Envelope
	timers      map[*time.Timer]struct{}
	deadLetters []broker.DeadLetter

	sent      atomic.Int64
	scheduled atomic.Int64
	acked     atomic.Int64
}

var (
	_ broker.Broker           = (*Broker)(nil)
	_ broker.DeadLetterReader = (*Broker)(nil)
)

// NewBroker creates a new in-memory broker.
func NewBroker(opts Options) *Broker {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 5 * time.Minute
	}

	return &Broker{
		opts:     opts,
		messages: make(chan *envelope.Envelope, opts.BufferSize),
		done:     make(chan struct{}),
		pending:  make(map[string]*envelope.Envelope),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Send queues an envelope for immediate delivery.
// This method blocks if the queue is full until space is available
// or the context is canceled.
func (b *Broker) Send(ctx context.Context, env *envelope.Envelope) error {
	if b.isClosed() {
		return ErrQueueClosed
	}
	if err := b.push(ctx, broker.Stamp(env)); err != nil {
		return err
	}
	b.sent.Add(1)
	return nil
}

// ScheduleDelayed queues an envelope that is delivered at readyAt.
func (b *Broker) ScheduleDelayed(ctx context.Context, env *envelope.Envelope, readyAt time.Time) error {
	delay := time.Until(readyAt)
	if delay <= 0 {
		if b.isClosed() {
			return ErrQueueClosed
		}
		if err := b.push(ctx, broker.Stamp(env)); err != nil {
			return err
		}
		b.scheduled.Add(1)
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrQueueClosed
	}

	msg := broker.Stamp(env)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, timer)
		b.mu.Unlock()
		_ = b.push(context.Background(), msg)
	})
	b.timers[timer] = struct{}{}
	b.scheduled.Add(1)
	return nil
}

// Subscribe delivers messages to handler until ctx is canceled or the broker
// is closed. Up to Options.Concurrency deliveries run at once. It returns
// once every delivery it handed out has been handled.
func (b *Broker) Subscribe(ctx context.Context, handler broker.DeliveryHandler, onError broker.ErrorHandler) error {
	sem := make(chan struct{}, b.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case msg := <-b.messages:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Put the message back for the next subscriber
				b.requeue(msg)
				return ctx.Err()
			}

			d := b.lease(msg)
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				b.deliver(ctx, d, handler, onError)
			}()
		}
	}
}

func (b *Broker) deliver(ctx context.Context, d *broker.Delivery, handler broker.DeliveryHandler, onError broker.ErrorHandler) {
	if err := handler(ctx, d); err != nil && onError != nil {
		onError(ctx, fmt.Errorf("delivery %s: %w", d.Handle.ID(), err))
	}

	// Anything left unsettled becomes visible again once its lock expires
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[d.Handle.ID()]; !ok || b.closed {
		return
	}
	id := d.Handle.ID()
	var timer *time.Timer
	timer = time.AfterFunc(b.opts.LockDuration, func() {
		b.mu.Lock()
		delete(b.timers, timer)
		msg, ok := b.pending[id]
		delete(b.pending, id)
		b.mu.Unlock()
		if ok {
			_ = b.push(context.Background(), msg)
		}
	})
	b.timers[timer] = struct{}{}
}

// Acknowledge removes a delivered message.
func (b *Broker) Acknowledge(_ context.Context, h broker.Handle) error {
	if _, err := b.settle(h); err != nil {
		return err
	}
	b.acked.Add(1)
	return nil
}

// DeadLetter moves a delivered message to the dead-letter list.
func (b *Broker) DeadLetter(_ context.Context, h broker.Handle, env *envelope.Envelope, reason, description string) error {
	msg, err := b.settle(h)
	if err != nil {
		return err
	}
	if env == nil {
		env = msg
	}

	b.mu.Lock()
	b.deadLetters = append(b.deadLetters, broker.DeadLetter{
		Envelope:     env.Clone(),
		Reason:       reason,
		Description:  description,
		DeadLetterAt: time.Now().UTC(),
	})
	b.mu.Unlock()
	return nil
}

// DeadLetters returns up to limit dead letters, oldest first. A limit of
// zero or less returns all of them.
func (b *Broker) DeadLetters(_ context.Context, limit int) ([]broker.DeadLetter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.deadLetters)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]broker.DeadLetter, n)
	copy(out, b.deadLetters[:n])
	return out, nil
}

// Close shuts down the broker, stopping all subscribers and pending timers.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	close(b.done)
	for t := range b.timers {
		t.Stop()
	}
	clear(b.timers)
	return nil
}

// Len returns the current number of ready messages in the queue.
// Useful for testing to verify queue state.
func (b *Broker) Len() int {
	return len(b.messages)
}

// Pending returns the number of delivered but unsettled messages.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Sent returns the number of envelopes accepted by Send.
func (b *Broker) Sent() int64 { return b.sent.Load() }

// Scheduled returns the number of envelopes accepted by ScheduleDelayed.
func (b *Broker) Scheduled() int64 { return b.scheduled.Load() }

// Acked returns the number of acknowledged deliveries.
func (b *Broker) Acked() int64 { return b.acked.Load() }

func (b *Broker) push(ctx context.Context, msg *envelope.Envelope) error {
	select {
	case b.messages <- msg:
		return nil
	case <-b.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) requeue(msg *envelope.Envelope) {
	select {
	case b.messages <- msg:
	default:
		// Buffer is full; fall back to a blocking push off the caller's path
		go func() { _ = b.push(context.Background(), msg) }()
	}
}

func (b *Broker) lease(msg *envelope.Envelope) *broker.Delivery {
	id := uuid.NewString()

	b.mu.Lock()
	b.pending[id] = msg
	b.mu.Unlock()

	// Handlers get their own copy so they cannot mutate the stored message
	return &broker.Delivery{
		Envelope: msg.Clone(),
		Handle:   broker.StringHandle(id),
	}
}

func (b *Broker) settle(h broker.Handle) (*envelope.Envelope, error) {
	if h == nil {
		return nil, ErrUnknownDelivery
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.pending[h.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDelivery, h.ID())
	}
	delete(b.pending, h.ID())
	return msg, nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
