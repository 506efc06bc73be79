// Package dispatch consumes operation envelopes from a broker, invokes the
// registered handler for each one and settles the delivery: acknowledge on
// success, reschedule with backoff on failure, dead-letter when the handler
// is unknown or the retry budget is spent.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"backgrounder-go/internal/backoff"
	"backgrounder-go/internal/broker"
	"backgrounder-go/internal/metrics"
	"backgrounder-go/internal/registry"
)

const (
	tracerName = "backgrounder-go/internal/dispatch"

	// DefaultPollInterval is how often Stop checks for in-flight operations.
	DefaultPollInterval = 500 * time.Millisecond

	descriptionMaxRetry = "The maximum message retry has been reached"
)

// Service runs the dispatch loop.
type Service struct {
	broker   broker.Broker
	registry *registry.Registry
	resolver registry.Resolver
	policy   backoff.Policy
	logger   *slog.Logger

	tracer       trace.Tracer
	random       func() float64
	now          func() time.Time
	pollInterval time.Duration

	inFlight atomic.Int64

	mu         sync.Mutex
	started    bool
	stopping   bool
	cancel     context.CancelFunc
	subscribed chan struct{} // closed when Subscribe returns
}

// Option configures a Service.
type Option func(*Service)

// WithRandom sets the random source used for jitter. It must return values
// in [0, 1) and be safe for concurrent use.
func WithRandom(random func() float64) Option {
	return func(s *Service) { s.random = random }
}

// WithPollInterval sets how often Stop checks for in-flight operations.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithTracer sets the tracer used for delivery spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithClock overrides the clock used to compute redelivery times.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new dispatch service. resolver supplies the services
// operation handlers depend on and may be nil if no handler needs any.
func NewService(
	b broker.Broker,
	reg *registry.Registry,
	resolver registry.Resolver,
	policy backoff.Policy,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		broker:       b,
		registry:     reg,
		resolver:     resolver,
		policy:       policy,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		random:       rand.Float64,
		now:          time.Now,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the broker and dispatches deliveries until ctx is
// canceled, Stop is called, or the subscription fails.
// This is a blocking call.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	subscribed := make(chan struct{})
	s.subscribed = subscribed
	s.mu.Unlock()
	defer cancel()
	defer close(subscribed)

	s.logger.Info("starting dispatch service",
		"operations", s.registry.Len(),
		"retryKind", s.policy.Kind,
		"maxAttempts", s.policy.MaxAttempts,
	)

	err := s.broker.Subscribe(subCtx, s.HandleDelivery, s.onTransportError)
	if subCtx.Err() != nil {
		// Stopped on purpose
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscription failed: %w", err)
	}
	return nil
}

// Stop cancels the subscription and waits for in-flight operations to
// finish. It returns nil once the subscription has ended and nothing is in
// flight, ErrDrainTimeout when timeout elapses first, or ctx.Err() if ctx is
// done first. Running handlers are never canceled.
func (s *Service) Stop(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	s.stopping = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if s.drained() {
		s.logger.Info("dispatch service stopped")
		return nil
	}

	s.logger.Info("waiting for in-flight operations",
		"inFlight", s.InFlight(),
		"timeout", timeout,
	)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.drained() {
				s.logger.Info("dispatch service stopped")
				return nil
			}
		case <-deadline.C:
			n := s.InFlight()
			s.logger.Warn("shutdown timeout reached with operations still running", "inFlight", n)
			return fmt.Errorf("%w: %d still running", ErrDrainTimeout, n)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drained reports whether the subscription has returned and no delivery is
// being processed. Brokers hand deliveries to handlers before they count as
// in flight, so an idle counter alone is not enough.
func (s *Service) drained() bool {
	s.mu.Lock()
	subscribed := s.subscribed
	s.mu.Unlock()

	if subscribed != nil {
		select {
		case <-subscribed:
		default:
			return false
		}
	}
	return !s.IsBusy()
}

// InFlight returns the number of deliveries currently being processed.
func (s *Service) InFlight() int64 {
	return s.inFlight.Load()
}

// IsBusy returns true while any delivery is being processed.
func (s *Service) IsBusy() bool {
	return s.inFlight.Load() > 0
}

// Policy returns the retry policy applied to failed operations.
func (s *Service) Policy() backoff.Policy {
	return s.policy
}

// HandleDelivery processes one delivery: resolve the handler, invoke it and
// settle the delivery. A returned error means the delivery could not be
// settled and is wrapped with ErrTransportFault.
func (s *Service) HandleDelivery(ctx context.Context, d *broker.Delivery) error {
	s.inFlight.Add(1)
	metrics.InFlight.Inc()
	defer func() {
		s.inFlight.Add(-1)
		metrics.InFlight.Dec()
	}()

	if d == nil || d.Envelope == nil || d.Handle == nil {
		return fmt.Errorf("%w: incomplete delivery", ErrTransportFault)
	}
	env := d.Envelope

	// Handlers outlive the subscription; shutdown waits for them instead
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "backgrounder.dispatch",
		trace.WithAttributes(
			attribute.String("backgrounder.signature", env.Signature),
			attribute.String("backgrounder.message_id", env.MessageID()),
			attribute.Int("backgrounder.retry_count", env.RetryCount()),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	logger := s.logger.With(
		"signature", env.Signature,
		"messageId", env.MessageID(),
		"delivery", d.Handle.ID(),
	)

	invoke, ok := s.registry.Resolve(env.Signature)
	if !ok {
		err := s.deadLetterUnknown(ctx, d, logger)
		s.endSpan(span, err, ErrHandlerNotFound)
		return err
	}

	start := time.Now()
	handlerErr := s.invoke(ctx, invoke, d)
	metrics.HandlerDuration.Observe(time.Since(start).Seconds())

	var err error
	switch {
	case handlerErr == nil:
		err = s.complete(ctx, d, logger)
	case errors.Is(handlerErr, registry.ErrUnsupportedContentType):
		err = s.deadLetterUndecodable(ctx, d, handlerErr, logger)
	default:
		err = s.fail(ctx, d, handlerErr, logger)
	}
	s.endSpan(span, err, handlerErr)
	return err
}

func (s *Service) invoke(ctx context.Context, invoke registry.InvokeFunc, d *broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Signature: d.Envelope.Signature, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := invoke(ctx, s.resolver, d.Envelope.ContentType, d.Envelope.Payload); err != nil {
		return &HandlerError{Signature: d.Envelope.Signature, Err: err}
	}
	return nil
}

func (s *Service) complete(ctx context.Context, d *broker.Delivery, logger *slog.Logger) error {
	if err := s.broker.Acknowledge(ctx, d.Handle); err != nil {
		return s.transportFault(logger, "acknowledge", err)
	}

	metrics.DeliveriesTotal.WithLabelValues(metrics.ResultCompleted).Inc()
	if enqueuedAt := d.Envelope.EnqueuedAt(); !enqueuedAt.IsZero() {
		metrics.QueueLatency.Observe(s.now().Sub(enqueuedAt).Seconds())
	}
	logger.Debug("operation completed")
	return nil
}

// fail reschedules a copy of the delivery with updated retry bookkeeping, or
// dead-letters that copy once the policy allows no further retries.
func (s *Service) fail(ctx context.Context, d *broker.Delivery, handlerErr error, logger *slog.Logger) error {
	env := d.Envelope
	retryCount := env.RetryCount() + 1
	delay, state := backoff.NextDelay(s.policy, retryCount, env.DelayState(), s.random)
	next := env.WithRetry(retryCount, state)

	if !s.policy.AllowsRetry(retryCount) {
		description := fmt.Sprintf("%s: %v", descriptionMaxRetry, handlerErr)
		if err := s.broker.DeadLetter(ctx, d.Handle, next, broker.ReasonMaxRetryReached, description); err != nil {
			return s.transportFault(logger, "dead-letter", err)
		}
		metrics.DeliveriesTotal.WithLabelValues(metrics.ResultDeadLettered).Inc()
		logger.Warn("operation moved to dead-letter after exhausting retries",
			"retryCount", retryCount,
			"error", handlerErr,
		)
		return nil
	}

	readyAt := s.now().Add(delay)
	if err := s.broker.ScheduleDelayed(ctx, next, readyAt); err != nil {
		return s.transportFault(logger, "schedule retry", err)
	}
	// The copy is durable before the original is released
	if err := s.broker.Acknowledge(ctx, d.Handle); err != nil {
		return s.transportFault(logger, "acknowledge", err)
	}

	metrics.DeliveriesTotal.WithLabelValues(metrics.ResultRescheduled).Inc()
	metrics.RetryDelay.Observe(delay.Seconds())
	logger.Info("operation scheduled for retry",
		"attempt", retryCount,
		"maxAttempts", s.policy.MaxAttempts,
		"delay", delay,
		"error", handlerErr,
	)
	return nil
}

func (s *Service) deadLetterUnknown(ctx context.Context, d *broker.Delivery, logger *slog.Logger) error {
	description := fmt.Sprintf("Could not find background processor for '%s'", d.Envelope.Signature)
	if err := s.broker.DeadLetter(ctx, d.Handle, d.Envelope, broker.ReasonProcessorNotFound, description); err != nil {
		return s.transportFault(logger, "dead-letter", err)
	}
	metrics.DeliveriesTotal.WithLabelValues(metrics.ResultNotFound).Inc()
	logger.Error("no handler registered for operation")
	return nil
}

func (s *Service) deadLetterUndecodable(ctx context.Context, d *broker.Delivery, handlerErr error, logger *slog.Logger) error {
	description := fmt.Sprintf("No codec for content type '%s'", d.Envelope.ContentType)
	if err := s.broker.DeadLetter(ctx, d.Handle, d.Envelope, broker.ReasonUnsupportedContentType, description); err != nil {
		return s.transportFault(logger, "dead-letter", err)
	}
	metrics.DeliveriesTotal.WithLabelValues(metrics.ResultDeadLettered).Inc()
	logger.Error("operation payload cannot be decoded", "contentType", d.Envelope.ContentType, "error", handlerErr)
	return nil
}

func (s *Service) transportFault(logger *slog.Logger, op string, err error) error {
	metrics.DeliveriesTotal.WithLabelValues(metrics.ResultFault).Inc()
	logger.Error("failed to settle delivery", "operation", op, "error", err)
	return fmt.Errorf("%w: failed to %s: %w", ErrTransportFault, op, err)
}

func (s *Service) onTransportError(_ context.Context, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.Error("broker error", "error", err)
}

// endSpan records the outcome on the delivery span. settleErr takes
// precedence over opErr, the handler or lookup failure.
func (s *Service) endSpan(span trace.Span, settleErr, opErr error) {
	switch {
	case settleErr != nil:
		span.RecordError(settleErr)
		span.SetStatus(codes.Error, settleErr.Error())
	case opErr != nil:
		span.RecordError(opErr)
		span.SetStatus(codes.Error, opErr.Error())
	default:
		span.SetStatus(codes.Ok, "")
	}
}
