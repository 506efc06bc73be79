// Package enqueue turns operation calls into envelopes and publishes them
// for asynchronous execution by the dispatch loop.
package enqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"backgrounder-go/internal/broker"
	"backgrounder-go/internal/codec"
	"backgrounder-go/internal/envelope"
	"backgrounder-go/internal/metrics"
)

const tracerName = "backgrounder-go/internal/enqueue"

// Errors returned by the enqueuer.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrPublishFailed   = errors.New("failed to publish operation to queue")
)

// Enqueuer publishes operation calls to the queue.
// It is safe for concurrent use.
type Enqueuer struct {
	publisher broker.Publisher
	codec     codec.Codec
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures an Enqueuer.
type Option func(*Enqueuer)

// WithTracer sets the tracer used for enqueue spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Enqueuer) { e.tracer = t }
}

// WithClock overrides the clock used to stamp EnqueuedAt.
func WithClock(now func() time.Time) Option {
	return func(e *Enqueuer) { e.now = now }
}

// NewEnqueuer creates a new enqueuer.
func NewEnqueuer(publisher broker.Publisher, c codec.Codec, logger *slog.Logger, opts ...Option) *Enqueuer {
	e := &Enqueuer{
		publisher: publisher,
		codec:     c,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Codec returns the codec used for parameter records.
func (e *Enqueuer) Codec() codec.Codec {
	return e.codec
}

// Enqueue publishes one call of the operation identified by signature.
// params is the operation's parameter record; nil means no parameters.
// The operation is published with exactly one Send and no retry bookkeeping.
func (e *Enqueuer) Enqueue(ctx context.Context, signature string, params any) error {
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("%w: signature must not be empty", ErrInvalidArgument)
	}

	ctx, span := e.tracer.Start(ctx, "backgrounder.enqueue",
		trace.WithAttributes(attribute.String("backgrounder.signature", signature)),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	payload, err := e.codec.Encode(params)
	if err != nil {
		metrics.EnqueueFailuresTotal.WithLabelValues("encode").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to encode parameters for %q: %w", signature, err)
	}

	env := envelope.New(signature, e.codec.ContentType(), payload)
	env.SetEnqueuedAt(e.now())

	publishStart := time.Now()
	if err := e.publisher.Send(ctx, env); err != nil {
		metrics.EnqueueFailuresTotal.WithLabelValues("publish").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("failed to publish operation", "error", err, "signature", signature)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	metrics.QueuePublishLatency.Observe(time.Since(publishStart).Seconds())
	metrics.OperationsEnqueuedTotal.WithLabelValues(signature).Inc()
	span.SetStatus(codes.Ok, "")

	e.logger.Debug("operation published to queue",
		"signature", signature,
		"payloadBytes", len(payload),
	)

	return nil
}
