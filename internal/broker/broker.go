// Package broker defines the message transport capability the dispatch loop
// depends on. Implementations (in-memory, Redis Streams, Kafka) live in
// subpackages and can be swapped without changing dispatch logic.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"backgrounder-go/internal/envelope"
)

// Handle identifies one delivery of a message so it can be settled.
// Handles are only meaningful to the broker that produced them.
type Handle interface {
	// ID returns the broker-specific delivery identifier.
	ID() string
}

// Delivery is a received envelope paired with its settlement handle.
type Delivery struct {
	Envelope *envelope.Envelope
	Handle   Handle
}

// DeliveryHandler processes a single delivery. The broker invokes it once
// per delivery, possibly from many goroutines at once. A returned error
// means the delivery was not settled; the broker redelivers it later.
type DeliveryHandler func(ctx context.Context, d *Delivery) error

// ErrorHandler receives transport errors encountered while subscribed.
type ErrorHandler func(ctx context.Context, err error)

// Publisher sends envelopes to the queue.
// Implementations must be safe for concurrent use.
type Publisher interface {
	// Send publishes an envelope for immediate delivery.
	Send(ctx context.Context, env *envelope.Envelope) error

	// ScheduleDelayed publishes an envelope that becomes visible to
	// consumers no earlier than readyAt.
	ScheduleDelayed(ctx context.Context, env *envelope.Envelope, readyAt time.Time) error
}

// Settler finalizes deliveries.
type Settler interface {
	// Acknowledge removes the delivered message from the queue.
	Acknowledge(ctx context.Context, h Handle) error

	// DeadLetter moves the delivered message to the dead-letter store.
	// env is recorded in place of the original so updated attributes
	// (such as the final retry count) are preserved.
	DeadLetter(ctx context.Context, h Handle, env *envelope.Envelope, reason, description string) error
}

// Subscriber delivers messages to a handler.
type Subscriber interface {
	// Subscribe blocks, delivering messages to handler until ctx is canceled
	// or an unrecoverable transport error occurs. Transport errors that do
	// not end the subscription are passed to onError.
	Subscribe(ctx context.Context, handler DeliveryHandler, onError ErrorHandler) error
}

// Broker is the full transport capability.
type Broker interface {
	Publisher
	Settler
	Subscriber

	// Close releases any resources held by the broker.
	Close() error
}

// DeadLetter is a message that could not be processed.
type DeadLetter struct {
	Envelope     *envelope.Envelope `json:"envelope"`
	Reason       string             `json:"reason"`
	Description  string             `json:"description"`
	DeadLetterAt time.Time          `json:"deadLetteredAt"`
}

// DeadLetterReader is implemented by brokers that can list dead letters.
type DeadLetterReader interface {
	// DeadLetters returns up to limit dead letters, oldest first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// Dead-letter reasons attached by the dispatch loop.
const (
	ReasonProcessorNotFound      = "processor not found"
	ReasonMaxRetryReached        = "max retry reached"
	ReasonUnsupportedContentType = "unsupported content type"
)

// StringHandle is a Handle backed by a plain identifier.
type StringHandle string

// ID implements Handle.
func (h StringHandle) ID() string { return string(h) }

// Stamp returns a copy of env carrying a message id. Copies that already
// have one, such as rescheduled retries, keep it.
func Stamp(env *envelope.Envelope) *envelope.Envelope {
	msg := env.Clone()
	if msg.MessageID() == "" {
		msg.Set(envelope.AttrMessageID, uuid.NewString())
	}
	return msg
}
