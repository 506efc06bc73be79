// Package envelope defines the broker-agnostic record of one dispatched
// operation call, including its retry bookkeeping.
package envelope

import (
	"maps"
	"strconv"
	"time"
)

// Attribute keys carried by every envelope.
const (
	// AttrRetryCount is the number of times the operation has been rescheduled.
	AttrRetryCount = "RetryCount"

	// AttrDelayState is the opaque backoff state fed to the next attempt.
	AttrDelayState = "DelayState"

	// AttrMessageID is the broker-assigned identifier of the logical message.
	// Rescheduled copies keep the identifier of the original.
	AttrMessageID = "MessageId"

	// AttrEnqueuedAt records when the operation was first enqueued (RFC 3339).
	AttrEnqueuedAt = "EnqueuedAt"
)

// Attributes holds string-valued metadata. Values are strings so that every
// broker can carry them natively as headers or stream fields.
type Attributes map[string]string

// Envelope is one dispatched operation call.
type Envelope struct {
	// Payload is the codec-encoded parameter record. Empty for operations
	// without parameters.
	Payload []byte `json:"payload,omitempty"`

	// ContentType is the media type of the codec that produced Payload.
	ContentType string `json:"contentType"`

	// Signature identifies the operation to invoke.
	Signature string `json:"signature"`

	// Attributes carries retry bookkeeping and broker metadata.
	Attributes Attributes `json:"attributes"`
}

// New creates an envelope for a first attempt.
func New(signature, contentType string, payload []byte) *Envelope {
	env := &Envelope{
		Payload:     payload,
		ContentType: contentType,
		Signature:   signature,
		Attributes:  Attributes{},
	}
	env.Attributes[AttrRetryCount] = "0"
	env.Attributes[AttrDelayState] = formatFloat(0)
	return env
}

// RetryCount returns the retry count attribute, or 0 when absent or malformed.
func (e *Envelope) RetryCount() int {
	v, ok := e.Attributes[AttrRetryCount]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// DelayState returns the backoff state attribute, or 0 when absent or malformed.
func (e *Envelope) DelayState() float64 {
	v, ok := e.Attributes[AttrDelayState]
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// MessageID returns the broker-assigned message identifier, if any.
func (e *Envelope) MessageID() string {
	return e.Attributes[AttrMessageID]
}

// EnqueuedAt returns when the operation was enqueued, or the zero time.
func (e *Envelope) EnqueuedAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Attributes[AttrEnqueuedAt])
	if err != nil {
		return time.Time{}
	}
	return t
}

// Get returns a single attribute.
func (e *Envelope) Get(key string) (string, bool) {
	v, ok := e.Attributes[key]
	return v, ok
}

// Set stores a single attribute, allocating the map if needed.
func (e *Envelope) Set(key, value string) {
	if e.Attributes == nil {
		e.Attributes = Attributes{}
	}
	e.Attributes[key] = value
}

// SetEnqueuedAt stamps the enqueue time.
func (e *Envelope) SetEnqueuedAt(t time.Time) {
	e.Set(AttrEnqueuedAt, t.UTC().Format(time.RFC3339Nano))
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := &Envelope{
		ContentType: e.ContentType,
		Signature:   e.Signature,
		Attributes:  maps.Clone(e.Attributes),
	}
	if c.Attributes == nil {
		c.Attributes = Attributes{}
	}
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return c
}

// WithRetry returns a new copy carrying the given retry bookkeeping. The
// receiver is left untouched.
func (e *Envelope) WithRetry(retryCount int, delayState float64) *Envelope {
	c := e.Clone()
	c.Attributes[AttrRetryCount] = strconv.Itoa(retryCount)
	c.Attributes[AttrDelayState] = formatFloat(delayState)
	return c
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
