package memory

import "errors"

var (
	// ErrQueueClosed is returned when attempting to publish to a closed queue.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrUnknownDelivery is returned when settling a delivery that is not
	// pending, for example one that was already settled.
	ErrUnknownDelivery = errors.New("unknown delivery")
)
