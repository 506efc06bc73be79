package dispatch

import (
	"errors"
	"fmt"
)

// Errors returned by the dispatch service.
var (
	// ErrHandlerNotFound marks a delivery whose signature has no registered
	// handler. Such deliveries are dead-lettered, never retried.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrTransportFault wraps broker failures while settling a delivery.
	// The delivery is left to the broker's own redelivery.
	ErrTransportFault = errors.New("transport fault")

	// ErrDrainTimeout is returned by Stop when handlers are still running
	// after the shutdown timeout.
	ErrDrainTimeout = errors.New("timed out waiting for in-flight operations")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("dispatch service already started")
)

// HandlerError wraps a failure raised by an operation handler.
type HandlerError struct {
	Signature string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("operation %q failed: %v", e.Signature, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
