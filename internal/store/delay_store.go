// Package store defines persistence for delayed messages.
// These abstractions allow swapping implementations (PostgreSQL, in-memory)
// without changing the brokers that use them.
package store

import (
	"context"
	"time"

	"backgrounder-go/internal/envelope"
)

// Claim is a due envelope leased to one relay.
type Claim struct {
	ID       string
	Envelope *envelope.Envelope
}

// DelayStore holds envelopes until they are due.
// All methods must be safe for concurrent use.
//
// Relaying is a lease: ClaimDue hides due envelopes for the lease duration,
// the relay publishes them and then calls Complete. If the relay dies in
// between, the lease runs out and the envelopes are claimed again, so a
// crash can duplicate a retry but never lose one.
type DelayStore interface {
	// Schedule stores env until readyAt.
	Schedule(ctx context.Context, env *envelope.Envelope, readyAt time.Time) error

	// ClaimDue leases up to limit envelopes due at or before now, earliest
	// first. A leased envelope is not returned to another caller until the
	// lease expires.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Claim, error)

	// Complete deletes claimed envelopes once they have been published.
	Complete(ctx context.Context, ids ...string) error

	// Release ends the lease on claimed envelopes so the next pass picks
	// them up again.
	Release(ctx context.Context, ids ...string) error

	// Len returns the number of envelopes stored, leased ones included.
	Len(ctx context.Context) (int, error)
}
