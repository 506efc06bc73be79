// Package memory provides in-memory implementations of store interfaces.
// These are useful for testing and development without external dependencies.
package memory

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"backgrounder-go/internal/envelope"
	"backgrounder-go/internal/store"
)

// DelayStore is an in-memory implementation of store.DelayStore.
// Entries are kept sorted by ready time.
type DelayStore struct {
	mu      sync.Mutex
	entries []entry
	seq     uint64
}

type entry struct {
	env          *envelope.Envelope
	readyAt      time.Time
	seq          uint64 // keeps insertion order for equal ready times
	claimedUntil time.Time
}

var _ store.DelayStore = (*DelayStore)(nil)

// NewDelayStore creates an empty delay store.
func NewDelayStore() *DelayStore {
	return &DelayStore{}
}

// Schedule stores a copy of env until readyAt.
func (s *DelayStore) Schedule(_ context.Context, env *envelope.Envelope, readyAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := entry{env: env.Clone(), readyAt: readyAt, seq: s.seq}
	i, _ := slices.BinarySearchFunc(s.entries, e, compareEntries)
	s.entries = slices.Insert(s.entries, i, e)
	return nil
}

// ClaimDue leases up to limit envelopes due at or before now.
func (s *DelayStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]store.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claims []store.Claim
	for i := range s.entries {
		e := &s.entries[i]
		if e.readyAt.After(now) || (limit > 0 && len(claims) == limit) {
			break
		}
		if e.claimedUntil.After(now) {
			continue
		}
		e.claimedUntil = now.Add(lease)
		claims = append(claims, store.Claim{ID: strconv.FormatUint(e.seq, 10), Envelope: e.env.Clone()})
	}
	return claims, nil
}

// Complete deletes claimed envelopes.
func (s *DelayStore) Complete(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = slices.DeleteFunc(s.entries, func(e entry) bool {
		return slices.Contains(ids, strconv.FormatUint(e.seq, 10))
	})
	return nil
}

// Release makes claimed envelopes visible to the next claim.
func (s *DelayStore) Release(_ context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if slices.Contains(ids, strconv.FormatUint(s.entries[i].seq, 10)) {
			s.entries[i].claimedUntil = time.Time{}
		}
	}
	return nil
}

// Len returns the number of envelopes stored.
func (s *DelayStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func compareEntries(a, b entry) int {
	if c := a.readyAt.Compare(b.readyAt); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}
