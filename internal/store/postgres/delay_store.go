package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"backgrounder-go/internal/envelope"
	"backgrounder-go/internal/metrics"
	"backgrounder-go/internal/store"
)

// querier is the subset of *pgxpool.Pool used by DelayStore.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DelayStore implements store.DelayStore using PostgreSQL.
// Claims use FOR UPDATE SKIP LOCKED so several workers can relay from the
// same table without leasing a row twice.
type DelayStore struct {
	db  querier
	now func() time.Time
}

var _ store.DelayStore = (*DelayStore)(nil)

// NewDelayStore creates a new PostgreSQL-backed delay store.
func NewDelayStore(db *DB) *DelayStore {
	return &DelayStore{db: db.pool, now: time.Now}
}

// Schedule stores env until readyAt.
func (s *DelayStore) Schedule(ctx context.Context, env *envelope.Envelope, readyAt time.Time) error {
	attrs, err := encodeAttributes(env.Attributes)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO scheduled_messages (
			id, message_id, signature, content_type, payload, attributes, ready_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	start := time.Now()
	_, err = s.db.Exec(ctx, query,
		uuid.NewString(),
		env.MessageID(),
		env.Signature,
		env.ContentType,
		env.Payload,
		attrs,
		readyAt.UTC(),
		s.now().UTC(),
	)
	metrics.StorageOperationLatency.WithLabelValues("postgres", "schedule").Observe(time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("failed to schedule message: %w", err)
	}

	return nil
}

// ClaimDue leases up to limit messages due at or before now by stamping
// claimed_until. Rows stay in the table until Complete deletes them.
func (s *DelayStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]store.Claim, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		UPDATE scheduled_messages
		SET claimed_until = $3
		WHERE id IN (
			SELECT id FROM scheduled_messages
			WHERE ready_at <= $1
			  AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY ready_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, signature, content_type, payload, attributes, ready_at
	`

	start := time.Now()
	rows, err := s.db.Query(ctx, query, now.UTC(), limit, now.Add(lease).UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to claim scheduled messages: %w", err)
	}
	defer rows.Close()

	claimed, err := scanScheduled(rows)
	metrics.StorageOperationLatency.WithLabelValues("postgres", "claim").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery order
	slices.SortStableFunc(claimed, func(a, b scheduledRow) int { return a.readyAt.Compare(b.readyAt) })

	out := make([]store.Claim, len(claimed))
	for i, row := range claimed {
		out[i] = store.Claim{ID: row.id, Envelope: row.env}
	}
	return out, nil
}

// Complete deletes published messages.
func (s *DelayStore) Complete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	start := time.Now()
	_, err := s.db.Exec(ctx, `DELETE FROM scheduled_messages WHERE id = ANY($1)`, ids)
	metrics.StorageOperationLatency.WithLabelValues("postgres", "complete").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to complete scheduled messages: %w", err)
	}
	return nil
}

// Release clears the lease on claimed messages.
func (s *DelayStore) Release(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.db.Exec(ctx, `UPDATE scheduled_messages SET claimed_until = NULL WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("failed to release scheduled messages: %w", err)
	}
	return nil
}

// Len returns the number of messages stored.
func (s *DelayStore) Len(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM scheduled_messages`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count scheduled messages: %w", err)
	}
	return count, nil
}

type scheduledRow struct {
	id      string
	env     *envelope.Envelope
	readyAt time.Time
}

// scanScheduled scans claimed rows into envelopes.
func scanScheduled(rows pgx.Rows) ([]scheduledRow, error) {
	var out []scheduledRow

	for rows.Next() {
		var (
			env   envelope.Envelope
			attrs []byte
			row   scheduledRow
		)
		if err := rows.Scan(&row.id, &env.Signature, &env.ContentType, &env.Payload, &attrs, &row.readyAt); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled message: %w", err)
		}

		decoded, err := decodeAttributes(attrs)
		if err != nil {
			return nil, err
		}
		env.Attributes = decoded
		row.env = &env
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled messages: %w", err)
	}

	return out, nil
}

func encodeAttributes(attrs envelope.Attributes) ([]byte, error) {
	if attrs == nil {
		attrs = envelope.Attributes{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes: %w", err)
	}
	return data, nil
}

func decodeAttributes(data []byte) (envelope.Attributes, error) {
	attrs := envelope.Attributes{}
	if len(data) == 0 {
		return attrs, nil
	}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	return attrs, nil
}
