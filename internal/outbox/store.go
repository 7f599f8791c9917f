package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
)

var ErrNotFound = errors.New("outbox: not found")

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists outbox messages in Postgres.
type Store struct {
	pool PgxPool
	clk  *clock.Clock
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool, clk: clock.New()}
}

// WithClock overrides the wall clock used to stamp new messages.
func (s *Store) WithClock(clk *clock.Clock) *Store {
	s.clk = clk
	return s
}

// Enqueue inserts a pending message. RunAt of zero means send now.
func (s *Store) Enqueue(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.MaxAttempts <= 0 {
		m.MaxAttempts = DefaultMaxAttempts
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if m.RunAt.IsZero() {
		m.RunAt = s.clk.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_messages (id, tenant_id, to_phone, body, message_type,
			booking_ref, status, attempts, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, m.TenantID, m.ToPhone, m.Body, m.MessageType,
		m.BookingRef, m.Status, m.Attempts, m.MaxAttempts, m.RunAt.UTC())
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

const messageColumns = `id, tenant_id, to_phone, body, message_type, COALESCE(booking_ref, ''),
		status, attempts, max_attempts, COALESCE(last_error, ''), COALESCE(provider_sid, ''),
		COALESCE(provider_status, ''), COALESCE(provider_error_code, ''), run_at, created_at`

// ClaimBatch atomically leases up to limit due pending messages, moving
// them to sending. SKIP LOCKED keeps concurrent workers from colliding.
func (s *Store) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_messages SET status = 'sending'
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = 'pending' AND run_at <= $1
			ORDER BY run_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns+`
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim batch: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkSent finalises a successful attempt.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, providerSID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'sent', attempts = attempts + 1, provider_sid = $2, last_error = NULL
		WHERE id = $1
	`, id, providerSID)
	if err != nil {
		return fmt.Errorf("outbox: mark sent: %w", err)
	}
	return nil
}

// ScheduleRetry counts the failed attempt and requeues the message.
func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', attempts = attempts + 1, run_at = $2, last_error = $3
		WHERE id = $1
	`, id, runAt.UTC(), truncateError(lastError))
	if err != nil {
		return fmt.Errorf("outbox: schedule retry: %w", err)
	}
	return nil
}

// Reschedule pushes a message without consuming an attempt (quiet hours,
// rate limiting).
func (s *Store) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages SET status = 'pending', run_at = $2 WHERE id = $1
	`, id, runAt.UTC())
	if err != nil {
		return fmt.Errorf("outbox: reschedule: %w", err)
	}
	return nil
}

// MarkFailed terminates a message after its final attempt.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, lastError, errorCode string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'failed', attempts = attempts + 1, last_error = $2, provider_error_code = $3
		WHERE id = $1
	`, id, truncateError(lastError), errorCode)
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

// Abort terminates a message without sending (opt-out, invalid config).
func (s *Store) Abort(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages SET status = 'aborted', last_error = $2 WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("outbox: abort: %w", err)
	}
	return nil
}

// UpdateProviderStatus applies a carrier status callback, keyed by the
// provider SID. Returns the matching message, or ErrNotFound for SIDs we
// never issued.
func (s *Store) UpdateProviderStatus(ctx context.Context, providerSID, status, errorCode string) (*Message, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE outbox_messages
		SET provider_status = $2, provider_error_code = COALESCE(NULLIF($3, ''), provider_error_code)
		WHERE provider_sid = $1
		RETURNING `+messageColumns+`
	`, providerSID, status, errorCode)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// Get loads one message.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM outbox_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.TenantID, &m.ToPhone, &m.Body, &m.MessageType, &m.BookingRef,
		&m.Status, &m.Attempts, &m.MaxAttempts, &m.LastError, &m.ProviderSID,
		&m.ProviderStatus, &m.ProviderErrorCode, &m.RunAt, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("outbox: scan message: %w", err)
	}
	return &m, nil
}

func truncateError(msg string) string {
	const max = 500
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
