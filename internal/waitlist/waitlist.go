// Package waitlist stores customers waiting for a slot to open and feeds
// the SlotOpened event handler.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Entry statuses.
const (
	StatusWaiting  = "waiting"
	StatusNotified = "notified"
	StatusExpired  = "expired"
)

var ErrNotFound = errors.New("waitlist: not found")

// Entry is one waiting customer.
type Entry struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	SessionID     uuid.UUID
	Contact       string // E.164 phone or email
	Service       string
	PreferredDays []string // "monday".."sunday", empty = any
	WindowStart   string   // local "HH:MM", empty = any
	WindowEnd     string
	Status        string
	CreatedAt     time.Time
}

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

func (s *Store) Add(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusWaiting
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO waitlist_entries (id, tenant_id, session_id, contact, service,
			preferred_days, window_start, window_end, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.TenantID, e.SessionID, strings.TrimSpace(e.Contact), e.Service,
		e.PreferredDays, e.WindowStart, e.WindowEnd, e.Status)
	if err != nil {
		return fmt.Errorf("waitlist: add: %w", err)
	}
	return nil
}

// Waiting lists active entries for the tenant, oldest first, optionally
// filtered to a service.
func (s *Store) Waiting(ctx context.Context, tenantID uuid.UUID, service string) ([]Entry, error) {
	query := `
		SELECT id, tenant_id, session_id, contact, service,
			preferred_days, COALESCE(window_start, ''), COALESCE(window_end, ''), status, created_at
		FROM waitlist_entries
		WHERE tenant_id = $1 AND status = 'waiting'
	`
	args := []any{tenantID}
	if service != "" {
		args = append(args, service)
		query += " AND (service = '' OR service = $2)"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("waitlist: list waiting: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.Contact, &e.Service,
			&e.PreferredDays, &e.WindowStart, &e.WindowEnd, &e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("waitlist: scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkNotified transitions a waiting entry after its slot ping goes out.
func (s *Store) MarkNotified(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE waitlist_entries SET status = 'notified' WHERE id = $1 AND status = 'waiting'
	`, id)
	if err != nil {
		return fmt.Errorf("waitlist: mark notified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireOlderThan retires stale entries.
func (s *Store) ExpireOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE waitlist_entries SET status = 'expired'
		WHERE status = 'waiting' AND created_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("waitlist: expire: %w", err)
	}
	return tag.RowsAffected(), nil
}
