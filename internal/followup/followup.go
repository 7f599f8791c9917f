// Package followup tracks scheduled contact follow-ups so the agent can
// enforce per-session caps and per-contact cooldowns across sessions.
package followup

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

// Record is one scheduled follow-up.
type Record struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	SessionID uuid.UUID
	Contact   string // lowercased email or E.164 phone
	Channel   string // email | sms | either
	Reason    string
	JobID     *uuid.UUID // outbox row when channel includes sms
	CreatedAt time.Time
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

func (s *Store) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Contact = strings.ToLower(strings.TrimSpace(rec.Contact))
	_, err := s.pool.Exec(ctx, `
		INSERT INTO followups (id, tenant_id, session_id, contact, channel, reason, job_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.TenantID, rec.SessionID, rec.Contact, rec.Channel, rec.Reason, rec.JobID)
	if err != nil {
		return fmt.Errorf("followup: insert: %w", err)
	}
	return nil
}

// CountForSession returns how many follow-ups this session already
// scheduled.
func (s *Store) CountForSession(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM followups WHERE session_id = $1
	`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("followup: count for session: %w", err)
	}
	return n, nil
}

// LastForContact returns when the contact was last followed up with,
// across all sessions for the tenant.
func (s *Store) LastForContact(ctx context.Context, tenantID uuid.UUID, contact string) (time.Time, bool, error) {
	var last time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT created_at FROM followups
		WHERE tenant_id = $1 AND contact = lower($2)
		ORDER BY created_at DESC LIMIT 1
	`, tenantID, strings.TrimSpace(contact)).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("followup: last for contact: %w", err)
	}
	return last, true, nil
}
