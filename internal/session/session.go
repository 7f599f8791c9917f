// Package session tracks per-conversation state across web, SMS, and
// voice channels, plus the signed tokens that let the widget SDK resume a
// conversation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Channels.
const (
	ChannelWeb   = "web"
	ChannelSMS   = "sms"
	ChannelVoice = "voice"
)

var ErrNotFound = errors.New("session: not found")

// Session is one conversation. Sessions are never deleted; soft-deleting
// the customer unlinks them instead.
type Session struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	CustomerID    *uuid.UUID
	Channel       string
	ExternalID    string
	EmailVerified bool
	VerifiedEmail string
	Metadata      map[string]any
	MessageCount  int
	BookingCount  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is one history turn.
type Message struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Role      string // user | assistant | system | tool
	Content   string
	CreatedAt time.Time
}

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists sessions and their message history in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

const sessionColumns = `id, tenant_id, customer_id, channel, external_id, email_verified,
		COALESCE(verified_email, ''), metadata, message_count, booking_count, created_at, updated_at`

// GetOrCreate finds the session for (tenant, channel, external id) or
// creates it on first contact.
func (s *Store) GetOrCreate(ctx context.Context, tenantID uuid.UUID, channel, externalID string) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, tenant_id, channel, external_id, metadata)
		VALUES ($1, $2, $3, $4, '{}')
		ON CONFLICT (tenant_id, channel, external_id)
		DO UPDATE SET updated_at = now()
		RETURNING `+sessionColumns+`
	`, uuid.New(), tenantID, channel, externalID)
	return scanSession(row)
}

// Get loads a session scoped to the tenant.
func (s *Store) Get(ctx context.Context, tenantID, sessionID uuid.UUID) (*Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND tenant_id = $2
	`, sessionID, tenantID)
	return scanSession(row)
}

// MarkEmailVerified records a successful OTP round-trip.
func (s *Store) MarkEmailVerified(ctx context.Context, sessionID uuid.UUID, email string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET email_verified = true, verified_email = lower($2), updated_at = now()
		WHERE id = $1
	`, sessionID, email)
	if err != nil {
		return fmt.Errorf("session: mark email verified: %w", err)
	}
	return nil
}

// LinkCustomer attaches an identified customer to the session.
func (s *Store) LinkCustomer(ctx context.Context, sessionID, customerID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET customer_id = $2, updated_at = now() WHERE id = $1
	`, sessionID, customerID)
	if err != nil {
		return fmt.Errorf("session: link customer: %w", err)
	}
	return nil
}

// SetMetadata replaces the opaque metadata blob (FSM context and friends).
func (s *Store) SetMetadata(ctx context.Context, sessionID uuid.UUID, metadata map[string]any) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("session: encode metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sessions SET metadata = $2, updated_at = now() WHERE id = $1
	`, sessionID, raw)
	if err != nil {
		return fmt.Errorf("session: set metadata: %w", err)
	}
	return nil
}

// AppendMessage records one turn and bumps the session counter.
func (s *Store) AppendMessage(ctx context.Context, sessionID uuid.UUID, role, content string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_messages (id, session_id, role, content) VALUES ($1, $2, $3, $4)
	`, uuid.New(), sessionID, role, content)
	if err != nil {
		return fmt.Errorf("session: append message: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE sessions SET message_count = message_count + 1, updated_at = now() WHERE id = $1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("session: bump message count: %w", err)
	}
	return nil
}

// History returns the most recent turns in chronological order.
func (s *Store) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM (
			SELECT id, session_id, role, content, created_at
			FROM session_messages WHERE session_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session: load history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("session: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// IncrementBookings bumps the session's booking counter after a confirm.
func (s *Store) IncrementBookings(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET booking_count = booking_count + 1, updated_at = now() WHERE id = $1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("session: bump booking count: %w", err)
	}
	return nil
}

// UnlinkCustomer detaches sessions from a soft-deleted customer.
func (s *Store) UnlinkCustomer(ctx context.Context, customerID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET customer_id = NULL, updated_at = now() WHERE customer_id = $1
	`, customerID)
	if err != nil {
		return fmt.Errorf("session: unlink customer: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess     Session
		metadata []byte
	)
	err := row.Scan(
		&sess.ID, &sess.TenantID, &sess.CustomerID, &sess.Channel, &sess.ExternalID,
		&sess.EmailVerified, &sess.VerifiedEmail, &metadata,
		&sess.MessageCount, &sess.BookingCount, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: scan: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("session: decode metadata: %w", err)
		}
	}
	return &sess, nil
}
