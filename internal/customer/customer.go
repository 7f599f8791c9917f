// Package customer stores tenant-scoped customer identities. Soft delete
// clears PII but keeps the row so booking history stays attributable.
package customer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bridgetown-labs/ai-receptionist/internal/phone"
)

var ErrNotFound = errors.New("customer: not found")

// Customer is one tenant-scoped identity.
type Customer struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Phone        string // E.164 or empty
	Email        string // lowercased or empty
	DisplayName  string
	Preferences  map[string]any
	BookingCount int
	LastSeenAt   time.Time
	DeletedAt    *time.Time
	CreatedAt    time.Time
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

const customerColumns = `id, tenant_id, COALESCE(phone, ''), COALESCE(email, ''),
		COALESCE(display_name, ''), preferences, booking_count, last_seen_at, deleted_at, created_at`

// Upsert finds or creates the customer by email (preferred) or phone,
// updating identity fields on the way through.
func (s *Store) Upsert(ctx context.Context, tenantID uuid.UUID, email, rawPhone, displayName string) (*Customer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	e164 := phone.NormalizeE164(rawPhone)

	if email != "" {
		if c, err := s.GetByEmail(ctx, tenantID, email); err == nil {
			return s.touch(ctx, c, e164, displayName)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	} else if e164 != "" {
		if c, err := s.GetByPhone(ctx, tenantID, e164); err == nil {
			return s.touch(ctx, c, e164, displayName)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO customers (id, tenant_id, phone, email, display_name, preferences, last_seen_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), '{}', now())
		RETURNING `+customerColumns+`
	`, uuid.New(), tenantID, e164, email, strings.TrimSpace(displayName))
	return scanCustomer(row)
}

func (s *Store) touch(ctx context.Context, c *Customer, e164, displayName string) (*Customer, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE customers SET
			phone = COALESCE(NULLIF($2, ''), phone),
			display_name = COALESCE(NULLIF($3, ''), display_name),
			last_seen_at = now()
		WHERE id = $1
		RETURNING `+customerColumns+`
	`, c.ID, e164, strings.TrimSpace(displayName))
	return scanCustomer(row)
}

func (s *Store) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*Customer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+customerColumns+` FROM customers
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, id, tenantID)
	return scanCustomer(row)
}

func (s *Store) GetByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*Customer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+customerColumns+` FROM customers
		WHERE tenant_id = $1 AND email = lower($2) AND deleted_at IS NULL
	`, tenantID, email)
	return scanCustomer(row)
}

func (s *Store) GetByPhone(ctx context.Context, tenantID uuid.UUID, e164 string) (*Customer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+customerColumns+` FROM customers
		WHERE tenant_id = $1 AND phone = $2 AND deleted_at IS NULL
	`, tenantID, e164)
	return scanCustomer(row)
}

// IncrementBookings bumps the booking counter after a confirm.
func (s *Store) IncrementBookings(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE customers SET booking_count = booking_count + 1, last_seen_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("customer: bump booking count: %w", err)
	}
	return nil
}

// SoftDelete clears PII and marks the row deleted. The id survives so
// appointment history keeps its foreign keys.
func (s *Store) SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE customers SET phone = NULL, email = NULL, display_name = NULL,
			deleted_at = now()
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("customer: soft delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCustomer(row pgx.Row) (*Customer, error) {
	var (
		c     Customer
		prefs []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.Email, &c.DisplayName,
		&prefs, &c.BookingCount, &c.LastSeenAt, &c.DeletedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("customer: scan: %w", err)
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &c.Preferences); err != nil {
			return nil, fmt.Errorf("customer: decode preferences: %w", err)
		}
	}
	return &c, nil
}
