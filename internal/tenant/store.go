package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when no tenant matches the lookup.
var ErrNotFound = errors.New("tenant: not found")

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists tenant profiles in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

const tenantColumns = `id, name, slug, timezone, slot_duration_minutes, hours, services,
		catalog_mode, calendar_id, calendar_credential, quiet_hours_start, quiet_hours_end,
		demo_mode, created_at, updated_at`

func (s *Store) Create(ctx context.Context, t *Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	hours, services, err := marshalProfile(t)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO tenants (
			id, name, slug, timezone, slot_duration_minutes, hours, services,
			catalog_mode, calendar_id, calendar_credential,
			quiet_hours_start, quiet_hours_end, demo_mode
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`
	_, err = s.pool.Exec(ctx, query,
		t.ID, t.Name, t.Slug, t.Timezone, t.SlotDurationMinutes, hours, services,
		t.CatalogMode, t.CalendarID, t.CalendarCredential,
		t.QuietHoursStart, t.QuietHoursEnd, t.DemoMode)
	if err != nil {
		return fmt.Errorf("tenant: create: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, t *Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	hours, services, err := marshalProfile(t)
	if err != nil {
		return err
	}
	query := `
		UPDATE tenants
		SET name = $2, timezone = $3, slot_duration_minutes = $4, hours = $5,
			services = $6, catalog_mode = $7, calendar_id = $8,
			calendar_credential = $9, quiet_hours_start = $10,
			quiet_hours_end = $11, demo_mode = $12, updated_at = now()
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.Name, t.Timezone, t.SlotDurationMinutes, hours, services,
		t.CatalogMode, t.CalendarID, t.CalendarCredential,
		t.QuietHoursStart, t.QuietHoursEnd, t.DemoMode)
	if err != nil {
		return fmt.Errorf("tenant: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, id))
}

func (s *Store) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE slug = $1`
	return s.scanOne(s.pool.QueryRow(ctx, query, slug))
}

func (s *Store) scanOne(row pgx.Row) (*Tenant, error) {
	var (
		t        Tenant
		hours    []byte
		services []byte
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Slug, &t.Timezone, &t.SlotDurationMinutes,
		&hours, &services, &t.CatalogMode, &t.CalendarID, &t.CalendarCredential,
		&t.QuietHoursStart, &t.QuietHoursEnd, &t.DemoMode,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenant: scan: %w", err)
	}
	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &t.Hours); err != nil {
			return nil, fmt.Errorf("tenant: decode hours: %w", err)
		}
	}
	if len(services) > 0 {
		if err := json.Unmarshal(services, &t.Services); err != nil {
			return nil, fmt.Errorf("tenant: decode services: %w", err)
		}
	}
	return &t, nil
}

func marshalProfile(t *Tenant) (hours, services []byte, err error) {
	hours, err = json.Marshal(t.Hours)
	if err != nil {
		return nil, nil, fmt.Errorf("tenant: encode hours: %w", err)
	}
	services, err = json.Marshal(t.Services)
	if err != nil {
		return nil, nil, fmt.Errorf("tenant: encode services: %w", err)
	}
	return hours, services, nil
}
