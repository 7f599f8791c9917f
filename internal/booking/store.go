package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bridgetown-labs/ai-receptionist/internal/calendar"
)

// exclusionViolation is the Postgres error code raised when an insert or
// update collides with the no-overlap constraint. It is the single source
// of truth for slot contention.
const exclusionViolation = "23P01"

const uniqueViolation = "23505"

type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists appointments and holds in Postgres.
type Store struct {
	pool PgxPool
}

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

// CreateHold reserves [start, end) for a session. Exactly one concurrent
// caller wins a contended slot; the rest get ErrSlotConflict.
func (s *Store) CreateHold(ctx context.Context, tenantID, sessionID uuid.UUID, start, end, now time.Time) (*Hold, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("booking: begin hold: %w", err)
	}
	defer tx.Rollback(ctx)

	// The holds exclusion constraint only guards hold-vs-hold overlap;
	// appointments are checked here inside the same transaction.
	var taken bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE tenant_id = $1 AND status = 'confirmed'
			AND start_at < $3 AND $2 < end_at
		)
	`, tenantID, start.UTC(), end.UTC()).Scan(&taken)
	if err != nil {
		return nil, fmt.Errorf("booking: check appointment overlap: %w", err)
	}
	if taken {
		return nil, ErrSlotConflict
	}

	// The exclusion constraint cannot reference now(), so an expired hold
	// still occupies the index until the sweeper runs. Clear any expired
	// overlap here so it never blocks a live claim.
	_, err = tx.Exec(ctx, `
		DELETE FROM holds
		WHERE tenant_id = $1 AND expires_at <= $4
		AND start_at < $3 AND $2 < end_at
	`, tenantID, start.UTC(), end.UTC(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("booking: clear expired holds: %w", err)
	}

	hold := &Hold{
		ID:        uuid.New(),
		TenantID:  tenantID,
		SessionID: sessionID,
		Start:     start.UTC(),
		End:       end.UTC(),
		ExpiresAt: now.UTC().Add(HoldTTL),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO holds (id, tenant_id, session_id, start_at, end_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, hold.ID, hold.TenantID, hold.SessionID, hold.Start, hold.End, hold.ExpiresAt)
	if err != nil {
		if isPgCode(err, exclusionViolation) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("booking: insert hold: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isPgCode(err, exclusionViolation) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("booking: commit hold: %w", err)
	}
	return hold, nil
}

// GetHold loads a hold scoped to the tenant.
func (s *Store) GetHold(ctx context.Context, tenantID, holdID uuid.UUID) (*Hold, error) {
	var h Hold
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, session_id, start_at, end_at, expires_at, created_at
		FROM holds WHERE id = $1 AND tenant_id = $2
	`, holdID, tenantID).Scan(&h.ID, &h.TenantID, &h.SessionID, &h.Start, &h.End, &h.ExpiresAt, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("booking: load hold: %w", err)
	}
	return &h, nil
}

// ReleaseHold deletes a hold explicitly (user changed their mind).
func (s *Store) ReleaseHold(ctx context.Context, tenantID, holdID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM holds WHERE id = $1 AND tenant_id = $2`, holdID, tenantID)
	if err != nil {
		return fmt.Errorf("booking: release hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrHoldNotFound
	}
	return nil
}

// DeleteExpiredHolds removes every hold past expiry and returns them so the
// caller can emit per-hold expiry events.
func (s *Store) DeleteExpiredHolds(ctx context.Context, now time.Time) ([]Hold, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM holds WHERE expires_at <= $1
		RETURNING id, tenant_id, session_id, start_at, end_at, expires_at, created_at
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("booking: delete expired holds: %w", err)
	}
	defer rows.Close()

	var expired []Hold
	for rows.Next() {
		var h Hold
		if err := rows.Scan(&h.ID, &h.TenantID, &h.SessionID, &h.Start, &h.End, &h.ExpiresAt, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("booking: scan expired hold: %w", err)
		}
		expired = append(expired, h)
	}
	return expired, rows.Err()
}

// ConfirmRequest is the input to ConfirmFromHold. Phone must already be
// E.164 and email lowercased by the caller.
type ConfirmRequest struct {
	TenantID    uuid.UUID
	HoldID      uuid.UUID
	ClientName  string
	ClientEmail string
	ClientPhone string
	Service     string
	Timezone    string
}

// ConfirmFromHold transactionally converts a live hold into a confirmed
// appointment. The hold row is deleted in the same transaction so the slot
// never goes unprotected.
func (s *Store) ConfirmFromHold(ctx context.Context, req ConfirmRequest, now time.Time) (*Appointment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("booking: begin confirm: %w", err)
	}
	defer tx.Rollback(ctx)

	var h Hold
	err = tx.QueryRow(ctx, `
		SELECT id, tenant_id, session_id, start_at, end_at, expires_at
		FROM holds WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, req.HoldID, req.TenantID).Scan(&h.ID, &h.TenantID, &h.SessionID, &h.Start, &h.End, &h.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("booking: lock hold: %w", err)
	}
	if h.Expired(now) {
		return nil, ErrHoldExpired
	}

	appt := &Appointment{
		ID:          uuid.New(),
		TenantID:    req.TenantID,
		ClientName:  req.ClientName,
		ClientEmail: strings.ToLower(req.ClientEmail),
		ClientPhone: req.ClientPhone,
		Service:     req.Service,
		Start:       h.Start,
		End:         h.End,
		Timezone:    req.Timezone,
		Status:      StatusConfirmed,
	}

	// Reference codes are random; retry the insert on the rare collision.
	for attempt := 0; attempt < 3; attempt++ {
		appt.ReferenceCode, err = NewReferenceCode()
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO appointments (
				id, tenant_id, reference_code, client_name, client_email,
				client_phone, service, start_at, end_at, timezone, status
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, appt.ID, appt.TenantID, appt.ReferenceCode, appt.ClientName, appt.ClientEmail,
			appt.ClientPhone, appt.Service, appt.Start, appt.End, appt.Timezone, appt.Status)
		if err == nil {
			break
		}
		if isPgCode(err, uniqueViolation) && strings.Contains(err.Error(), "reference_code") {
			continue
		}
		if isPgCode(err, exclusionViolation) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("booking: insert appointment: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("booking: insert appointment: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM holds WHERE id = $1`, h.ID); err != nil {
		return nil, fmt.Errorf("booking: consume hold: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isPgCode(err, exclusionViolation) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("booking: commit confirm: %w", err)
	}
	return appt, nil
}

const apptColumns = `id, tenant_id, reference_code, client_name, client_email, client_phone,
		service, start_at, end_at, timezone, status, COALESCE(calendar_event_id, ''), created_at, updated_at`

// GetByReference loads any-status appointment by reference code,
// case-insensitive. Used by the cancel decider, which needs to see
// non-confirmed rows to collapse them into "not found".
func (s *Store) GetByReference(ctx context.Context, tenantID uuid.UUID, ref string) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments WHERE tenant_id = $1 AND reference_code = upper($2)
	`, tenantID, strings.TrimSpace(ref))
	return scanAppointment(row)
}

// GetByID loads an appointment scoped to the tenant.
func (s *Store) GetByID(ctx context.Context, tenantID, apptID uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments WHERE id = $1 AND tenant_id = $2
	`, apptID, tenantID)
	return scanAppointment(row)
}

// Lookup finds confirmed appointments by reference code and/or email.
func (s *Store) Lookup(ctx context.Context, tenantID uuid.UUID, ref, email string) ([]Appointment, error) {
	query := `
		SELECT ` + apptColumns + `
		FROM appointments
		WHERE tenant_id = $1 AND status = 'confirmed'
	`
	args := []any{tenantID}
	if ref != "" {
		args = append(args, strings.ToUpper(strings.TrimSpace(ref)))
		query += fmt.Sprintf(" AND reference_code = $%d", len(args))
	}
	if email != "" {
		args = append(args, strings.ToLower(strings.TrimSpace(email)))
		query += fmt.Sprintf(" AND client_email = $%d", len(args))
	}
	query += " ORDER BY start_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("booking: lookup: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *appt)
	}
	return out, rows.Err()
}

// Cancel transitions a confirmed appointment to cancelled.
func (s *Store) Cancel(ctx context.Context, tenantID, apptID uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE appointments SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status = 'confirmed'
		RETURNING `+apptColumns+`
	`, apptID, tenantID)
	return scanAppointment(row)
}

// Reschedule atomically moves an appointment onto a held slot, consuming
// the hold. The appointments exclusion constraint re-checks the new range.
func (s *Store) Reschedule(ctx context.Context, tenantID, apptID, newHoldID uuid.UUID, now time.Time) (*Appointment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("booking: begin reschedule: %w", err)
	}
	defer tx.Rollback(ctx)

	var h Hold
	err = tx.QueryRow(ctx, `
		SELECT id, tenant_id, start_at, end_at, expires_at
		FROM holds WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, newHoldID, tenantID).Scan(&h.ID, &h.TenantID, &h.Start, &h.End, &h.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("booking: lock hold: %w", err)
	}
	if h.Expired(now) {
		return nil, ErrHoldExpired
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments SET start_at = $3, end_at = $4, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status = 'confirmed'
		RETURNING `+apptColumns+`
	`, apptID, tenantID, h.Start, h.End)
	appt, err := scanAppointment(row)
	if err != nil {
		if isPgCode(err, exclusionViolation) {
			return nil, ErrSlotConflict
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM holds WHERE id = $1`, h.ID); err != nil {
		return nil, fmt.Errorf("booking: consume hold: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isPgCode(err, exclusionViolation) {
			return nil, ErrSlotConflict
		}
		return nil, fmt.Errorf("booking: commit reschedule: %w", err)
	}
	return appt, nil
}

// SetCalendarEventID records the external calendar event written for an
// appointment.
func (s *Store) SetCalendarEventID(ctx context.Context, apptID uuid.UUID, eventID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE appointments SET calendar_event_id = $2, updated_at = now() WHERE id = $1
	`, apptID, eventID)
	if err != nil {
		return fmt.Errorf("booking: set calendar event id: %w", err)
	}
	return nil
}

// ListConfirmedBetween returns confirmed appointments starting in [from, to).
func (s *Store) ListConfirmedBetween(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE tenant_id = $1 AND status = 'confirmed' AND start_at >= $2 AND start_at < $3
		ORDER BY start_at
	`, tenantID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("booking: list confirmed: %w", err)
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *appt)
	}
	return out, rows.Err()
}

// ConfirmedRanges satisfies the availability engine's conflict reader.
func (s *Store) ConfirmedRanges(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]calendar.BusyRange, error) {
	return s.rangeQuery(ctx, `
		SELECT start_at, end_at FROM appointments
		WHERE tenant_id = $1 AND status = 'confirmed' AND start_at < $3 AND end_at > $2
	`, tenantID, from, to)
}

// ActiveHoldRanges satisfies the availability engine's conflict reader.
func (s *Store) ActiveHoldRanges(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]calendar.BusyRange, error) {
	return s.rangeQuery(ctx, `
		SELECT start_at, end_at FROM holds
		WHERE tenant_id = $1 AND expires_at > now() AND start_at < $3 AND end_at > $2
	`, tenantID, from, to)
}

func (s *Store) rangeQuery(ctx context.Context, query string, tenantID uuid.UUID, from, to time.Time) ([]calendar.BusyRange, error) {
	rows, err := s.pool.Query(ctx, query, tenantID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("booking: range query: %w", err)
	}
	defer rows.Close()

	var out []calendar.BusyRange
	for rows.Next() {
		var r calendar.BusyRange
		if err := rows.Scan(&r.Start, &r.End); err != nil {
			return nil, fmt.Errorf("booking: scan range: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID, &a.TenantID, &a.ReferenceCode, &a.ClientName, &a.ClientEmail,
		&a.ClientPhone, &a.Service, &a.Start, &a.End, &a.Timezone, &a.Status,
		&a.CalendarEventID, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		if isPgCode(err, exclusionViolation) {
			return nil, err
		}
		return nil, fmt.Errorf("booking: scan appointment: %w", err)
	}
	return &a, nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
