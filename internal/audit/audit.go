// Package audit is the append-only compliance trail. Writes are
// best-effort: a failed audit insert is logged, never propagated, so it
// cannot break the operation being audited. Payloads must be pre-masked
// with the helpers in mask.go.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Entry is one audit event. EventType uses the dotted namespace
// (booking.created, sms.outbound_sent, ...).
type Entry struct {
	TenantID   uuid.UUID
	EventType  string
	EntityType string
	EntityID   string
	Actor      string
	Payload    map[string]any
}

// Recorder is the write-side interface components depend on.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Store persists audit entries in Postgres.
type Store struct {
	pool PgxPool
	log  *logging.Logger
}

func NewStore(pool PgxPool, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Default()
	}
	return &Store{pool: pool, log: log.Component("audit")}
}

// Record appends an entry. Failures are swallowed after logging.
func (s *Store) Record(ctx context.Context, e Entry) {
	if s == nil || s.pool == nil {
		return
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		s.log.Error("audit payload marshal failed", "event_type", e.EventType, "error", err.Error())
		return
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, tenant_id, event_type, entity_type, entity_id, actor, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), e.TenantID, e.EventType, e.EntityType, e.EntityID, e.Actor, payload)
	if err != nil {
		s.log.Error("audit write failed", "event_type", e.EventType, "error", fmt.Sprintf("%v", err))
	}
}

// Nop is a Recorder that discards everything; used in tests.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}
