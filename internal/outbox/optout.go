package outbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// stopPattern matches carrier-standard opt-out keywords as the entire
// trimmed message.
var stopPattern = regexp.MustCompile(`(?i)^\s*(stop|stopall|unsubscribe|cancel|end|quit)\s*$`)

// startPattern matches opt-back-in keywords.
var startPattern = regexp.MustCompile(`(?i)^\s*(start|unstop|yes)\s*$`)

// IsStopMessage reports whether an inbound SMS is an opt-out request.
func IsStopMessage(body string) bool {
	return stopPattern.MatchString(body)
}

// IsStartMessage reports whether an inbound SMS re-enables messaging.
func IsStartMessage(body string) bool {
	return startPattern.MatchString(body)
}

// OptOutStore tracks per-tenant opted-out numbers.
type OptOutStore struct {
	pool PgxPool
	log  *logging.Logger
}

func NewOptOutStore(pool PgxPool, log *logging.Logger) *OptOutStore {
	if log == nil {
		log = logging.Default()
	}
	return &OptOutStore{pool: pool, log: log.Component("optout")}
}

// Add records an opt-out. Idempotent.
func (s *OptOutStore) Add(ctx context.Context, tenantID uuid.UUID, phone string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO opt_outs (tenant_id, phone) VALUES ($1, $2)
		ON CONFLICT (tenant_id, phone) DO NOTHING
	`, tenantID, strings.TrimSpace(phone))
	if err != nil {
		return fmt.Errorf("outbox: record opt-out: %w", err)
	}
	return nil
}

// Remove lifts an opt-out after a START message.
func (s *OptOutStore) Remove(ctx context.Context, tenantID uuid.UUID, phone string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM opt_outs WHERE tenant_id = $1 AND phone = $2
	`, tenantID, strings.TrimSpace(phone))
	if err != nil {
		return fmt.Errorf("outbox: remove opt-out: %w", err)
	}
	return nil
}

// IsOptedOut checks the list. Store failures are recovered locally as
// "not opted out" so a degraded database cannot silently drop
// transactional sends; the error is logged for ops.
func (s *OptOutStore) IsOptedOut(ctx context.Context, tenantID uuid.UUID, phone string) bool {
	var optedOut bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM opt_outs WHERE tenant_id = $1 AND phone = $2)
	`, tenantID, strings.TrimSpace(phone)).Scan(&optedOut)
	if err != nil {
		s.log.Error("opt-out lookup failed", "error", err.Error())
		return false
	}
	return optedOut
}
