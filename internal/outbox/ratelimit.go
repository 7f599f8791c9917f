package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RateLimiter enforces a per-phone hourly send ceiling backed by the
// database, so the limit holds across worker restarts and replicas.
type RateLimiter struct {
	pool    PgxPool
	perHour int
}

func NewRateLimiter(pool PgxPool, perHour int) *RateLimiter {
	if perHour <= 0 {
		perHour = 10
	}
	return &RateLimiter{pool: pool, perHour: perHour}
}

// Allow reports whether another send to the phone fits under the ceiling.
func (r *RateLimiter) Allow(ctx context.Context, tenantID uuid.UUID, phone string, now time.Time) (bool, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM sms_rate_events
		WHERE tenant_id = $1 AND phone = $2 AND sent_at > $3
	`, tenantID, phone, now.UTC().Add(-time.Hour)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("outbox: rate limit count: %w", err)
	}
	return count < r.perHour, nil
}

// Record logs a send against the ceiling.
func (r *RateLimiter) Record(ctx context.Context, tenantID uuid.UUID, phone string, now time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sms_rate_events (tenant_id, phone, sent_at) VALUES ($1, $2, $3)
	`, tenantID, phone, now.UTC())
	if err != nil {
		return fmt.Errorf("outbox: rate limit record: %w", err)
	}
	return nil
}
