package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/observability/metrics"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

const (
	defaultBatchSize      = 25
	defaultInterval       = 15 * time.Second
	defaultRetryBaseDelay = 5 * time.Minute
	maxRetryDelay         = 24 * time.Hour
	rateLimitBackoff      = 10 * time.Minute
)

// TenantResolver loads the tenant profile for quiet-hours evaluation.
type TenantResolver interface {
	GetByID(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
}

// Worker drains the outbox: it leases due messages, runs the pre-send
// compliance guards, and hands the survivors to the carrier with
// attempts-based retry.
type Worker struct {
	store     *Store
	sender    Sender
	optOuts   *OptOutStore
	rateLimit *RateLimiter
	tenants   TenantResolver
	auditor   audit.Recorder
	metrics   *metrics.Metrics
	clk       *clock.Clock
	log       *logging.Logger

	batchSize int
	interval  time.Duration
	baseDelay time.Duration
}

type WorkerOption func(*Worker)

func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithRetryBaseDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.baseDelay = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

func NewWorker(store *Store, sender Sender, optOuts *OptOutStore, rateLimit *RateLimiter,
	tenants TenantResolver, auditor audit.Recorder, clk *clock.Clock, log *logging.Logger,
	opts ...WorkerOption) *Worker {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if log == nil {
		log = logging.Default()
	}
	w := &Worker{
		store:     store,
		sender:    sender,
		optOuts:   optOuts,
		rateLimit: rateLimit,
		tenants:   tenants,
		auditor:   auditor,
		clk:       clk,
		log:       log.Component("outbox_worker"),
		batchSize: defaultBatchSize,
		interval:  defaultInterval,
		baseDelay: defaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("outbox worker started", "interval", w.interval.String(), "batch_size", w.batchSize)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("outbox worker stopped")
			return
		case <-ticker.C:
			if n, err := w.ProcessOnce(ctx); err != nil {
				w.log.Error("outbox pass failed", "error", err.Error())
			} else if n > 0 {
				w.log.Info("outbox pass complete", "processed", n)
			}
		}
	}
}

// ProcessOnce claims and works one batch, returning how many messages it
// handled.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	now := w.clk.Now()
	batch, err := w.store.ClaimBatch(ctx, w.batchSize, now)
	if err != nil {
		return 0, err
	}
	for i := range batch {
		w.process(ctx, &batch[i])
	}
	return len(batch), nil
}

// process runs one message through the guards and, if it survives, the
// carrier. Guard order matters: opt-out is terminal, quiet hours and
// rate limiting defer without consuming an attempt.
func (w *Worker) process(ctx context.Context, m *Message) {
	now := w.clk.Now()

	if w.optOuts != nil && w.optOuts.IsOptedOut(ctx, m.TenantID, m.ToPhone) {
		if err := w.store.Abort(ctx, m.ID, "opted_out"); err != nil {
			w.log.Error("abort failed", "message_id", m.ID.String(), "error", err.Error())
			return
		}
		w.auditor.Record(ctx, audit.Entry{
			TenantID:   m.TenantID,
			EventType:  "sms.aborted_opt_out",
			EntityType: "outbox_message",
			EntityID:   m.ID.String(),
			Actor:      "outbox_worker",
			Payload: map[string]any{
				"message_type": m.MessageType,
				"phone_last4":  audit.MaskPhone(m.ToPhone),
			},
		})
		w.metrics.ObserveSMS("aborted_opt_out", false)
		return
	}

	if quiet, ok := w.quietHours(ctx, m.TenantID); ok && quiet.Active(now) {
		runAt := quiet.NextOpen(now)
		if err := w.store.Reschedule(ctx, m.ID, runAt); err != nil {
			w.log.Error("quiet-hours reschedule failed", "message_id", m.ID.String(), "error", err.Error())
			return
		}
		w.log.Info("deferred for quiet hours",
			"message_id", m.ID.String(), "run_at", runAt.Format(time.RFC3339))
		w.metrics.ObserveSMS("deferred_quiet_hours", false)
		return
	}

	if w.rateLimit != nil {
		allowed, err := w.rateLimit.Allow(ctx, m.TenantID, m.ToPhone, now)
		if err != nil {
			// Limiter outage: defer briefly rather than guessing.
			w.log.Error("rate limit check failed", "message_id", m.ID.String(), "error", err.Error())
			_ = w.store.Reschedule(ctx, m.ID, now.Add(time.Minute))
			return
		}
		if !allowed {
			runAt := now.Add(rateLimitBackoff)
			if err := w.store.Reschedule(ctx, m.ID, runAt); err != nil {
				w.log.Error("rate-limit reschedule failed", "message_id", m.ID.String(), "error", err.Error())
				return
			}
			w.log.Warn("deferred for per-phone rate limit",
				"message_id", m.ID.String(), "phone_last4", audit.MaskPhone(m.ToPhone))
			w.metrics.ObserveSMS("deferred_rate_limit", false)
			return
		}
	}

	w.auditor.Record(ctx, audit.Entry{
		TenantID:   m.TenantID,
		EventType:  "sms.outbound_attempted",
		EntityType: "outbox_message",
		EntityID:   m.ID.String(),
		Actor:      "outbox_worker",
		Payload: map[string]any{
			"message_type": m.MessageType,
			"phone_last4":  audit.MaskPhone(m.ToPhone),
			"attempt":      m.Attempts + 1,
			"booking_ref":  m.BookingRef,
		},
	})

	result, sendErr := w.sender.Send(ctx, m.ToPhone, m.Body)
	if sendErr != nil {
		w.handleFailure(ctx, m, sendErr)
		return
	}

	if err := w.store.MarkSent(ctx, m.ID, result.SID); err != nil {
		w.log.Error("mark sent failed", "message_id", m.ID.String(), "error", err.Error())
		return
	}
	if w.rateLimit != nil {
		if err := w.rateLimit.Record(ctx, m.TenantID, m.ToPhone, now); err != nil {
			w.log.Error("rate limit record failed", "message_id", m.ID.String(), "error", err.Error())
		}
	}
	w.auditor.Record(ctx, audit.Entry{
		TenantID:   m.TenantID,
		EventType:  "sms.outbound_sent",
		EntityType: "outbox_message",
		EntityID:   m.ID.String(),
		Actor:      "outbox_worker",
		Payload: map[string]any{
			"message_type": m.MessageType,
			"phone_last4":  audit.MaskPhone(m.ToPhone),
			"provider_sid": audit.MaskSID(result.SID),
			"simulated":    result.Simulated,
		},
	})
	w.metrics.ObserveSMS("sent", result.Simulated)
}

func (w *Worker) handleFailure(ctx context.Context, m *Message, sendErr error) {
	category := Categorize(sendErr)
	code := ""
	if se, ok := asSendError(sendErr); ok {
		code = se.Code
	}
	attempt := m.Attempts + 1

	if attempt < m.MaxAttempts {
		delay := w.baseDelay * (1 << m.Attempts)
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		runAt := w.clk.Now().Add(delay)
		if err := w.store.ScheduleRetry(ctx, m.ID, runAt, sendErr.Error()); err != nil {
			w.log.Error("schedule retry failed", "message_id", m.ID.String(), "error", err.Error())
			return
		}
		w.log.Warn("send failed, retry scheduled",
			"message_id", m.ID.String(),
			"attempt", attempt,
			"max_attempts", m.MaxAttempts,
			"error_category", category,
			"error_code", code,
			"run_at", runAt.Format(time.RFC3339))
		w.metrics.ObserveSMS("retry_scheduled", false)
		return
	}

	if err := w.store.MarkFailed(ctx, m.ID, sendErr.Error(), code); err != nil {
		w.log.Error("mark failed failed", "message_id", m.ID.String(), "error", err.Error())
		return
	}
	w.auditor.Record(ctx, audit.Entry{
		TenantID:   m.TenantID,
		EventType:  "sms.outbound_failed",
		EntityType: "outbox_message",
		EntityID:   m.ID.String(),
		Actor:      "outbox_worker",
		Payload: map[string]any{
			"message_type":   m.MessageType,
			"phone_last4":    audit.MaskPhone(m.ToPhone),
			"attempts":       attempt,
			"error_category": category,
			"error_code":     code,
		},
	})
	w.log.Error("send failed permanently",
		"message_id", m.ID.String(),
		"attempts", attempt,
		"error_category", category,
		"error_code", code)
	w.metrics.ObserveSMS("failed", false)
}

// quietHours loads the tenant's window. A missing tenant or unparsable
// window disables the guard for this message rather than blocking sends.
func (w *Worker) quietHours(ctx context.Context, tenantID uuid.UUID) (QuietHours, bool) {
	if w.tenants == nil {
		return QuietHours{}, false
	}
	t, err := w.tenants.GetByID(ctx, tenantID)
	if err != nil {
		w.log.Error("tenant lookup for quiet hours failed", "tenant_id", tenantID.String(), "error", err.Error())
		return QuietHours{}, false
	}
	q, err := ParseQuietHours(t.QuietHoursStart, t.QuietHoursEnd, t.Location())
	if err != nil {
		w.log.Error("invalid tenant quiet hours", "tenant_id", tenantID.String(), "error", err.Error())
		return QuietHours{}, false
	}
	return q, true
}

func asSendError(err error) (*SendError, bool) {
	var se *SendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
