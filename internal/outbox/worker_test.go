package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
)

// Monday 2026-03-02 13:00 ET, well outside any quiet-hours window.
var workerNow = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

type captureRecorder struct {
	entries []audit.Entry
}

func (c *captureRecorder) Record(_ context.Context, e audit.Entry) {
	c.entries = append(c.entries, e)
}

func (c *captureRecorder) last(t *testing.T, eventType string) audit.Entry {
	t.Helper()
	for i := len(c.entries) - 1; i >= 0; i-- {
		if c.entries[i].EventType == eventType {
			return c.entries[i]
		}
	}
	t.Fatalf("no audit entry with event type %q (have %d entries)", eventType, len(c.entries))
	return audit.Entry{}
}

type stubSender struct {
	result *SendResult
	err    error
	calls  int
}

func (s *stubSender) Send(context.Context, string, string) (*SendResult, error) {
	s.calls++
	return s.result, s.err
}

type stubTenants struct {
	t *tenant.Tenant
}

func (s *stubTenants) GetByID(context.Context, uuid.UUID) (*tenant.Tenant, error) {
	if s.t == nil {
		return nil, errors.New("tenant not found")
	}
	return s.t, nil
}

func expectClaim(mock pgxmock.PgxPoolIface, m Message) {
	mock.ExpectQuery("UPDATE outbox_messages SET status = 'sending'").
		WithArgs(workerNow, defaultBatchSize).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "tenant_id", "to_phone", "body", "message_type", "booking_ref",
			"status", "attempts", "max_attempts", "last_error", "provider_sid",
			"provider_status", "provider_error_code", "run_at", "created_at",
		}).AddRow(m.ID, m.TenantID, m.ToPhone, m.Body, m.MessageType, m.BookingRef,
			StatusSending, m.Attempts, m.MaxAttempts, "", "", "", "", m.RunAt, m.CreatedAt))
}

func pendingMessage(attempts int) Message {
	return Message{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		ToPhone:     "+15551234567",
		Body:        "Confirmed: Consultation on Tue, Mar 3 at 2:00 PM. Ref: APT-K3N7PQ.",
		MessageType: TypeBookingConfirmation,
		BookingRef:  "APT-K3N7PQ",
		Attempts:    attempts,
		MaxAttempts: 3,
		RunAt:       workerNow.Add(-time.Minute),
		CreatedAt:   workerNow.Add(-time.Minute),
	}
}

func newTestWorker(mock pgxmock.PgxPoolIface, sender Sender, tenants TenantResolver, rec audit.Recorder, opts ...WorkerOption) *Worker {
	return NewWorker(NewStore(mock), sender, nil, nil, tenants, rec,
		clock.NewFrozen(workerNow), nil, opts...)
}

func TestProcessOnceSendsAndAudits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	msg := pendingMessage(0)
	expectClaim(mock, msg)
	mock.ExpectExec("UPDATE outbox_messages").
		WithArgs(msg.ID, "SM1234567890abcdef").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	sender := &stubSender{result: &SendResult{SID: "SM1234567890abcdef"}}
	rec := &captureRecorder{}
	w := newTestWorker(mock, sender, &stubTenants{}, rec)

	n, err := w.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed = %d, want 1", n)
	}
	if sender.calls != 1 {
		t.Fatalf("sender calls = %d, want 1", sender.calls)
	}

	attempted := rec.last(t, "sms.outbound_attempted")
	if attempted.Payload["phone_last4"] != "***4567" {
		t.Fatalf("attempted phone_last4 = %v, want masked", attempted.Payload["phone_last4"])
	}
	sent := rec.last(t, "sms.outbound_sent")
	if sent.Payload["provider_sid"] != "***cdef" {
		t.Fatalf("sent provider_sid = %v, want masked SID", sent.Payload["provider_sid"])
	}
	if sent.Payload["simulated"] != false {
		t.Fatalf("sent simulated = %v, want false", sent.Payload["simulated"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInvalidNumberRetriesWithBackoff(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	msg := pendingMessage(0)
	expectClaim(mock, msg)
	// First failure schedules a retry at base delay, attempts go 0 -> 1.
	mock.ExpectExec("UPDATE outbox_messages").
		WithArgs(msg.ID, workerNow.Add(5*time.Minute), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	sender := &stubSender{err: &SendError{Code: "21211", HTTPStatus: 400, Message: "invalid 'To' number"}}
	rec := &captureRecorder{}
	w := newTestWorker(mock, sender, &stubTenants{}, rec, WithRetryBaseDelay(5*time.Minute))

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, e := range rec.entries {
		if e.EventType == "sms.outbound_failed" {
			t.Fatal("first attempt must retry, not fail permanently")
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInvalidNumberFailsAtMaxAttempts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	msg := pendingMessage(2) // third and final attempt
	expectClaim(mock, msg)
	mock.ExpectExec("UPDATE outbox_messages").
		WithArgs(msg.ID, pgxmock.AnyArg(), "21211").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	sender := &stubSender{err: &SendError{Code: "21211", HTTPStatus: 400, Message: "invalid 'To' number"}}
	rec := &captureRecorder{}
	w := newTestWorker(mock, sender, &stubTenants{}, rec)

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	failed := rec.last(t, "sms.outbound_failed")
	if failed.Payload["error_category"] != CategoryInvalidNumber {
		t.Fatalf("error_category = %v, want %q", failed.Payload["error_category"], CategoryInvalidNumber)
	}
	if failed.Payload["error_code"] != "21211" {
		t.Fatalf("error_code = %v, want 21211", failed.Payload["error_code"])
	}
	if failed.Payload["attempts"] != 3 {
		t.Fatalf("attempts = %v, want 3", failed.Payload["attempts"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQuietHoursDefersWithoutConsumingAttempt(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	// 22:00 ET on Mar 2, inside a 21:00-09:00 window. The message should
	// move to 09:00 ET the next morning, which is 14:00 UTC.
	quietNow := time.Date(2026, 3, 3, 3, 0, 0, 0, time.UTC)
	wantRunAt := time.Date(2026, 3, 3, 14, 0, 0, 0, time.UTC)

	msg := pendingMessage(0)
	mock.ExpectQuery("UPDATE outbox_messages SET status = 'sending'").
		WithArgs(quietNow, defaultBatchSize).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "tenant_id", "to_phone", "body", "message_type", "booking_ref",
			"status", "attempts", "max_attempts", "last_error", "provider_sid",
			"provider_status", "provider_error_code", "run_at", "created_at",
		}).AddRow(msg.ID, msg.TenantID, msg.ToPhone, msg.Body, msg.MessageType, msg.BookingRef,
			StatusSending, msg.Attempts, msg.MaxAttempts, "", "", "", "", msg.RunAt, msg.CreatedAt))
	mock.ExpectExec("UPDATE outbox_messages SET status = 'pending', run_at").
		WithArgs(msg.ID, wantRunAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	sender := &stubSender{result: &SendResult{SID: "SM_should_not_send"}}
	tenants := &stubTenants{t: &tenant.Tenant{
		Timezone:        "America/New_York",
		QuietHoursStart: "21:00",
		QuietHoursEnd:   "09:00",
	}}
	rec := &captureRecorder{}
	w := NewWorker(NewStore(mock), sender, nil, nil, tenants, rec,
		clock.NewFrozen(quietNow), nil)

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.calls != 0 {
		t.Fatalf("sender calls = %d, want 0 during quiet hours", sender.calls)
	}
	if len(rec.entries) != 0 {
		t.Fatalf("audit entries = %d, want none for a deferral", len(rec.entries))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOptedOutNumberAborts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	msg := pendingMessage(0)
	expectClaim(mock, msg)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(msg.TenantID, msg.ToPhone).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("UPDATE outbox_messages SET status = 'aborted'").
		WithArgs(msg.ID, "opted_out").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	sender := &stubSender{result: &SendResult{SID: "SM_should_not_send"}}
	rec := &captureRecorder{}
	w := NewWorker(NewStore(mock), sender, NewOptOutStore(mock, nil), nil,
		&stubTenants{}, rec, clock.NewFrozen(workerNow), nil)

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.calls != 0 {
		t.Fatalf("sender calls = %d, want 0 for opted-out number", sender.calls)
	}
	aborted := rec.last(t, "sms.aborted_opt_out")
	if aborted.EntityID != msg.ID.String() {
		t.Fatalf("audit entity = %s, want message id", aborted.EntityID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
