package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/internal/chat"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/outbox"
	"github.com/bridgetown-labs/ai-receptionist/internal/session"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
)

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
	t.Fatalf("no audit entry with event type %s", eventType)
	return audit.Entry{}
}

func newCarrierHandler(t *testing.T, mock pgxmock.PgxPoolIface, rec *captureRecorder, sig SignatureConfig) *CarrierHandler {
	t.Helper()
	sessions := session.NewStore(mock)
	router := chat.NewRouter(sessions, chat.NewFAQ(), nil, nil, false, clock.NewFrozen(apiNow), nil)
	return NewCarrierHandler(tenant.NewStore(mock), outbox.NewStore(mock),
		outbox.NewOptOutStore(mock, nil), sessions, router, rec, sig, nil)
}

func postForm(handler http.Handler, path string, form url.Values, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func outboxMessageRows(id, tenantID uuid.UUID, sid, status string) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "tenant_id", "to_phone", "body", "message_type", "booking_ref",
		"status", "attempts", "max_attempts", "last_error", "provider_sid",
		"provider_status", "provider_error_code", "run_at", "created_at",
	}).AddRow(
		id, tenantID, "+15551234567", "Your appointment is confirmed.", outbox.TypeBookingConfirmation, "APT-K3N7PQ",
		"sent", 1, outbox.DefaultMaxAttempts, "", sid,
		status, "", apiNow, apiNow,
	)
}

func TestStatusCallbackUpdatesMessage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	msgID := uuid.New()
	tenantID := uuid.New()
	mock.ExpectQuery("UPDATE outbox_messages").
		WithArgs("SM12345678", "delivered", "").
		WillReturnRows(outboxMessageRows(msgID, tenantID, "SM12345678", "delivered"))

	rec := &captureRecorder{}
	h := newCarrierHandler(t, mock, rec, SignatureConfig{})
	r := New(&Config{Carrier: h})

	resp := postForm(r, "/webhooks/carrier/status", url.Values{
		"MessageSid":    {"SM12345678"},
		"MessageStatus": {"delivered"},
	}, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}

	entry := rec.last(t, "sms.provider_status_update")
	if entry.TenantID != tenantID || entry.EntityID != msgID.String() {
		t.Fatalf("audit entry = %+v", entry)
	}
	if entry.Payload["status"] != "delivered" {
		t.Fatalf("audit payload = %+v", entry.Payload)
	}
	if sid, _ := entry.Payload["provider_sid"].(string); strings.Contains(sid, "12345678") {
		t.Fatalf("audit payload leaks the full SID: %q", sid)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStatusCallbackUnknownSIDStillAcks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("UPDATE outbox_messages").
		WithArgs("SMunknown", "delivered", "").
		WillReturnError(pgx.ErrNoRows)

	h := newCarrierHandler(t, mock, &captureRecorder{}, SignatureConfig{})
	r := New(&Config{Carrier: h})

	resp := postForm(r, "/webhooks/carrier/status", url.Values{
		"MessageSid":    {"SMunknown"},
		"MessageStatus": {"delivered"},
	}, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 so the carrier stops retrying", resp.Code)
	}
}

// Non-2xx makes the carrier retry, and a malformed or failing callback
// never becomes processable, so everything past the signature check acks.
func TestStatusCallbackAlwaysAcks(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	h := newCarrierHandler(t, mock, &captureRecorder{}, SignatureConfig{})
	r := New(&Config{Carrier: h})

	// Missing MessageStatus.
	resp := postForm(r, "/webhooks/carrier/status", url.Values{
		"MessageSid": {"SM12345678"},
	}, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("missing field: status = %d, want 200", resp.Code)
	}

	// Store failure.
	mock.ExpectQuery("UPDATE outbox_messages").
		WithArgs("SM12345678", "delivered", "").
		WillReturnError(context.DeadlineExceeded)
	resp = postForm(r, "/webhooks/carrier/status", url.Values{
		"MessageSid":    {"SM12345678"},
		"MessageStatus": {"delivered"},
	}, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("store error: status = %d, want 200", resp.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStatusCallbackSignature(t *testing.T) {
	sig := SignatureConfig{AuthToken: "tok-secret", BaseURL: "https://api.example.com", Enforce: true}
	form := url.Values{
		"MessageSid":    {"SM12345678"},
		"MessageStatus": {"delivered"},
	}

	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	h := newCarrierHandler(t, mock, &captureRecorder{}, sig)
	r := New(&Config{Carrier: h})

	// Unsigned requests are rejected outright.
	resp := postForm(r, "/webhooks/carrier/status", form, nil)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("unsigned: status = %d, want 403", resp.Code)
	}

	// A correctly signed request goes through to the store.
	msgID := uuid.New()
	mock.ExpectQuery("UPDATE outbox_messages").
		WithArgs("SM12345678", "delivered", "").
		WillReturnRows(outboxMessageRows(msgID, uuid.New(), "SM12345678", "delivered"))

	payload := buildSignaturePayload("https://api.example.com/webhooks/carrier/status", form)
	resp = postForm(r, "/webhooks/carrier/status", form, map[string]string{
		"X-Carrier-Signature": computeSignature(payload, "tok-secret"),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("signed: status = %d, body = %s", resp.Code, resp.Body.String())
	}

	// Tampering with the body invalidates the signature.
	tampered := url.Values{
		"MessageSid":    {"SM12345678"},
		"MessageStatus": {"failed"},
	}
	resp = postForm(r, "/webhooks/carrier/status", tampered, map[string]string{
		"X-Carrier-Signature": computeSignature(payload, "tok-secret"),
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("tampered: status = %d, want 403", resp.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInboundStopRecordsOptOut(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := apiTenant()
	expectTenantBySlug(t, mock, tn)
	mock.ExpectExec("INSERT INTO opt_outs").
		WithArgs(tn.ID, "+15551234567").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := &captureRecorder{}
	h := newCarrierHandler(t, mock, rec, SignatureConfig{})
	r := New(&Config{Carrier: h})

	resp := postForm(r, "/webhooks/carrier/harbor/sms", url.Values{
		"From": {"(555) 123-4567"},
		"Body": {"STOP"},
	}, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}
	if strings.Contains(resp.Body.String(), "<Message>") {
		t.Fatalf("STOP must not trigger an app-level reply: %s", resp.Body.String())
	}

	entry := rec.last(t, "sms.opt_out")
	if entry.TenantID != tn.ID {
		t.Fatalf("audit entry = %+v", entry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInboundStartLiftsOptOut(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := apiTenant()
	expectTenantBySlug(t, mock, tn)
	mock.ExpectExec("DELETE FROM opt_outs").
		WithArgs(tn.ID, "+15551234567").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	h := newCarrierHandler(t, mock, &captureRecorder{}, SignatureConfig{})
	r := New(&Config{Carrier: h})

	resp := postForm(r, "/webhooks/carrier/harbor/sms", url.Values{
		"From": {"+15551234567"},
		"Body": {"START"},
	}, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "resubscribed") {
		t.Fatalf("START reply = %s", resp.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInboundMessageRunsChatTurn(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := apiTenant()
	sessionID := uuid.New()
	expectTenantBySlug(t, mock, tn)

	// Not opted out.
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(tn.ID, "+15551234567").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	expectSessionUpsert(mock, tn, sessionID, session.ChannelSMS, "+15551234567")
	// First contact pins the reply-to number on the session.
	mock.ExpectExec("UPDATE sessions SET metadata").
		WithArgs(sessionID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAppend(mock, sessionID, "user")
	expectAppend(mock, sessionID, "assistant")

	h := newCarrierHandler(t, mock, &captureRecorder{}, SignatureConfig{})
	r := New(&Config{Carrier: h})

	resp := postForm(r, "/webhooks/carrier/harbor/sms", url.Values{
		"From": {"+15551234567"},
		"Body": {"What are your hours?"},
	}, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "Monday 09:00-17:00") {
		t.Fatalf("reply = %s", resp.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInboundOptedOutNumberGetsNoReply(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := apiTenant()
	expectTenantBySlug(t, mock, tn)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(tn.ID, "+15551234567").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	h := newCarrierHandler(t, mock, &captureRecorder{}, SignatureConfig{})
	r := New(&Config{Carrier: h})

	resp := postForm(r, "/webhooks/carrier/harbor/sms", url.Values{
		"From": {"+15551234567"},
		"Body": {"hello?"},
	}, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	if strings.Contains(resp.Body.String(), "<Message>") {
		t.Fatalf("opted-out number still got a reply: %s", resp.Body.String())
	}
}
