package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/bridgetown-labs/ai-receptionist/internal/chat"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/session"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
)

// Monday, March 2 2026, 1:00 PM Eastern.
var apiNow = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

func apiTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:                  uuid.New(),
		Name:                "Harbor Wellness",
		Slug:                "harbor",
		Timezone:            "America/New_York",
		SlotDurationMinutes: 30,
		Services: []tenant.Service{
			{Name: "Consultation", DurationMinutes: 30, PriceCents: 5000},
		},
		Hours: map[string]tenant.DayHours{
			"monday":    {Open: "09:00", Close: "17:00"},
			"tuesday":   {Open: "09:00", Close: "17:00"},
			"wednesday": {Open: "09:00", Close: "17:00"},
			"thursday":  {Open: "09:00", Close: "17:00"},
			"friday":    {Open: "09:00", Close: "17:00"},
		},
	}
}

// expectTenantBySlug matches the slug lookup and returns tn.
func expectTenantBySlug(t *testing.T, mock pgxmock.PgxPoolIface, tn *tenant.Tenant) {
	t.Helper()
	hours, err := json.Marshal(tn.Hours)
	if err != nil {
		t.Fatalf("marshal hours: %v", err)
	}
	services, err := json.Marshal(tn.Services)
	if err != nil {
		t.Fatalf("marshal services: %v", err)
	}
	rows := pgxmock.NewRows([]string{
		"id", "name", "slug", "timezone", "slot_duration_minutes", "hours", "services",
		"catalog_mode", "calendar_id", "calendar_credential", "quiet_hours_start",
		"quiet_hours_end", "demo_mode", "created_at", "updated_at",
	}).AddRow(
		tn.ID, tn.Name, tn.Slug, tn.Timezone, tn.SlotDurationMinutes, hours, services,
		tn.CatalogMode, "", "", "", "", false, apiNow, apiNow,
	)
	mock.ExpectQuery("SELECT id, name, slug, timezone").
		WithArgs(tn.Slug).
		WillReturnRows(rows)
}

// expectSessionUpsert matches GetOrCreate and returns a fresh web session.
func expectSessionUpsert(mock pgxmock.PgxPoolIface, tn *tenant.Tenant, sessionID uuid.UUID, channel, externalID string) {
	rows := pgxmock.NewRows([]string{
		"id", "tenant_id", "customer_id", "channel", "external_id", "email_verified",
		"verified_email", "metadata", "message_count", "booking_count", "created_at", "updated_at",
	}).AddRow(
		sessionID, tn.ID, nil, channel, externalID, false,
		"", []byte("{}"), 0, 0, apiNow.Add(-time.Minute), apiNow,
	)
	mock.ExpectQuery("INSERT INTO sessions").
		WithArgs(pgxmock.AnyArg(), tn.ID, channel, externalID).
		WillReturnRows(rows)
}

// expectAppend matches the two statements AppendMessage issues.
func expectAppend(mock pgxmock.PgxPoolIface, sessionID uuid.UUID, role string) {
	mock.ExpectExec("INSERT INTO session_messages").
		WithArgs(pgxmock.AnyArg(), sessionID, role, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE sessions SET message_count").
		WithArgs(sessionID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
}

func newChatHandler(t *testing.T, mock pgxmock.PgxPoolIface) *ChatHandler {
	t.Helper()
	clk := clock.NewFrozen(apiNow)
	sessions := session.NewStore(mock)
	signer, err := session.NewTokenSigner("test-secret", time.Hour, clk)
	if err != nil {
		t.Fatalf("NewTokenSigner() error: %v", err)
	}
	// No agent loop wired: these tests only exercise deterministic routes.
	router := chat.NewRouter(sessions, chat.NewFAQ(), nil, nil, false, clk, nil)
	return NewChatHandler(tenant.NewStore(mock), sessions, router, signer, false, nil)
}

func serveChat(h *ChatHandler, slug, body string) *httptest.ResponseRecorder {
	r := New(&Config{Chat: h})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/"+slug+"/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestChatMessageCreatesSessionAndReplies(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := apiTenant()
	sessionID := uuid.New()
	expectTenantBySlug(t, mock, tn)
	expectSessionUpsert(mock, tn, sessionID, session.ChannelWeb, "visitor-1")
	expectAppend(mock, sessionID, "user")
	expectAppend(mock, sessionID, "assistant")

	h := newChatHandler(t, mock)
	rec := serveChat(h, "harbor", `{"message": "What are your hours?", "external_id": "visitor-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != sessionID.String() {
		t.Fatalf("session_id = %q, want %q", resp.SessionID, sessionID)
	}
	if !strings.Contains(resp.Reply, "Monday 09:00-17:00") {
		t.Fatalf("reply = %q", resp.Reply)
	}
	if resp.SessionToken == "" {
		t.Fatal("expected a session token in the response")
	}
	claims, err := h.signer.Verify(resp.SessionToken)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.SessionID != sessionID || claims.TenantID != tn.ID {
		t.Fatalf("token claims = %+v", claims)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChatMessagePinsClientTimezone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := apiTenant()
	sessionID := uuid.New()
	expectTenantBySlug(t, mock, tn)
	expectSessionUpsert(mock, tn, sessionID, session.ChannelWeb, "visitor-1")
	mock.ExpectExec("UPDATE sessions SET metadata").
		WithArgs(sessionID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAppend(mock, sessionID, "user")
	expectAppend(mock, sessionID, "assistant")

	h := newChatHandler(t, mock)
	rec := serveChat(h, "harbor", `{"message": "What are your hours?", "external_id": "visitor-1", "client_tz": "America/Los_Angeles"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// A garbage zone never reaches the session; the mock would reject the
// unexpected metadata write.
func TestChatMessageIgnoresInvalidClientTimezone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := apiTenant()
	sessionID := uuid.New()
	expectTenantBySlug(t, mock, tn)
	expectSessionUpsert(mock, tn, sessionID, session.ChannelWeb, "visitor-1")
	expectAppend(mock, sessionID, "user")
	expectAppend(mock, sessionID, "assistant")

	h := newChatHandler(t, mock)
	rec := serveChat(h, "harbor", `{"message": "What are your hours?", "external_id": "visitor-1", "client_tz": "Not/AZone"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChatMessageResumesSessionFromToken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := apiTenant()
	sessionID := uuid.New()
	h := newChatHandler(t, mock)
	token, err := h.signer.Issue(tn.ID, sessionID, nil)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	expectTenantBySlug(t, mock, tn)
	rows := pgxmock.NewRows([]string{
		"id", "tenant_id", "customer_id", "channel", "external_id", "email_verified",
		"verified_email", "metadata", "message_count", "booking_count", "created_at", "updated_at",
	}).AddRow(
		sessionID, tn.ID, nil, session.ChannelWeb, "visitor-1", false,
		"", []byte("{}"), 2, 0, apiNow.Add(-time.Hour), apiNow,
	)
	mock.ExpectQuery("SELECT id, tenant_id, customer_id").
		WithArgs(sessionID, tn.ID).
		WillReturnRows(rows)
	expectAppend(mock, sessionID, "user")
	expectAppend(mock, sessionID, "assistant")

	rec := serveChat(h, "harbor", `{"message": "What are your hours?", "session_token": "`+token+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChatMessageRejectsBadToken(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := apiTenant()
	expectTenantBySlug(t, mock, tn)

	h := newChatHandler(t, mock)
	rec := serveChat(h, "harbor", `{"message": "hi", "session_token": "not.a-token"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestChatMessageRejectsTokenForOtherTenant(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := apiTenant()
	expectTenantBySlug(t, mock, tn)

	h := newChatHandler(t, mock)
	token, err := h.signer.Issue(uuid.New(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	rec := serveChat(h, "harbor", `{"message": "hi", "session_token": "`+token+`"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestChatMessageUnknownTenant(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery("SELECT id, name, slug, timezone").
		WithArgs("nowhere").
		WillReturnError(pgx.ErrNoRows)

	h := newChatHandler(t, mock)
	rec := serveChat(h, "nowhere", `{"message": "hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestChatMessageRequiresMessage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	h := newChatHandler(t, mock)
	rec := serveChat(h, "harbor", `{"external_id": "visitor-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
