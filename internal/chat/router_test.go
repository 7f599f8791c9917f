package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"

	"github.com/bridgetown-labs/ai-receptionist/internal/agent"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/session"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
)

// Monday, March 2 2026, 1:00 PM Eastern.
var routerNow = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

// scriptedClient answers every Converse call with fixed text and records
// the requests it saw.
type scriptedClient struct {
	reply    string
	requests []agent.ConverseRequest
}

func (c *scriptedClient) Converse(_ context.Context, req agent.ConverseRequest) (*agent.ConverseResponse, error) {
	c.requests = append(c.requests, req)
	return &agent.ConverseResponse{Text: c.reply, StopReason: "end_turn"}, nil
}

func routerTenant() *tenant.Tenant {
	return &tenant.Tenant{
		ID:                  uuid.New(),
		Name:                "Harbor Wellness",
		Timezone:            "America/New_York",
		SlotDurationMinutes: 30,
		CatalogMode:         tenant.CatalogOnly,
		Services: []tenant.Service{
			{Name: "Consultation", DurationMinutes: 30, PriceCents: 5000},
			{Name: "Massage", DurationMinutes: 60, PriceCents: 9000},
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

func webSession(tn *tenant.Tenant) *session.Session {
	return &session.Session{
		ID:        uuid.New(),
		TenantID:  tn.ID,
		Channel:   ChannelWeb,
		CreatedAt: routerNow.Add(-5 * time.Minute),
	}
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

func TestFAQAnswersWithoutModel(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := routerTenant()
	sess := webSession(tn)
	expectAppend(mock, sess.ID, "user")
	expectAppend(mock, sess.ID, "assistant")

	// No loop wired: reaching the model would nil-panic, proving the FAQ
	// short-circuited.
	r := NewRouter(session.NewStore(mock), NewFAQ(), nil, nil, false, clock.NewFrozen(routerNow), nil)

	reply, err := r.HandleMessage(context.Background(), tn, sess, "What are your hours?")
	if err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if !strings.Contains(reply, "Monday 09:00-17:00") {
		t.Fatalf("FAQ reply missing hours: %q", reply)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmailGateIssuesAndVerifies(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mailer := &captureMailer{}
	otp := NewOTPService(rdb, mailer, 10*time.Minute, 5, nil)

	tn := routerTenant()
	sess := webSession(tn)
	r := NewRouter(session.NewStore(mock), NewFAQ(), otp, nil, true, clock.NewFrozen(routerNow), nil)

	// Turn 1: customer supplies an email, a code goes out and the session
	// parks in the awaiting_otp state.
	expectAppend(mock, sess.ID, "user")
	mock.ExpectExec("UPDATE sessions SET metadata").
		WithArgs(sess.ID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAppend(mock, sess.ID, "assistant")

	reply, err := r.HandleMessage(context.Background(), tn, sess, "Sure, it's Alex@Example.com")
	if err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if !strings.Contains(reply, "6-digit code") {
		t.Fatalf("expected code prompt, got %q", reply)
	}
	if mailer.calls != 1 {
		t.Fatalf("mailer calls = %d, want 1", mailer.calls)
	}
	if got := sess.Metadata[metaState]; got != stateAwaitingOTP {
		t.Fatalf("session state = %v, want %q", got, stateAwaitingOTP)
	}
	if got := sess.Metadata[metaPendingEmail]; got != "alex@example.com" {
		t.Fatalf("pending email = %v", got)
	}

	// Turn 2: wrong code keeps the session parked.
	wrong := "000000"
	if wrong == mailer.code {
		wrong = "000001"
	}
	expectAppend(mock, sess.ID, "user")
	expectAppend(mock, sess.ID, "assistant")
	reply, err = r.HandleMessage(context.Background(), tn, sess, wrong)
	if err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if !strings.Contains(reply, "doesn't match") {
		t.Fatalf("expected mismatch reply, got %q", reply)
	}
	if sess.EmailVerified {
		t.Fatal("session verified after wrong code")
	}

	// Turn 3: the real code verifies and clears the state.
	expectAppend(mock, sess.ID, "user")
	mock.ExpectExec("UPDATE sessions SET email_verified").
		WithArgs(sess.ID, "alex@example.com").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE sessions SET metadata").
		WithArgs(sess.ID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	expectAppend(mock, sess.ID, "assistant")

	reply, err = r.HandleMessage(context.Background(), tn, sess, "the code is "+mailer.code)
	if err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if !strings.Contains(reply, "verified") {
		t.Fatalf("expected verified reply, got %q", reply)
	}
	if !sess.EmailVerified || sess.VerifiedEmail != "alex@example.com" {
		t.Fatalf("session not marked verified: %+v", sess)
	}
	if got := sess.Metadata[metaState]; got != "" {
		t.Fatalf("state not cleared: %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBookingIntentInjectsResolvedTime(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := routerTenant()
	sess := webSession(tn)
	sess.EmailVerified = true
	sess.VerifiedEmail = "alex@example.com"

	client := &scriptedClient{reply: "Let me check that for you."}
	loop := agent.NewLoop(client, nil, "anthropic.claude-3-5-sonnet", nil)

	text := "Can I book a massage tomorrow at 3pm?"
	expectAppend(mock, sess.ID, "user")
	mock.ExpectQuery("SELECT id, session_id, role, content, created_at").
		WithArgs(sess.ID, historyWindow).
		WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "role", "content", "created_at"}).
			AddRow(uuid.New(), sess.ID, "user", text, routerNow))
	expectAppend(mock, sess.ID, "assistant")

	r := NewRouter(session.NewStore(mock), NewFAQ(), nil, loop, false, clock.NewFrozen(routerNow), nil)

	if _, err := r.HandleMessage(context.Background(), tn, sess, text); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	if len(client.requests) != 1 {
		t.Fatalf("converse calls = %d, want 1", len(client.requests))
	}

	req := client.requests[0]
	last := req.Messages[len(req.Messages)-1]
	if last.Role != agent.RoleSystem {
		t.Fatalf("last message role = %q, want system", last.Role)
	}
	// Tomorrow 3pm Eastern is 2026-03-03T20:00:00Z.
	if !strings.HasPrefix(last.Text, "RESOLVED DATE/TIME: start=2026-03-03T20:00:00Z") {
		t.Fatalf("resolved hint = %q", last.Text)
	}
	if !strings.Contains(last.Text, "Do NOT re-ask") {
		t.Fatalf("resolved hint missing re-ask guard: %q", last.Text)
	}

	var hasIdentity, hasTime bool
	for _, s := range req.System {
		if strings.Contains(s, "Harbor Wellness") {
			hasIdentity = true
		}
		if strings.Contains(s, "Monday, March 2, 2026 at 1:00 PM") {
			hasTime = true
		}
	}
	if !hasIdentity || !hasTime {
		t.Fatalf("system prompt missing tenant identity or clock: %v", req.System)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClientTimezoneWinsTimeResolution(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := routerTenant()
	sess := webSession(tn)
	sess.EmailVerified = true
	sess.Metadata = map[string]any{metaClientTZ: "America/Los_Angeles"}

	client := &scriptedClient{reply: "Let me check that for you."}
	loop := agent.NewLoop(client, nil, "anthropic.claude-3-5-sonnet", nil)

	text := "Can I book a massage tomorrow at 3pm?"
	expectAppend(mock, sess.ID, "user")
	mock.ExpectQuery("SELECT id, session_id, role, content, created_at").
		WithArgs(sess.ID, historyWindow).
		WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "role", "content", "created_at"}).
			AddRow(uuid.New(), sess.ID, "user", text, routerNow))
	expectAppend(mock, sess.ID, "assistant")

	r := NewRouter(session.NewStore(mock), NewFAQ(), nil, loop, false, clock.NewFrozen(routerNow), nil)

	if _, err := r.HandleMessage(context.Background(), tn, sess, text); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}

	// Tomorrow 3pm Pacific, not Eastern: 2026-03-03T23:00:00Z.
	last := client.requests[0].Messages[len(client.requests[0].Messages)-1]
	if !strings.HasPrefix(last.Text, "RESOLVED DATE/TIME: start=2026-03-03T23:00:00Z") {
		t.Fatalf("resolved hint = %q", last.Text)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNonBookingMessageSkipsTimeHint(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	tn := routerTenant()
	sess := webSession(tn)
	sess.EmailVerified = true

	client := &scriptedClient{reply: "Happy to help."}
	loop := agent.NewLoop(client, nil, "anthropic.claude-3-5-sonnet", nil)

	text := "Is there parking near the building?"
	expectAppend(mock, sess.ID, "user")
	mock.ExpectQuery("SELECT id, session_id, role, content, created_at").
		WithArgs(sess.ID, historyWindow).
		WillReturnRows(pgxmock.NewRows([]string{"id", "session_id", "role", "content", "created_at"}).
			AddRow(uuid.New(), sess.ID, "user", text, routerNow))
	expectAppend(mock, sess.ID, "assistant")

	r := NewRouter(session.NewStore(mock), NewFAQ(), nil, loop, false, clock.NewFrozen(routerNow), nil)

	if _, err := r.HandleMessage(context.Background(), tn, sess, text); err != nil {
		t.Fatalf("HandleMessage() error: %v", err)
	}
	for _, m := range client.requests[0].Messages {
		if strings.Contains(m.Text, "RESOLVED DATE/TIME") {
			t.Fatalf("unexpected time hint for non-booking message")
		}
	}
}

func TestClassifyIntent(t *testing.T) {
	cases := []struct {
		message string
		want    string
	}{
		{"I'd like to book a massage", IntentBook},
		{"any openings tomorrow?", IntentBook},
		{"can I reschedule my appointment", IntentReschedule},
		{"please cancel my booking", IntentCancel},
		{"where do I park?", IntentOther},
	}
	for _, tc := range cases {
		if got := ClassifyIntent(tc.message); got != tc.want {
			t.Fatalf("ClassifyIntent(%q) = %q, want %q", tc.message, got, tc.want)
		}
	}
}
