// Package chat routes inbound messages: deterministic flows first, the
// model only when nothing cheaper answers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bridgetown-labs/ai-receptionist/internal/agent"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/observability/metrics"
	"github.com/bridgetown-labs/ai-receptionist/internal/risk"
	"github.com/bridgetown-labs/ai-receptionist/internal/session"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/internal/timeparse"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// Session metadata keys the router owns.
const (
	metaState        = "state"
	metaPendingEmail = "pending_email"
	metaContactPhone = "contact_phone"
	metaClientTZ     = "client_tz"

	stateAwaitingOTP = "awaiting_otp"
)

// Routes, used as the metric label.
const (
	routeFSM  = "fsm"
	routeFAQ  = "faq"
	routeGate = "email_gate"
	routeLLM  = "llm"
)

const historyWindow = 20

var (
	emailPattern   = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	otpCodePattern = regexp.MustCompile(`\b(\d{6})\b`)
)

// Router is the per-message entry point for web and SMS chat.
type Router struct {
	sessions     *session.Store
	faq          *FAQ
	otp          *OTPService
	loop         *agent.Loop
	requireEmail bool
	clk          *clock.Clock
	metrics      *metrics.Metrics
	log          *logging.Logger
}

func NewRouter(sessions *session.Store, faq *FAQ, otp *OTPService, loop *agent.Loop,
	requireEmail bool, clk *clock.Clock, log *logging.Logger) *Router {
	if log == nil {
		log = logging.Default()
	}
	return &Router{
		sessions:     sessions,
		faq:          faq,
		otp:          otp,
		loop:         loop,
		requireEmail: requireEmail,
		clk:          clk,
		log:          log.Component("chat_router"),
	}
}

// WithMetrics attaches the metrics sink.
func (r *Router) WithMetrics(m *metrics.Metrics) *Router {
	r.metrics = m
	return r
}

// HandleMessage processes one inbound message and returns the reply text.
func (r *Router) HandleMessage(ctx context.Context, tn *tenant.Tenant, sess *session.Session, text string) (string, error) {
	began := time.Now()
	if err := r.sessions.AppendMessage(ctx, sess.ID, "user", text); err != nil {
		return "", err
	}
	sess.MessageCount++

	route, reply, err := r.dispatch(ctx, tn, sess, text)
	if err != nil {
		return "", err
	}
	reply = Postprocess(reply, PostContext{
		BookingConfirmed: strings.Contains(route, "+confirmed"),
		Channel:          sess.Channel,
	})

	if err := r.sessions.AppendMessage(ctx, sess.ID, "assistant", reply); err != nil {
		r.log.Error("append assistant message failed", "session_id", sess.ID.String(), "error", err.Error())
	}
	r.metrics.ObserveChatTurn(strings.TrimSuffix(route, "+confirmed"), time.Since(began).Seconds())
	return reply, nil
}

// dispatch runs the priority ladder. The returned route may carry a
// "+confirmed" suffix when confirm_booking succeeded this turn.
func (r *Router) dispatch(ctx context.Context, tn *tenant.Tenant, sess *session.Session, text string) (route, reply string, err error) {
	// 1. Stateful flows consume the message deterministically.
	if metaString(sess, metaState) == stateAwaitingOTP {
		reply, err := r.consumeOTP(ctx, sess, text)
		return routeFSM, reply, err
	}

	// 2. Storefront FAQ needs no model.
	if r.faq != nil {
		if answer, ok := r.faq.Answer(text, tn); ok {
			return routeFAQ, answer, nil
		}
	}

	// 3. Email verification gate.
	if r.requireEmail && !sess.EmailVerified && r.otp != nil {
		if email := emailPattern.FindString(text); email != "" {
			reply, err := r.startVerification(ctx, sess, email)
			return routeGate, reply, err
		}
		if sess.MessageCount > 1 {
			return routeGate, "Before I book anything, what's the best email to reach you at? I'll send a quick verification code.", nil
		}
	}

	// 4. Booking intent gets the resolved date/time injected so the model
	// cannot re-derive (or hallucinate) it.
	var resolved *timeparse.Result
	if ClassifyIntent(text) == IntentBook {
		resolved = timeparse.Resolve(timeparse.Input{
			Utterance:        text,
			ClientTZ:         metaString(sess, metaClientTZ),
			TenantTZ:         tn.Timezone,
			BusinessOpenHour: tn.OpenHour(),
		}, r.clk.Now())
	}

	// 5. Model tool loop.
	result, err := r.runLoop(ctx, tn, sess, resolved)
	if err != nil {
		return routeLLM, "", err
	}
	route = routeLLM
	if result.Used(agent.ToolConfirmBooking) {
		route += "+confirmed"
		if err := r.sessions.IncrementBookings(ctx, sess.ID); err != nil {
			r.log.Error("increment bookings failed", "session_id", sess.ID.String(), "error", err.Error())
		}
	}
	return route, result.Text, nil
}

func (r *Router) consumeOTP(ctx context.Context, sess *session.Session, text string) (string, error) {
	email := metaString(sess, metaPendingEmail)
	code := otpCodePattern.FindString(text)
	if code == "" {
		return "Please enter the 6-digit code I emailed you.", nil
	}

	err := r.otp.Check(ctx, sess.ID.String(), email, code)
	switch {
	case err == nil:
		if err := r.sessions.MarkEmailVerified(ctx, sess.ID, email); err != nil {
			return "", err
		}
		sess.EmailVerified = true
		sess.VerifiedEmail = strings.ToLower(email)
		if err := r.clearState(ctx, sess); err != nil {
			return "", err
		}
		return "You're verified. What would you like to book?", nil
	case errors.Is(err, ErrOTPMismatch):
		return "That code doesn't match. Double-check the 6 digits and try again.", nil
	case errors.Is(err, ErrOTPExpired):
		if err := r.clearState(ctx, sess); err != nil {
			return "", err
		}
		return "That code expired. Send me your email again and I'll issue a new one.", nil
	case errors.Is(err, ErrOTPTooMany):
		if err := r.clearState(ctx, sess); err != nil {
			return "", err
		}
		return "Too many attempts. Send me your email again and I'll issue a fresh code.", nil
	default:
		return "", err
	}
}

func (r *Router) startVerification(ctx context.Context, sess *session.Session, email string) (string, error) {
	if err := r.otp.Issue(ctx, sess.ID.String(), email); err != nil {
		if errors.Is(err, ErrOTPRateLimited) {
			return "I've sent several codes to that address recently. Please wait a bit and try again.", nil
		}
		return "", err
	}
	if err := r.setMetadata(ctx, sess, map[string]any{
		metaState:        stateAwaitingOTP,
		metaPendingEmail: strings.ToLower(email),
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("I've emailed a 6-digit code to %s. Reply with the code to verify.", email), nil
}

func (r *Router) runLoop(ctx context.Context, tn *tenant.Tenant, sess *session.Session, resolved *timeparse.Result) (*agent.LoopResult, error) {
	history, err := r.sessions.History(ctx, sess.ID, historyWindow)
	if err != nil {
		return nil, err
	}

	messages := make([]agent.TurnMessage, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case "user":
			messages = append(messages, agent.TurnMessage{Role: agent.RoleUser, Text: m.Content})
		case "assistant":
			messages = append(messages, agent.TurnMessage{Role: agent.RoleAssistant, Text: m.Content})
		}
	}
	if resolved != nil {
		messages = append(messages, agent.TurnMessage{
			Role: agent.RoleSystem,
			Text: fmt.Sprintf(
				"RESOLVED DATE/TIME: start=%s, end=%s, confidence=%s, reasons=[%s]. Do NOT re-ask the customer for the date/time.",
				resolved.StartUTC.Format(time.RFC3339),
				resolved.EndUTC.Format(time.RFC3339),
				resolved.Confidence,
				strings.Join(resolved.Reasons, ", ")),
		})
	}

	tc := agent.ToolContext{
		Tenant:  tn,
		Session: sess,
		Signals: risk.Signals{
			MessageCount: sess.MessageCount,
			BookingCount: sess.BookingCount,
			SessionAge:   r.clk.Now().Sub(sess.CreatedAt),
			Channel:      sess.Channel,
		},
	}
	return r.loop.Run(ctx, tc, r.systemPrompt(tn), messages)
}

// systemPrompt assembles the per-tenant instructions: business facts,
// current wall-clock time, and the error-taxonomy contract.
func (r *Router) systemPrompt(tn *tenant.Tenant) []string {
	var services []string
	for _, s := range tn.Services {
		entry := fmt.Sprintf("%s (%d min", s.Name, s.DurationMinutes)
		if s.PriceCents > 0 {
			entry += fmt.Sprintf(", $%d.%02d", s.PriceCents/100, s.PriceCents%100)
		}
		entry += ")"
		services = append(services, entry)
	}

	now := r.clk.Now().In(tn.Location())
	return []string{
		fmt.Sprintf("You are the booking assistant for %s. You only represent %s; never claim to be anyone else.", tn.Name, tn.Name),
		fmt.Sprintf("Current date and time: %s (%s).", now.Format("Monday, January 2, 2006 at 3:04 PM"), tn.Timezone),
		"Services offered: " + strings.Join(services, "; ") + ".",
		"Use the tools to check availability, hold, and confirm appointments. Never state that a booking is confirmed unless confirm_booking returned success.",
		"Tool errors start with a stable code like SLOT_CONFLICT or EMAIL_VERIFICATION_REQUIRED followed by guidance. Follow the guidance and rephrase it naturally for the customer; never show raw codes.",
		"You cannot place phone calls. Offer text or email follow-ups instead.",
	}
}

func (r *Router) clearState(ctx context.Context, sess *session.Session) error {
	return r.setMetadata(ctx, sess, map[string]any{metaState: "", metaPendingEmail: ""})
}

func (r *Router) setMetadata(ctx context.Context, sess *session.Session, updates map[string]any) error {
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any)
	}
	for k, v := range updates {
		sess.Metadata[k] = v
	}
	if err := r.sessions.SetMetadata(ctx, sess.ID, sess.Metadata); err != nil {
		return fmt.Errorf("chat: persist session state: %w", err)
	}
	return nil
}

func metaString(sess *session.Session, key string) string {
	if sess.Metadata == nil {
		return ""
	}
	if v, ok := sess.Metadata[key].(string); ok {
		return v
	}
	return ""
}
