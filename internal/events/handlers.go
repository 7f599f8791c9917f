package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/followup"
	"github.com/bridgetown-labs/ai-receptionist/internal/outbox"
	"github.com/bridgetown-labs/ai-receptionist/internal/phone"
	"github.com/bridgetown-labs/ai-receptionist/internal/policy"
	"github.com/bridgetown-labs/ai-receptionist/internal/session"
	"github.com/bridgetown-labs/ai-receptionist/internal/waitlist"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// followupCooldown throttles courtesy texts per contact across sessions.
const followupCooldown = 30 * time.Minute

// SessionResolver loads a session so handlers can find its contact phone.
type SessionResolver interface {
	Get(ctx context.Context, tenantID, sessionID uuid.UUID) (*session.Session, error)
}

// Notifier turns booking lifecycle events into outbox rows. Every send is
// policy-gated; a denied action is a silent no-op, not an error.
type Notifier struct {
	outbox    *outbox.Store
	policies  *policy.Engine
	waitlists *waitlist.Store
	followups *followup.Store
	sessions  SessionResolver
	clk       *clock.Clock
	log       *logging.Logger
}

func NewNotifier(ob *outbox.Store, policies *policy.Engine, waitlists *waitlist.Store,
	followups *followup.Store, sessions SessionResolver, clk *clock.Clock, log *logging.Logger) *Notifier {
	if log == nil {
		log = logging.Default()
	}
	return &Notifier{
		outbox:    ob,
		policies:  policies,
		waitlists: waitlists,
		followups: followups,
		sessions:  sessions,
		clk:       clk,
		log:       log.Component("notifier"),
	}
}

// Register subscribes the notifier to the bus.
func (n *Notifier) Register(bus *Bus) {
	bus.Subscribe(BookingCreated, n.onBookingCreated)
	bus.Subscribe(BookingRescheduled, n.onBookingRescheduled)
	bus.Subscribe(BookingCancelled, n.onBookingCancelled)
	bus.Subscribe(SlotOpened, n.onSlotOpened)
	bus.Subscribe(HoldExpired, n.onHoldExpired)
}

func (n *Notifier) onBookingCreated(ctx context.Context, ev Event) error {
	toPhone := phone.NormalizeE164(payloadString(ev, "client_phone"))
	if toPhone == "" {
		return nil
	}
	ref := payloadString(ev, "reference_code")
	service := payloadString(ev, "service")
	start, ok := payloadTime(ev, "start")
	if !ok {
		return fmt.Errorf("events: booking.created missing start")
	}
	tz := payloadString(ev, "timezone")

	if n.allowed(ev.TenantID, policy.ActionSendSMSConfirmation) {
		body := fmt.Sprintf("Confirmed: %s on %s. Ref: %s. Reply CHANGE / CANCEL / STOP.",
			service, formatLocal(start, tz), ref)
		if err := n.outbox.Enqueue(ctx, &outbox.Message{
			TenantID:    ev.TenantID,
			ToPhone:     toPhone,
			Body:        body,
			MessageType: outbox.TypeBookingConfirmation,
			BookingRef:  ref,
		}); err != nil {
			return err
		}
	}

	if n.allowed(ev.TenantID, policy.ActionSendReminder) {
		n.enqueueReminders(ctx, ev.TenantID, toPhone, ref, service, start, tz)
	}
	return nil
}

func (n *Notifier) onBookingRescheduled(ctx context.Context, ev Event) error {
	toPhone := phone.NormalizeE164(payloadString(ev, "client_phone"))
	if toPhone == "" || !n.allowed(ev.TenantID, policy.ActionSendSMSConfirmation) {
		return nil
	}
	start, ok := payloadTime(ev, "start")
	if !ok {
		return fmt.Errorf("events: booking.rescheduled missing start")
	}
	ref := payloadString(ev, "reference_code")
	body := fmt.Sprintf("Your appointment was moved to %s. Ref: %s. Reply CHANGE / CANCEL / STOP.",
		formatLocal(start, payloadString(ev, "timezone")), ref)
	return n.outbox.Enqueue(ctx, &outbox.Message{
		TenantID:    ev.TenantID,
		ToPhone:     toPhone,
		Body:        body,
		MessageType: outbox.TypeBookingConfirmation,
		BookingRef:  ref,
	})
}

func (n *Notifier) onBookingCancelled(ctx context.Context, ev Event) error {
	toPhone := phone.NormalizeE164(payloadString(ev, "client_phone"))
	if toPhone == "" || !n.allowed(ev.TenantID, policy.ActionSendSMSConfirmation) {
		return nil
	}
	ref := payloadString(ev, "reference_code")
	body := fmt.Sprintf("Your appointment %s has been cancelled. Reply STOP to opt out.", ref)
	return n.outbox.Enqueue(ctx, &outbox.Message{
		TenantID:    ev.TenantID,
		ToPhone:     toPhone,
		Body:        body,
		MessageType: outbox.TypeCancellation,
		BookingRef:  ref,
	})
}

// enqueueReminders schedules the 24h and 2h reminders, skipping any whose
// send time is already behind us.
func (n *Notifier) enqueueReminders(ctx context.Context, tenantID uuid.UUID, toPhone, ref, service string, start time.Time, tz string) {
	now := n.clk.Now()
	reminders := []struct {
		msgType string
		lead    time.Duration
		body    string
	}{
		{outbox.TypeReminder24h, 24 * time.Hour,
			fmt.Sprintf("Reminder: %s tomorrow at %s. Ref: %s. Reply CHANGE / CANCEL / STOP.",
				service, formatClock(start, tz), ref)},
		{outbox.TypeReminder2h, 2 * time.Hour,
			fmt.Sprintf("Reminder: %s today at %s. Ref: %s.", service, formatClock(start, tz), ref)},
	}
	for _, r := range reminders {
		runAt := start.Add(-r.lead)
		if !runAt.After(now) {
			continue
		}
		if err := n.outbox.Enqueue(ctx, &outbox.Message{
			TenantID:    tenantID,
			ToPhone:     toPhone,
			Body:        r.body,
			MessageType: r.msgType,
			BookingRef:  ref,
			RunAt:       runAt,
		}); err != nil {
			n.log.Error("enqueue reminder failed",
				"message_type", r.msgType, "booking_ref", ref, "error", err.Error())
		}
	}
}

// onSlotOpened pings waiting customers whose request matches the freed
// slot's service. Each entry is notified at most once.
func (n *Notifier) onSlotOpened(ctx context.Context, ev Event) error {
	if n.waitlists == nil || !n.allowed(ev.TenantID, policy.ActionNotifyWaitlist) {
		return nil
	}
	start, ok := payloadTime(ev, "start")
	if !ok {
		return fmt.Errorf("events: slot.opened missing start")
	}
	service := payloadString(ev, "service")

	entries, err := n.waitlists.Waiting(ctx, ev.TenantID, service)
	if err != nil {
		return err
	}
	for _, e := range entries {
		toPhone := phone.NormalizeE164(e.Contact)
		if toPhone == "" {
			continue
		}
		body := fmt.Sprintf("Good news: a %s slot just opened on %s. Reply here to grab it.",
			service, formatLocal(start, ""))
		if err := n.outbox.Enqueue(ctx, &outbox.Message{
			TenantID:    ev.TenantID,
			ToPhone:     toPhone,
			Body:        body,
			MessageType: outbox.TypeWaitlistSlotOpen,
		}); err != nil {
			n.log.Error("enqueue waitlist ping failed", "entry_id", e.ID.String(), "error", err.Error())
			continue
		}
		if err := n.waitlists.MarkNotified(ctx, e.ID); err != nil {
			n.log.Error("mark waitlist notified failed", "entry_id", e.ID.String(), "error", err.Error())
		}
	}
	return nil
}

// onHoldExpired offers a courtesy nudge when a customer walked away from a
// held slot. Requires a known phone on the session and respects the
// per-contact cooldown.
func (n *Notifier) onHoldExpired(ctx context.Context, ev Event) error {
	if n.sessions == nil || !n.allowed(ev.TenantID, policy.ActionCourtesyFollowup) {
		return nil
	}
	sessionID, err := uuid.Parse(payloadString(ev, "session_id"))
	if err != nil {
		return nil
	}
	sess, err := n.sessions.Get(ctx, ev.TenantID, sessionID)
	if err != nil {
		return nil
	}
	toPhone := phone.NormalizeE164(sessionPhone(sess))
	if toPhone == "" {
		return nil
	}

	if n.followups != nil {
		last, found, err := n.followups.LastForContact(ctx, ev.TenantID, toPhone)
		if err != nil {
			return err
		}
		if found && n.clk.Now().Sub(last) < followupCooldown {
			return nil
		}
	}

	msg := &outbox.Message{
		TenantID:    ev.TenantID,
		ToPhone:     toPhone,
		Body:        "Your held time slot expired, but we can still get you in. Reply here to pick a new time.",
		MessageType: outbox.TypeCourtesyFollowup,
	}
	if err := n.outbox.Enqueue(ctx, msg); err != nil {
		return err
	}
	if n.followups != nil {
		jobID := msg.ID
		if err := n.followups.Insert(ctx, &followup.Record{
			TenantID:  ev.TenantID,
			SessionID: sessionID,
			Contact:   toPhone,
			Channel:   "sms",
			Reason:    "hold_expired",
			JobID:     &jobID,
		}); err != nil {
			n.log.Error("record courtesy follow-up failed", "session_id", sessionID.String(), "error", err.Error())
		}
	}
	return nil
}

func (n *Notifier) allowed(tenantID uuid.UUID, action string) bool {
	if n.policies == nil {
		return false
	}
	return n.policies.Evaluate(policy.Request{TenantID: tenantID, Action: action}).Allowed
}

// sessionPhone digs the contact phone out of session metadata.
func sessionPhone(s *session.Session) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata["contact_phone"].(string); ok {
		return v
	}
	return ""
}

func payloadString(ev Event, key string) string {
	if v, ok := ev.Payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadTime(ev Event, key string) (time.Time, bool) {
	switch v := ev.Payload[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// formatLocal renders "Tue, Mar 3 at 2:00 PM" in the given zone.
func formatLocal(t time.Time, tz string) string {
	local := t.In(clock.Location(tz))
	return local.Format("Mon, Jan 2 at 3:04 PM")
}

func formatClock(t time.Time, tz string) string {
	return t.In(clock.Location(tz)).Format("3:04 PM")
}
