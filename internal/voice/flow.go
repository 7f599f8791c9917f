package voice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/agent"
	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/internal/availability"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/outbox"
	"github.com/bridgetown-labs/ai-receptionist/internal/phone"
	"github.com/bridgetown-labs/ai-receptionist/internal/risk"
	"github.com/bridgetown-labs/ai-receptionist/internal/session"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/internal/timeparse"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// Safety rails: the caller gets a bounded number of turns, retries per
// state, and total talk time before we end the call politely.
const (
	maxTurns        = 30
	stateRetryCap   = 3
	maxCallDuration = 10 * time.Minute

	offeredSlotLimit = 3
)

const hangupLine = "I'm having trouble getting that over the phone. Please call back or book online. Goodbye!"

// toolRunner is the slice of the tool executor the call flow needs.
type toolRunner interface {
	Execute(ctx context.Context, tc agent.ToolContext, tool string, input map[string]any) agent.ToolResult
}

// sessionCreator opens the backing chat session a call is bound to.
type sessionCreator interface {
	GetOrCreate(ctx context.Context, tenantID uuid.UUID, channel, externalID string) (*session.Session, error)
}

// Turn is the manager's answer for one caller utterance.
type Turn struct {
	Reply string
	Done  bool
}

// Manager drives the per-call state machine. It owns no booking logic:
// every side effect goes through the tool executor.
type Manager struct {
	calls    *CallStore
	sessions sessionCreator
	exec     toolRunner
	outbox   *outbox.Store
	auditor  audit.Recorder
	clk      *clock.Clock
	log      *logging.Logger
}

func NewManager(calls *CallStore, sessions sessionCreator, exec toolRunner,
	ob *outbox.Store, auditor audit.Recorder, clk *clock.Clock, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Manager{
		calls:    calls,
		sessions: sessions,
		exec:     exec,
		outbox:   ob,
		auditor:  auditor,
		clk:      clk,
		log:      log.Component("voice"),
	}
}

// StartCall opens the call session and returns the greeting.
func (m *Manager) StartCall(ctx context.Context, tn *tenant.Tenant, callID, callerPhone string) (string, error) {
	sess, err := m.sessions.GetOrCreate(ctx, tn.ID, "voice", callID)
	if err != nil {
		return "", fmt.Errorf("voice: open session: %w", err)
	}
	now := m.clk.Now()
	state := &CallState{
		CallID:         callID,
		TenantID:       tn.ID,
		SessionID:      sess.ID,
		CallerPhone:    phone.NormalizeE164(callerPhone),
		State:          StateCollectingIntent,
		Status:         CallStatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := m.calls.Save(ctx, state); err != nil {
		return "", err
	}
	m.auditor.Record(ctx, audit.Entry{
		TenantID:   tn.ID,
		EventType:  "voice.call_started",
		EntityType: "voice_call",
		EntityID:   callID,
		Actor:      "system",
		Payload:    map[string]any{"phone_last4": audit.MaskPhone(state.CallerPhone)},
	})
	return fmt.Sprintf("Thanks for calling %s! Are you looking to book, reschedule, or cancel an appointment?", tn.Name), nil
}

// HandleTurn consumes one transcript utterance and returns the spoken reply.
func (m *Manager) HandleTurn(ctx context.Context, tn *tenant.Tenant, callID, transcript string) (*Turn, error) {
	state, err := m.calls.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.Status != CallStatusActive {
		return &Turn{Reply: hangupLine, Done: true}, nil
	}

	now := m.clk.Now()
	state.TurnCount++
	state.LastActivityAt = now
	m.auditor.Record(ctx, audit.Entry{
		TenantID:   tn.ID,
		EventType:  "voice.turn_received",
		EntityType: "voice_call",
		EntityID:   callID,
		Actor:      "caller",
		Payload:    map[string]any{"turn": state.TurnCount, "state": state.State},
	})
	m.calls.AppendTranscript(ctx, callID, TranscriptEntry{Role: "caller", Text: transcript, Timestamp: now})

	turn := m.advance(ctx, tn, state, transcript)

	if turn.Done {
		outcome := state.Outcome
		if outcome == "" {
			outcome = OutcomeAbandoned
		}
		if err := m.calls.End(ctx, state, outcome); err != nil {
			m.log.Error("end call failed", "call_id", callID, "error", err.Error())
		}
		m.auditor.Record(ctx, audit.Entry{
			TenantID:   tn.ID,
			EventType:  "voice.call_ended",
			EntityType: "voice_call",
			EntityID:   callID,
			Actor:      "system",
			Payload:    map[string]any{"outcome": outcome, "turns": state.TurnCount},
		})
	} else if err := m.calls.Save(ctx, state); err != nil {
		return nil, err
	}

	m.calls.AppendTranscript(ctx, callID, TranscriptEntry{Role: "assistant", Text: turn.Reply, Timestamp: now})
	m.auditor.Record(ctx, audit.Entry{
		TenantID:   tn.ID,
		EventType:  "voice.turn_responded",
		EntityType: "voice_call",
		EntityID:   callID,
		Actor:      "system",
		Payload:    map[string]any{"turn": state.TurnCount, "state": state.State, "done": turn.Done},
	})
	return turn, nil
}

// advance runs one FSM step. It mutates state and decides the reply.
func (m *Manager) advance(ctx context.Context, tn *tenant.Tenant, state *CallState, transcript string) *Turn {
	now := m.clk.Now()
	if state.TurnCount > maxTurns || now.Sub(state.StartedAt) > maxCallDuration {
		state.Outcome = OutcomeTurnBudget
		return &Turn{Reply: hangupLine, Done: true}
	}
	if WantsHandoff(transcript) && state.CallerPhone != "" {
		return m.smsHandoff(ctx, tn, state)
	}

	switch state.State {
	case StateCollectingIntent:
		return m.stepIntent(ctx, tn, state, transcript)
	case StateCollectingService:
		return m.stepService(ctx, tn, state, transcript)
	case StateCollectingDate:
		return m.stepDate(ctx, tn, state, transcript)
	case StateCollectingChoice:
		return m.stepSlotChoice(ctx, tn, state, transcript)
	case StateCollectingName:
		return m.stepName(ctx, tn, state, transcript)
	case StateCollectingEmail:
		return m.stepEmail(ctx, tn, state, transcript)
	case StateConfirming:
		return m.stepConfirm(ctx, tn, state, transcript)
	case StateCollectingRef:
		return m.stepReference(ctx, tn, state, transcript)
	case StateCollectingLast4:
		return m.stepLast4(ctx, tn, state, transcript)
	default:
		state.Outcome = OutcomeAbandoned
		return &Turn{Reply: hangupLine, Done: true}
	}
}

// retry re-prompts within the per-state cap; past the cap we hang up, or
// hand off to SMS while collecting an email.
func (m *Manager) retry(ctx context.Context, tn *tenant.Tenant, state *CallState, prompt string) *Turn {
	state.Retries++
	if state.Retries < stateRetryCap {
		return &Turn{Reply: prompt}
	}
	if state.State == StateCollectingEmail && state.CallerPhone != "" {
		return m.smsHandoff(ctx, tn, state)
	}
	state.Outcome = OutcomeAbandoned
	return &Turn{Reply: hangupLine, Done: true}
}

// transition moves to the next state and resets the retry counter.
func transition(state *CallState, next string) {
	state.State = next
	state.Retries = 0
}

func (m *Manager) stepIntent(ctx context.Context, tn *tenant.Tenant, state *CallState, transcript string) *Turn {
	intent := ParseIntent(transcript)
	state.Intent = intent
	switch intent {
	case IntentBook:
		if svc, ok := ParseService(transcript, tn); ok {
			state.Service = svc
			transition(state, StateCollectingDate)
			return &Turn{Reply: fmt.Sprintf("Great, a %s. What day works for you?", svc)}
		}
		transition(state, StateCollectingService)
		return &Turn{Reply: "Happy to help. Which service would you like? We offer " + serviceList(tn) + "."}
	case IntentReschedule, IntentCancel:
		transition(state, StateCollectingRef)
		return &Turn{Reply: "Sure. What's your booking reference? It starts with A-P-T."}
	default:
		return m.retry(ctx, tn, state, "Sorry, I didn't catch that. Would you like to book, reschedule, or cancel an appointment?")
	}
}

func (m *Manager) stepService(ctx context.Context, tn *tenant.Tenant, state *CallState, transcript string) *Turn {
	svc, ok := ParseService(transcript, tn)
	if !ok {
		return m.retry(ctx, tn, state, "Sorry, which service was that? We offer "+serviceList(tn)+".")
	}
	state.Service = svc
	transition(state, StateCollectingDate)
	return &Turn{Reply: fmt.Sprintf("Great, a %s. What day works for you?", svc)}
}

func (m *Manager) stepDate(ctx context.Context, tn *tenant.Tenant, state *CallState, transcript string) *Turn {
	// The caller is only asked for a day here; the time comes from picking
	// an offered slot. A bare "tomorrow" must be enough.
	from, ok := timeparse.ResolveDay(timeparse.Input{
		Utterance: transcript,
		TenantTZ:  tn.Timezone,
	}, m.clk.Now())
	if !ok {
		return m.retry(ctx, tn, state, "Sorry, which day was that? You can say something like tomorrow, or next Tuesday.")
	}

	loc := tn.Location()
	res := m.exec.Execute(ctx, m.toolContext(tn, state), agent.ToolCheckAvailability, map[string]any{
		"start_date":   from.Format("2006-01-02"),
		"end_date":     from.AddDate(0, 0, 1).Format("2006-01-02"),
		"service_name": state.Service,
	})
	if !res.Success {
		return m.retry(ctx, tn, state, "I couldn't check the calendar just now. Could you give me that day once more?")
	}

	slots := openSlots(res.Data, offeredSlotLimit)
	if len(slots) == 0 {
		return m.retry(ctx, tn, state, "I don't see anything open that day. Is there another day that works?")
	}
	state.OfferedSlots = slots
	transition(state, StateCollectingChoice)
	return &Turn{Reply: "I have " + speakSlots(slots, loc) + ". Which one works?"}
}

func (m *Manager) stepSlotChoice(ctx context.Context, tn *tenant.Tenant, state *CallState, transcript string) *Turn {
	loc := tn.Location()
	start, ok := ParseSlotChoice(transcript, state.OfferedSlots, loc)
	if !ok {
		return m.retry(ctx, tn, state, "Sorry, which time was that? You can say the first one, or a time like "+speakClock(state.OfferedSlots[0], loc)+".")
	}

	end := start.Add(time.Duration(tn.SlotDurationMinutes) * time.Minute)
	res := m.exec.Execute(ctx, m.toolContext(tn, state), agent.ToolHoldSlot, map[string]any{
		"start_time": start.Format(time.RFC3339),
		"end_time":   end.Format(time.RFC3339),
	})
	if !res.Success {
		if strings.HasPrefix(res.Error, agent.CodeSlotConflict) {
			return m.retry(ctx, tn, state, "Someone just took that time. Would one of the others work?")
		}
		return m.retry(ctx, tn, state, "I couldn't reserve that time. Would another one work?")
	}

	state.SlotStart = start
	state.SlotEnd = end
	state.HoldID, _ = res.Data["hold_id"].(string)

	if state.RescheduleID != "" {
		return m.finishReschedule(ctx, tn, state)
	}
	transition(state, StateCollectingName)
	return &Turn{Reply: "Got it, I'm holding " + speakSlot(start, loc) + " for you. Can I get your full name?"}
}

func (m *Manager) stepName(ctx context.Context, tn *tenant.Tenant, state *CallState, transcript string) *Turn {
	name, ok := ParseName(transcript)
	if !ok {
		return m.retry(ctx, tn, state, "Sorry, could you say your full name again?")
	}
	state.Name = name
	transition(state, StateCollectingEmail)
	return &Turn{Reply: fmt.Sprintf("Thanks %s. And what's your email address?", name)}
}

func (m *Manager) stepEmail(ctx context.Context, tn *tenant.Tenant, state *CallState, transcript string) *Turn {
	email, ok := ParseEmail(transcript)
	if !ok {
		return m.retry(ctx, tn, state, "Sorry, I didn't get that. Could you spell out your email? You can say it like alex at example dot com.")
	}
	state.Email = email
	transition(state, StateConfirming)
	loc := tn.Location()
	return &Turn{Reply: fmt.Sprintf("Let me confirm: a %s on %s for %s, and I'll email %s. Is that right?",
		state.Service, speakSlot(state.SlotStart, loc), state.Name, email)}
}

func (m *Manager) stepConfirm(ctx context.Context, tn *tenant.Tenant, state *CallState, transcript string) *Turn {
	yes, ok := ParseYesNo(transcript)
	if !ok {
		return m.retry(ctx, tn, state, "Sorry, was that a yes or a no?")
	}
	if !yes {
		transition(state, StateCollectingDate)
		return &Turn{Reply: "No problem. What day would you like instead?"}
	}

	res := m.exec.Execute(ctx, m.toolContext(tn, state), agent.ToolConfirmBooking, map[string]any{
		"hold_id":      state.HoldID,
		"client_name":  state.Name,
		"client_email": state.Email,
		"client_phone": state.CallerPhone,
		"service_name": state.Service,
	})
	if !res.Success {
		// Email verification cannot complete over the phone, so move the
		// caller to text to finish securely.
		if strings.HasPrefix(res.Error, agent.CodeEmailVerification) && state.CallerPhone != "" {
			return m.smsHandoff(ctx, tn, state)
		}
		return m.retry(ctx, tn, state, "I wasn't able to finish that booking. Should we try a different time?")
	}

	ref, _ := res.Data["reference_code"].(string)
	state.Reference = ref
	state.Outcome = OutcomeBooked
	return &Turn{
		Reply: fmt.Sprintf("You're all set! Your reference code is %s. We'll text you a confirmation shortly. Goodbye!", spellReference(ref)),
		Done:  true,
	}
}

func (m *Manager) stepReference(ctx context.Context, tn *tenant.Tenant, state *CallState, transcript string) *Turn {
	ref, ok := ParseReference(transcript)
	if !ok {
		return m.retry(ctx, tn, state, "Sorry, I need the reference from your confirmation. It looks like A-P-T dash, then six letters or digits.")
	}
	state.Reference = ref

	if state.Intent == IntentReschedule {
		res := m.exec.Execute(ctx, m.toolContext(tn, state), agent.ToolLookupBooking, map[string]any{
			"reference_code": ref,
		})
		appts, _ := res.Data["appointments"].([]map[string]any)
		if !res.Success || len(appts) == 0 {
			return m.retry(ctx, tn, state, "I couldn't find a booking under that reference. Could you read it once more?")
		}
		state.RescheduleID, _ = appts[0]["appointment_id"].(string)
		state.Service, _ = appts[0]["service"].(string)
		transition(state, StateCollectingDate)
		return &Turn{Reply: "Found it. What day would you like to move it to?"}
	}

	return m.tryCancel(ctx, tn, state, last4(state.CallerPhone))
}

func (m *Manager) stepLast4(ctx context.Context, tn *tenant.Tenant, state *CallState, transcript string) *Turn {
	digits, ok := ParseLast4(transcript)
	if !ok {
		return m.retry(ctx, tn, state, "Sorry, I need the last four digits of the phone number on the booking.")
	}
	return m.tryCancel(ctx, tn, state, digits)
}

func (m *Manager) tryCancel(ctx context.Context, tn *tenant.Tenant, state *CallState, phoneLast4 string) *Turn {
	input := map[string]any{"reference_code": state.Reference}
	if phoneLast4 != "" {
		input["phone_last4"] = phoneLast4
	}
	res := m.exec.Execute(ctx, m.toolContext(tn, state), agent.ToolCancelBooking, input)
	if res.Success {
		state.Outcome = OutcomeCancelled
		return &Turn{Reply: "Done, that appointment is cancelled. Anything else? If not, goodbye!", Done: true}
	}
	if strings.HasPrefix(res.Error, agent.CodeCancelNeedsIdentity) {
		transition(state, StateCollectingLast4)
		return &Turn{Reply: "To verify it's you, what are the last four digits of the phone number on the booking?"}
	}
	return m.retry(ctx, tn, state, "I wasn't able to cancel that booking with those details. Could you double-check the reference?")
}

func (m *Manager) finishReschedule(ctx context.Context, tn *tenant.Tenant, state *CallState) *Turn {
	res := m.exec.Execute(ctx, m.toolContext(tn, state), agent.ToolRescheduleBooking, map[string]any{
		"appointment_id": state.RescheduleID,
		"new_hold_id":    state.HoldID,
	})
	if !res.Success {
		return m.retry(ctx, tn, state, "I couldn't move the booking to that time. Would another time work?")
	}
	state.Outcome = OutcomeBooked
	loc := tn.Location()
	return &Turn{
		Reply: "All done, you're moved to " + speakSlot(state.SlotStart, loc) + ". We'll text you the update. Goodbye!",
		Done:  true,
	}
}

// smsHandoff texts the caller a link to finish in chat and ends the call.
func (m *Manager) smsHandoff(ctx context.Context, tn *tenant.Tenant, state *CallState) *Turn {
	if m.outbox == nil || state.HandoffSent {
		state.Outcome = OutcomeHandoff
		return &Turn{Reply: "We've already texted you. Check your messages to finish up. Goodbye!", Done: true}
	}
	body := fmt.Sprintf("Hi! Finishing your %s booking is easier by text. Reply here and we'll pick up where the call left off.", tn.Name)
	if err := m.outbox.Enqueue(ctx, &outbox.Message{
		TenantID:    tn.ID,
		ToPhone:     state.CallerPhone,
		Body:        body,
		MessageType: outbox.TypeHandoffLink,
	}); err != nil {
		m.log.Error("sms handoff enqueue failed", "call_id", state.CallID, "error", err.Error())
		state.Outcome = OutcomeAbandoned
		return &Turn{Reply: hangupLine, Done: true}
	}
	state.HandoffSent = true
	state.Status = CallStatusSMSHandoff
	state.Outcome = OutcomeHandoff
	return &Turn{Reply: "No problem, I just sent you a text so we can finish there. Talk soon, goodbye!", Done: true}
}

func (m *Manager) toolContext(tn *tenant.Tenant, state *CallState) agent.ToolContext {
	sess := &session.Session{
		ID:       state.SessionID,
		TenantID: state.TenantID,
		Channel:  "voice",
		Metadata: map[string]any{"contact_phone": state.CallerPhone},
	}
	// Carrier-authenticated caller ID stands in for the email OTP on voice:
	// once the caller has stated an email, the call is treated as verified
	// for that address. Calls with a withheld number fall back to the SMS
	// handoff in stepConfirm.
	if state.Email != "" && state.CallerPhone != "" {
		sess.EmailVerified = true
		sess.VerifiedEmail = strings.ToLower(state.Email)
	}
	return agent.ToolContext{
		Tenant:  tn,
		Session: sess,
		Signals: risk.Signals{
			MessageCount: state.TurnCount,
			SessionAge:   m.clk.Now().Sub(state.StartedAt),
			Channel:      "voice",
		},
	}
}

// openSlots pulls the first open slots out of a check_availability result.
func openSlots(data map[string]any, limit int) []time.Time {
	raw, _ := data["slots"].([]availability.Slot)
	out := make([]time.Time, 0, limit)
	for _, s := range raw {
		if !s.Available {
			continue
		}
		out = append(out, s.Start)
		if len(out) == limit {
			break
		}
	}
	return out
}

func serviceList(tn *tenant.Tenant) string {
	names := make([]string, 0, len(tn.Services))
	for _, s := range tn.Services {
		names = append(names, s.Name)
	}
	return strings.Join(names, ", ")
}

func speakSlots(slots []time.Time, loc *time.Location) string {
	parts := make([]string, 0, len(slots))
	for _, s := range slots {
		parts = append(parts, speakClock(s, loc))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " or " + parts[len(parts)-1]
}

func speakSlot(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("Monday, January 2 at 3:04 PM")
}

func speakClock(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("3:04 PM")
}

// spellReference reads "APT-K3N7PQ" as "A P T, K 3 N 7 P Q" for TTS.
func spellReference(ref string) string {
	var b strings.Builder
	for i, r := range ref {
		if r == '-' {
			b.WriteString(",")
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func last4(p string) string {
	if len(p) < 4 {
		return ""
	}
	return p[len(p)-4:]
}
