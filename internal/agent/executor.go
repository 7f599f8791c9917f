package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/internal/availability"
	"github.com/bridgetown-labs/ai-receptionist/internal/booking"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/customer"
	"github.com/bridgetown-labs/ai-receptionist/internal/followup"
	"github.com/bridgetown-labs/ai-receptionist/internal/observability/metrics"
	"github.com/bridgetown-labs/ai-receptionist/internal/outbox"
	"github.com/bridgetown-labs/ai-receptionist/internal/phone"
	"github.com/bridgetown-labs/ai-receptionist/internal/risk"
	"github.com/bridgetown-labs/ai-receptionist/internal/session"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// SMS delivery statuses attached to confirm_booking results so the model
// never promises a text it cannot send.
const (
	SMSWillSend    = "will_send"
	SMSSimulator   = "simulator"
	SMSUnavailable = "unavailable"
	SMSDisabled    = "disabled"
	SMSNoPhone     = "no_phone"
)

// Limits configures the executor's guardrails.
type Limits struct {
	MaxAvailabilityRangeDays int
	FarDateConfirmDays       int
	FollowupMaxPerSession    int
	FollowupCooldown         time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxAvailabilityRangeDays: 14,
		FarDateConfirmDays:       30,
		FollowupMaxPerSession:    3,
		FollowupCooldown:         30 * time.Minute,
	}
}

// SMSMode describes the messaging capability at confirm time.
type SMSMode struct {
	Enabled           bool
	Simulator         bool
	CarrierConfigured bool
}

// ToolContext is the per-turn call context the router assembles.
type ToolContext struct {
	Tenant  *tenant.Tenant
	Session *session.Session
	Signals risk.Signals
}

// ToolResult is what goes back to the model as the tool's output.
type ToolResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Executor dispatches tool calls to the booking services behind
// deterministic guardrails.
type Executor struct {
	slots     *availability.Engine
	bookings  *booking.Service
	risks     *risk.Engine
	followups *followup.Store
	outbox    *outbox.Store
	customers *customer.Store
	sessions  *session.Store
	auditor   audit.Recorder
	metrics   *metrics.Metrics
	clk       *clock.Clock
	log       *logging.Logger
	limits    Limits
	smsMode   SMSMode
}

func NewExecutor(slots *availability.Engine, bookings *booking.Service, risks *risk.Engine,
	followups *followup.Store, ob *outbox.Store, auditor audit.Recorder, clk *clock.Clock,
	log *logging.Logger, limits Limits, smsMode SMSMode) *Executor {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &Executor{
		slots:     slots,
		bookings:  bookings,
		risks:     risks,
		followups: followups,
		outbox:    ob,
		auditor:   auditor,
		clk:       clk,
		log:       log.Component("tool_executor"),
		limits:    limits,
		smsMode:   smsMode,
	}
}

// WithMetrics attaches the metrics sink.
func (x *Executor) WithMetrics(m *metrics.Metrics) *Executor {
	x.metrics = m
	return x
}

// WithCustomerDirectory attaches the customer store so confirmed bookings
// build a durable customer record linked back to the session.
func (x *Executor) WithCustomerDirectory(customers *customer.Store, sessions *session.Store) *Executor {
	x.customers = customers
	x.sessions = sessions
	return x
}

// Execute runs one tool call. It never returns an error: failures are
// classified, logged with a correlation id, and folded into the result so
// the model can recover.
func (x *Executor) Execute(ctx context.Context, tc ToolContext, tool string, input map[string]any) ToolResult {
	var (
		data map[string]any
		err  error
	)
	switch tool {
	case ToolCheckAvailability:
		data, err = x.checkAvailability(ctx, tc, input)
	case ToolHoldSlot:
		data, err = x.holdSlot(ctx, tc, input)
	case ToolConfirmBooking:
		data, err = x.confirmBooking(ctx, tc, input)
	case ToolLookupBooking:
		data, err = x.lookupBooking(ctx, tc, input)
	case ToolRescheduleBooking:
		data, err = x.rescheduleBooking(ctx, tc, input)
	case ToolCancelBooking:
		data, err = x.cancelBooking(ctx, tc, input)
	case ToolScheduleFollowup:
		data, err = x.scheduleFollowup(ctx, tc, input)
	default:
		err = toolErrorf(CodeInternalError, "unknown tool %q", tool)
	}

	if err != nil {
		te := Classify(err)
		id := correlationID()
		code := CodeInternalError
		if te != nil {
			code = te.Code
		} else {
			te = internalError(id)
		}
		x.log.Error("tool call failed",
			"ref", id,
			"code", code,
			"tool", tool,
			"tenant_id", tc.Tenant.ID.String(),
			"session_id", sessionID(tc.Session),
			"email_hash", audit.MaskEmail(sessionEmail(tc.Session)),
			"error", err.Error())
		x.metrics.ObserveToolCall(tool, "error")
		return ToolResult{Success: false, Error: te.Error()}
	}
	x.metrics.ObserveToolCall(tool, "ok")
	return ToolResult{Success: true, Data: data}
}

func (x *Executor) checkAvailability(ctx context.Context, tc ToolContext, input map[string]any) (map[string]any, error) {
	from, err := parseDateArg(inputString(input, "start_date"), tc.Tenant.Location())
	if err != nil {
		return nil, toolErrorf(CodeBookingError, "start_date is not a valid ISO-8601 date: %v", err)
	}
	to, err := parseDateArg(inputString(input, "end_date"), tc.Tenant.Location())
	if err != nil {
		return nil, toolErrorf(CodeBookingError, "end_date is not a valid ISO-8601 date: %v", err)
	}
	if !to.After(from) {
		return nil, toolErrorf(CodeBookingError, "end_date must be after start_date")
	}
	maxRange := time.Duration(x.limits.MaxAvailabilityRangeDays) * 24 * time.Hour
	if to.Sub(from) > maxRange {
		return nil, toolErrorf(CodeDateRangeTooWide,
			"Availability can be checked at most %d days at a time. Ask the customer to narrow the range.",
			x.limits.MaxAvailabilityRangeDays)
	}

	serviceName := inputString(input, "service_name")
	resolved, err := tc.Tenant.ResolveService(serviceName)
	if err != nil {
		return nil, toolErrorf(CodeServiceRequired,
			"Ask the customer to pick one of the offered services. %v", err)
	}

	if x.risks != nil {
		if a := x.risks.Assess(tc.Signals); a.Cooldown {
			return nil, toolErrorf(CodeRiskCooldown,
				"Too many rapid requests from this session. Ask the customer to slow down and try again in a few minutes.")
		}
	}

	result, err := x.slots.GetAvailableSlots(ctx, tc.Tenant, from, to)
	if err != nil {
		return nil, err
	}
	data := map[string]any{
		"slots":    result.Slots,
		"verified": result.Verified,
		"timezone": tc.Tenant.Timezone,
	}
	if resolved != "" {
		data["service"] = resolved
	}
	if result.CalendarSource != "" {
		data["calendar_source"] = result.CalendarSource
	}
	return data, nil
}

func (x *Executor) holdSlot(ctx context.Context, tc ToolContext, input map[string]any) (map[string]any, error) {
	start, err := parseTimeArg(inputString(input, "start_time"))
	if err != nil {
		return nil, toolErrorf(CodeBookingError, "start_time is not a valid ISO-8601 datetime: %v", err)
	}
	end, err := parseTimeArg(inputString(input, "end_time"))
	if err != nil {
		return nil, toolErrorf(CodeBookingError, "end_time is not a valid ISO-8601 datetime: %v", err)
	}
	if !end.After(start) {
		return nil, toolErrorf(CodeBookingError, "end_time must be after start_time")
	}

	farLimit := x.clk.Now().AddDate(0, 0, x.limits.FarDateConfirmDays)
	if start.After(farLimit) && !inputBool(input, "far_date_confirmed") {
		return nil, toolErrorf(CodeFarDateConfirmation,
			"That date is more than %d days away. Confirm the exact date with the customer, then retry with far_date_confirmed=true.",
			x.limits.FarDateConfirmDays)
	}

	hold, err := x.bookings.HoldSlot(ctx, tc.Tenant, mustSessionID(tc.Session), start, end)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"hold_id":    hold.ID.String(),
		"start":      hold.Start.Format(time.RFC3339),
		"end":        hold.End.Format(time.RFC3339),
		"expires_at": hold.ExpiresAt.Format(time.RFC3339),
	}, nil
}

func (x *Executor) confirmBooking(ctx context.Context, tc ToolContext, input map[string]any) (map[string]any, error) {
	holdID, err := uuid.Parse(inputString(input, "hold_id"))
	if err != nil {
		return nil, toolErrorf(CodeBookingError, "hold_id is not a valid id")
	}
	clientEmail := strings.TrimSpace(inputString(input, "client_email"))

	if tc.Session == nil || !tc.Session.EmailVerified {
		return nil, toolErrorf(CodeEmailVerification,
			"The customer's email must be verified before booking. Ask for their email and send the verification code.")
	}
	if !strings.EqualFold(tc.Session.VerifiedEmail, clientEmail) {
		return nil, toolErrorf(CodeEmailMismatch,
			"The email on this booking does not match the verified email %s. Re-verify or use the verified address.",
			audit.ObscureEmail(tc.Session.VerifiedEmail))
	}

	rawPhone := strings.TrimSpace(inputString(input, "client_phone"))
	if rawPhone == "" {
		return nil, toolErrorf(CodePhoneRequired,
			"A phone number is required for the confirmation text. Ask the customer for one.")
	}
	normalized := phone.NormalizeE164(rawPhone)
	if normalized == "" {
		return nil, toolErrorf(CodeInvalidPhone,
			"That phone number does not look valid. Ask the customer to repeat it with area code.")
	}

	if x.risks != nil {
		a := x.risks.Assess(tc.Signals)
		if !a.Allowed {
			return nil, toolErrorf(CodeRiskReverify,
				"This session needs identity re-verification before another booking. Ask the customer to verify their email again.")
		}
		if a.Cooldown {
			return nil, toolErrorf(CodeRiskCooldown,
				"Too many bookings in a short window. Ask the customer to wait a few minutes.")
		}
	}

	appt, err := x.bookings.Confirm(ctx, tc.Tenant, booking.ConfirmRequest{
		HoldID:      holdID,
		ClientName:  strings.TrimSpace(inputString(input, "client_name")),
		ClientEmail: clientEmail,
		ClientPhone: normalized,
		Service:     strings.TrimSpace(inputString(input, "service_name")),
	})
	if err != nil {
		return nil, err
	}
	x.metrics.ObserveBooking("confirmed")
	x.recordCustomer(ctx, tc, clientEmail, normalized, strings.TrimSpace(inputString(input, "client_name")))

	return map[string]any{
		"appointment_id": appt.ID.String(),
		"reference_code": appt.ReferenceCode,
		"service":        appt.Service,
		"start":          appt.Start.Format(time.RFC3339),
		"end":            appt.End.Format(time.RFC3339),
		"timezone":       appt.Timezone,
		"sms_status":     x.smsStatus(normalized),
	}, nil
}

// recordCustomer upserts the identity behind a confirmed booking and links
// it to the session. The booking already succeeded; failures here only log.
func (x *Executor) recordCustomer(ctx context.Context, tc ToolContext, email, e164, name string) {
	if x.customers == nil {
		return
	}
	c, err := x.customers.Upsert(ctx, tc.Tenant.ID, email, e164, name)
	if err != nil {
		x.log.Error("customer upsert failed",
			"tenant_id", tc.Tenant.ID.String(),
			"email_hash", audit.MaskEmail(email),
			"error", err.Error())
		return
	}
	if err := x.customers.IncrementBookings(ctx, c.ID); err != nil {
		x.log.Error("customer booking count update failed", "customer_id", c.ID.String(), "error", err.Error())
	}
	if x.sessions != nil && tc.Session != nil {
		if err := x.sessions.LinkCustomer(ctx, tc.Session.ID, c.ID); err != nil {
			x.log.Error("link customer to session failed", "customer_id", c.ID.String(), "error", err.Error())
			return
		}
		id := c.ID
		tc.Session.CustomerID = &id
	}
}

// smsStatus reports what will actually happen to the confirmation text.
func (x *Executor) smsStatus(normalizedPhone string) string {
	switch {
	case normalizedPhone == "":
		return SMSNoPhone
	case !x.smsMode.Enabled:
		return SMSDisabled
	case x.smsMode.Simulator:
		return SMSSimulator
	case !x.smsMode.CarrierConfigured:
		return SMSUnavailable
	default:
		return SMSWillSend
	}
}

func (x *Executor) lookupBooking(ctx context.Context, tc ToolContext, input map[string]any) (map[string]any, error) {
	ref := strings.TrimSpace(inputString(input, "reference_code"))
	email := strings.TrimSpace(inputString(input, "email"))
	if ref == "" && email == "" {
		return nil, toolErrorf(CodeBookingError,
			"Ask the customer for their reference code or the email they booked with.")
	}
	appts, err := x.bookings.Lookup(ctx, tc.Tenant, ref, email)
	if err != nil {
		return nil, err
	}
	summaries := make([]map[string]any, 0, len(appts))
	for _, a := range appts {
		summaries = append(summaries, map[string]any{
			"appointment_id": a.ID.String(),
			"reference_code": a.ReferenceCode,
			"service":        a.Service,
			"start":          a.Start.Format(time.RFC3339),
			"end":            a.End.Format(time.RFC3339),
			"timezone":       a.Timezone,
		})
	}
	return map[string]any{"appointments": summaries, "count": len(summaries)}, nil
}

func (x *Executor) rescheduleBooking(ctx context.Context, tc ToolContext, input map[string]any) (map[string]any, error) {
	apptID, err := uuid.Parse(inputString(input, "appointment_id"))
	if err != nil {
		return nil, toolErrorf(CodeBookingError, "appointment_id is not a valid id")
	}
	holdID, err := uuid.Parse(inputString(input, "new_hold_id"))
	if err != nil {
		return nil, toolErrorf(CodeBookingError, "new_hold_id is not a valid id")
	}
	appt, err := x.bookings.Reschedule(ctx, tc.Tenant, apptID, holdID)
	if err != nil {
		return nil, err
	}
	x.metrics.ObserveBooking("rescheduled")
	return map[string]any{
		"appointment_id": appt.ID.String(),
		"reference_code": appt.ReferenceCode,
		"start":          appt.Start.Format(time.RFC3339),
		"end":            appt.End.Format(time.RFC3339),
	}, nil
}

func (x *Executor) cancelBooking(ctx context.Context, tc ToolContext, input map[string]any) (map[string]any, error) {
	ref := strings.TrimSpace(inputString(input, "reference_code"))

	var booked *booking.Appointment
	if ref != "" {
		found, err := x.bookings.Store().GetByReference(ctx, tc.Tenant.ID, ref)
		if err != nil && !errors.Is(err, booking.ErrNotFound) {
			return nil, err
		}
		booked = found
	}

	in := booking.VerifyInput{
		ReferenceCode: ref,
		PhoneLast4:    strings.TrimSpace(inputString(input, "phone_last4")),
	}
	if tc.Session != nil {
		in.SessionVerified = tc.Session.EmailVerified
		in.SessionEmail = tc.Session.VerifiedEmail
		in.SessionPhone = sessionPhone(tc.Session)
	}

	result := booking.VerifyCancellation(in, booked)
	if !result.OK {
		if result.Reason == booking.VerifyMissingVerification {
			if tc.Session != nil && tc.Session.EmailVerified {
				return nil, toolErrorf(CodeCancelNeedsVerify,
					"The booking is not under this session's verified email. Ask the customer for the last 4 digits of the phone number on the booking.")
			}
			return nil, toolErrorf(CodeCancelNeedsIdentity,
				"To cancel this booking I need to verify identity. Ask the customer for the last 4 digits of the phone number on the booking.")
		}
		// All other negatives collapse to one message so reference codes
		// cannot be enumerated.
		return nil, toolErrorf(CodeCancelFailed, "%s", booking.GenericCancelDenial)
	}

	cancelled, err := x.bookings.Cancel(ctx, tc.Tenant, result.Booking.ID)
	if err != nil {
		return nil, err
	}
	x.metrics.ObserveBooking("cancelled")
	return map[string]any{
		"reference_code":      cancelled.ReferenceCode,
		"verification_method": result.Method,
		"status":              cancelled.Status,
	}, nil
}

func (x *Executor) scheduleFollowup(ctx context.Context, tc ToolContext, input map[string]any) (map[string]any, error) {
	preferred := strings.ToLower(strings.TrimSpace(inputString(input, "preferred_contact")))
	switch preferred {
	case "email", "sms", "either":
	default:
		return nil, toolErrorf(CodeBookingError, "preferred_contact must be email, sms, or either")
	}
	clientEmail := strings.TrimSpace(inputString(input, "client_email"))
	if clientEmail == "" {
		return nil, toolErrorf(CodeBookingError, "client_email is required for a follow-up")
	}
	reason := inputString(input, "reason")
	sessID := mustSessionID(tc.Session)

	count, err := x.followups.CountForSession(ctx, sessID)
	if err != nil {
		return nil, err
	}
	if count >= x.limits.FollowupMaxPerSession {
		x.auditor.Record(ctx, audit.Entry{
			TenantID:   tc.Tenant.ID,
			EventType:  "followup.limit_reached",
			EntityType: "session",
			EntityID:   sessID.String(),
			Actor:      "agent",
			Payload:    map[string]any{"count": count},
		})
		return nil, toolErrorf(CodeBookingError,
			"The follow-up limit for this conversation was reached. Do not schedule more follow-ups.")
	}
	if count >= 1 && !strings.Contains(reason, ConfirmedAdditionalSentinel) {
		return nil, toolErrorf(CodeConfirmationRequired,
			"A follow-up is already scheduled. Ask the customer to explicitly confirm they want another, then include %s in the reason.",
			ConfirmedAdditionalSentinel)
	}

	last, found, err := x.followups.LastForContact(ctx, tc.Tenant.ID, clientEmail)
	if err != nil {
		return nil, err
	}
	if found && x.clk.Now().Sub(last) < x.limits.FollowupCooldown {
		x.auditor.Record(ctx, audit.Entry{
			TenantID:   tc.Tenant.ID,
			EventType:  "followup.cooldown_blocked",
			EntityType: "session",
			EntityID:   sessID.String(),
			Actor:      "agent",
			Payload:    map[string]any{"email_hash": audit.MaskEmail(clientEmail)},
		})
		return nil, toolErrorf(CodeBookingError,
			"A follow-up was sent to this contact very recently. Wait before scheduling another.")
	}

	rec := &followup.Record{
		TenantID:  tc.Tenant.ID,
		SessionID: sessID,
		Contact:   clientEmail,
		Channel:   preferred,
		Reason:    reason,
	}

	// An SMS-preferring follow-up also queues an outbox row when the
	// session has a usable phone.
	if preferred != "email" && x.outbox != nil {
		if toPhone := phone.NormalizeE164(sessionPhone(tc.Session)); toPhone != "" {
			body := fmt.Sprintf("Hi %s, following up from our chat. Reply here when you're ready to book.",
				strings.TrimSpace(inputString(input, "client_name")))
			msg := &outbox.Message{
				TenantID:    tc.Tenant.ID,
				ToPhone:     toPhone,
				Body:        body,
				MessageType: outbox.TypeCourtesyFollowup,
			}
			if err := x.outbox.Enqueue(ctx, msg); err != nil {
				return nil, err
			}
			jobID := msg.ID
			rec.JobID = &jobID
		}
	}

	if err := x.followups.Insert(ctx, rec); err != nil {
		return nil, err
	}
	x.auditor.Record(ctx, audit.Entry{
		TenantID:   tc.Tenant.ID,
		EventType:  "followup.scheduled",
		EntityType: "followup",
		EntityID:   rec.ID.String(),
		Actor:      "agent",
		Payload: map[string]any{
			"email_hash": audit.MaskEmail(clientEmail),
			"channel":    preferred,
		},
	})
	return map[string]any{"followup_id": rec.ID.String(), "channel": preferred}, nil
}

func inputString(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func inputBool(input map[string]any, key string) bool {
	switch v := input[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

// parseTimeArg accepts RFC3339 datetimes.
func parseTimeArg(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty")
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// parseDateArg accepts a datetime or a bare date, interpreted in the
// tenant's zone.
func parseDateArg(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("empty")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation("2006-01-02", v, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func sessionID(s *session.Session) string {
	if s == nil {
		return ""
	}
	return s.ID.String()
}

func mustSessionID(s *session.Session) uuid.UUID {
	if s == nil {
		return uuid.Nil
	}
	return s.ID
}

func sessionEmail(s *session.Session) string {
	if s == nil {
		return ""
	}
	return s.VerifiedEmail
}

// sessionPhone pulls the contact phone the chat flow stashed in metadata.
func sessionPhone(s *session.Session) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata["contact_phone"].(string); ok {
		return v
	}
	return ""
}

// MarshalResult renders a tool result as the JSON the model reads back.
func MarshalResult(r ToolResult) string {
	raw, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"INTERNAL_ERROR: result serialization failed"}`
	}
	return string(raw)
}
