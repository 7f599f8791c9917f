package booking

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/internal/calendar"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/events"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// Service orchestrates the booking lifecycle on top of the store: cache
// invalidation, event emission, auditing, and the best-effort external
// calendar write.
type Service struct {
	store    *Store
	cache    *calendar.BusyCache
	bus      *events.Bus
	provider calendar.Provider
	decrypt  func(string) (string, error)
	auditor  audit.Recorder
	clk      *clock.Clock
	log      *logging.Logger
}

func NewService(store *Store, cache *calendar.BusyCache, bus *events.Bus, provider calendar.Provider, auditor audit.Recorder, clk *clock.Clock, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Default()
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Service{
		store:    store,
		cache:    cache,
		bus:      bus,
		provider: provider,
		decrypt:  func(s string) (string, error) { return s, nil },
		auditor:  auditor,
		clk:      clk,
		log:      log.Component("booking"),
	}
}

// WithCredentialDecrypt installs the decryptor for stored calendar
// credentials.
func (s *Service) WithCredentialDecrypt(fn func(string) (string, error)) *Service {
	s.decrypt = fn
	return s
}

// Store exposes the underlying store for read paths that need no
// orchestration.
func (s *Service) Store() *Store { return s.store }

// HoldSlot reserves a slot for the session. SLOT_CONFLICT races surface as
// ErrSlotConflict.
func (s *Service) HoldSlot(ctx context.Context, tn *tenant.Tenant, sessionID uuid.UUID, start, end time.Time) (*Hold, error) {
	return s.store.CreateHold(ctx, tn.ID, sessionID, start, end, s.clk.Now())
}

// Confirm converts a hold into an appointment, then fans out: cache
// invalidation, audit, BookingCreated, and a best-effort calendar write.
func (s *Service) Confirm(ctx context.Context, tn *tenant.Tenant, req ConfirmRequest) (*Appointment, error) {
	req.TenantID = tn.ID
	if req.Timezone == "" {
		req.Timezone = tn.Timezone
	}
	appt, err := s.store.ConfirmFromHold(ctx, req, s.clk.Now())
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(tn.ID)

	s.auditor.Record(ctx, audit.Entry{
		TenantID:   tn.ID,
		EventType:  "booking.created",
		EntityType: "appointment",
		EntityID:   appt.ID.String(),
		Actor:      "agent",
		Payload: map[string]any{
			"reference_code": appt.ReferenceCode,
			"service":        appt.Service,
			"start":          appt.Start.Format(time.RFC3339),
			"email_hash":     audit.MaskEmail(appt.ClientEmail),
		},
	})
	s.auditor.Record(ctx, audit.Entry{
		TenantID:   tn.ID,
		EventType:  "booking.phone_captured",
		EntityType: "appointment",
		EntityID:   appt.ID.String(),
		Actor:      "agent",
		Payload: map[string]any{
			"phone_prefix": audit.PhonePrefix(appt.ClientPhone),
			"phone_last4":  audit.MaskPhone(appt.ClientPhone),
		},
	})

	s.bus.Publish(ctx, events.Event{
		Type:     events.BookingCreated,
		TenantID: tn.ID,
		Payload: map[string]any{
			"appointment_id": appt.ID.String(),
			"reference_code": appt.ReferenceCode,
			"service":        appt.Service,
			"start":          appt.Start,
			"end":            appt.End,
			"timezone":       appt.Timezone,
			"client_phone":   appt.ClientPhone,
			"client_name":    appt.ClientName,
		},
	})

	s.writeCalendarEvent(ctx, tn, appt)
	return appt, nil
}

// Cancel transitions the appointment to cancelled and reopens its slot.
func (s *Service) Cancel(ctx context.Context, tn *tenant.Tenant, apptID uuid.UUID) (*Appointment, error) {
	appt, err := s.store.Cancel(ctx, tn.ID, apptID)
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(tn.ID)

	s.auditor.Record(ctx, audit.Entry{
		TenantID:   tn.ID,
		EventType:  "booking.cancelled",
		EntityType: "appointment",
		EntityID:   appt.ID.String(),
		Actor:      "agent",
		Payload:    map[string]any{"reference_code": appt.ReferenceCode},
	})
	s.bus.Publish(ctx, events.Event{
		Type:     events.BookingCancelled,
		TenantID: tn.ID,
		Payload: map[string]any{
			"appointment_id": appt.ID.String(),
			"reference_code": appt.ReferenceCode,
			"client_phone":   appt.ClientPhone,
		},
	})
	s.bus.Publish(ctx, events.Event{
		Type:     events.SlotOpened,
		TenantID: tn.ID,
		Payload: map[string]any{
			"start":   appt.Start,
			"end":     appt.End,
			"service": appt.Service,
		},
	})

	s.deleteCalendarEvent(ctx, tn, appt)
	return appt, nil
}

// Reschedule moves the appointment onto a newly held slot.
func (s *Service) Reschedule(ctx context.Context, tn *tenant.Tenant, apptID, newHoldID uuid.UUID) (*Appointment, error) {
	old, err := s.store.GetByID(ctx, tn.ID, apptID)
	if err != nil {
		return nil, err
	}
	appt, err := s.store.Reschedule(ctx, tn.ID, apptID, newHoldID, s.clk.Now())
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(tn.ID)

	s.auditor.Record(ctx, audit.Entry{
		TenantID:   tn.ID,
		EventType:  "booking.rescheduled",
		EntityType: "appointment",
		EntityID:   appt.ID.String(),
		Actor:      "agent",
		Payload: map[string]any{
			"reference_code": appt.ReferenceCode,
			"old_start":      old.Start.Format(time.RFC3339),
			"new_start":      appt.Start.Format(time.RFC3339),
		},
	})
	s.bus.Publish(ctx, events.Event{
		Type:     events.BookingRescheduled,
		TenantID: tn.ID,
		Payload: map[string]any{
			"appointment_id": appt.ID.String(),
			"reference_code": appt.ReferenceCode,
			"old_start":      old.Start,
			"start":          appt.Start,
			"end":            appt.End,
			"client_phone":   appt.ClientPhone,
		},
	})
	s.bus.Publish(ctx, events.Event{
		Type:     events.SlotOpened,
		TenantID: tn.ID,
		Payload:  map[string]any{"start": old.Start, "end": old.End, "service": old.Service},
	})

	// Move the calendar event: drop the old one, write the new range.
	s.deleteCalendarEvent(ctx, tn, old)
	s.writeCalendarEvent(ctx, tn, appt)
	return appt, nil
}

// Lookup finds confirmed appointments by reference and/or email.
func (s *Service) Lookup(ctx context.Context, tn *tenant.Tenant, ref, email string) ([]Appointment, error) {
	return s.store.Lookup(ctx, tn.ID, ref, email)
}

// writeCalendarEvent mirrors the appointment to the tenant's external
// calendar. Failure never fails the booking; it emits CalendarWriteFailed
// so reconciliation can pick it up.
func (s *Service) writeCalendarEvent(ctx context.Context, tn *tenant.Tenant, appt *Appointment) {
	if s.provider == nil || !tn.HasCalendar() || tn.DemoMode {
		return
	}
	token, err := s.decrypt(tn.CalendarCredential)
	if err != nil {
		s.calendarWriteFailed(ctx, tn, appt, err)
		return
	}
	eventID, err := s.provider.CreateEvent(ctx, calendar.Binding{CalendarID: tn.CalendarID, AccessToken: token}, calendar.Event{
		Summary:  appt.Service,
		Start:    appt.Start,
		End:      appt.End,
		Attendee: appt.ClientEmail,
	})
	if err != nil {
		s.calendarWriteFailed(ctx, tn, appt, err)
		return
	}
	if err := s.store.SetCalendarEventID(ctx, appt.ID, eventID); err != nil {
		s.log.Error("record calendar event id failed", "appointment_id", appt.ID.String(), "error", err.Error())
		return
	}
	appt.CalendarEventID = eventID
}

func (s *Service) calendarWriteFailed(ctx context.Context, tn *tenant.Tenant, appt *Appointment, err error) {
	s.log.Error("calendar write failed",
		"tenant_id", tn.ID.String(),
		"appointment_id", appt.ID.String(),
		"error", err.Error())
	s.bus.Publish(ctx, events.Event{
		Type:     events.CalendarWriteFailed,
		TenantID: tn.ID,
		Payload: map[string]any{
			"appointment_id": appt.ID.String(),
			"reference_code": appt.ReferenceCode,
			"error":          err.Error(),
		},
	})
}

func (s *Service) deleteCalendarEvent(ctx context.Context, tn *tenant.Tenant, appt *Appointment) {
	if s.provider == nil || !tn.HasCalendar() || tn.DemoMode || appt.CalendarEventID == "" {
		return
	}
	token, err := s.decrypt(tn.CalendarCredential)
	if err != nil {
		s.log.Error("calendar credential decrypt failed", "tenant_id", tn.ID.String(), "error", err.Error())
		return
	}
	binding := calendar.Binding{CalendarID: tn.CalendarID, AccessToken: token}
	if err := s.provider.DeleteEvent(ctx, binding, appt.CalendarEventID); err != nil {
		s.log.Error("calendar event delete failed",
			"appointment_id", appt.ID.String(), "error", err.Error())
	}
}
