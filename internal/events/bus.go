// Package events is the in-process event bus. Dispatch is synchronous and
// handlers are expected to enqueue work (outbox rows, waitlist pings)
// rather than perform slow I/O on the emitter's path.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// Event types.
const (
	BookingCreated      = "booking.created"
	BookingCancelled    = "booking.cancelled"
	BookingRescheduled  = "booking.rescheduled"
	HoldExpired         = "hold.expired"
	SlotOpened          = "slot.opened"
	CalendarWriteFailed = "calendar.write_failed"
)

// Event is one domain occurrence. Payload keys are event-type specific.
type Event struct {
	ID         uuid.UUID
	Type       string
	TenantID   uuid.UUID
	OccurredAt time.Time
	Payload    map[string]any
}

// Handler consumes one event. Errors are logged, never propagated to the
// emitter.
type Handler func(ctx context.Context, ev Event) error

// Bus is a synchronous dispatch table from event type to handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      *logging.Logger
}

func NewBus(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Default()
	}
	return &Bus{
		handlers: make(map[string][]Handler),
		log:      log.Component("events"),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish delivers the event to every subscribed handler in registration
// order. Handler failures are logged and do not stop later handlers.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := b.handlers[ev.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			b.log.Error("event handler failed",
				"event_type", ev.Type,
				"event_id", ev.ID.String(),
				"tenant_id", ev.TenantID.String(),
				"error", err.Error())
		}
	}
}
