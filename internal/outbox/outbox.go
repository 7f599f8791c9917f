// Package outbox is the durable outbound-SMS pipeline: a Postgres-backed
// queue with leased claims, pre-send compliance guards, exponential-backoff
// retry, and a full audit trail per attempt.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Message statuses.
const (
	StatusPending = "pending"
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
)

// Message types.
const (
	TypeBookingConfirmation = "booking_confirmation"
	TypeReminder24h         = "reminder_24h"
	TypeReminder2h          = "reminder_2h"
	TypeCancellation        = "cancellation"
	TypeHandoffLink         = "handoff_link"
	TypeWaitlistSlotOpen    = "waitlist_slot_open"
	TypeCourtesyFollowup    = "courtesy_followup"
)

// DefaultMaxAttempts bounds retries per message.
const DefaultMaxAttempts = 3

// Message is one queued outbound SMS.
type Message struct {
	ID                uuid.UUID
	TenantID          uuid.UUID
	ToPhone           string
	Body              string
	MessageType       string
	BookingRef        string
	Status            string
	Attempts          int
	MaxAttempts       int
	LastError         string
	ProviderSID       string
	ProviderStatus    string
	ProviderErrorCode string
	RunAt             time.Time
	CreatedAt         time.Time
}
