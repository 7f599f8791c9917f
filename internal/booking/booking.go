// Package booking owns appointments and slot holds: the exclusion-backed
// store, the confirm/cancel/reschedule lifecycle, and cancellation
// identity verification.
package booking

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Appointment statuses.
const (
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
	StatusCompleted = "completed"
	StatusNoShow    = "no_show"
)

// HoldTTL is how long a slot reservation survives without a confirm.
const HoldTTL = 5 * time.Minute

// Domain errors surfaced to the tool layer.
var (
	ErrSlotConflict = errors.New("booking: slot conflict")
	ErrHoldNotFound = errors.New("booking: hold not found")
	ErrHoldExpired  = errors.New("booking: hold expired")
	ErrNotFound     = errors.New("booking: not found")
)

// Appointment is a confirmed booking row.
type Appointment struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	ReferenceCode   string
	ClientName      string
	ClientEmail     string
	ClientPhone     string
	Service         string
	Start           time.Time
	End             time.Time
	Timezone        string
	Status          string
	CalendarEventID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Hold is a short-lived slot reservation owned by one session.
type Hold struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	SessionID uuid.UUID
	Start     time.Time
	End       time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired reports whether the hold is past its expiry at the given instant.
func (h *Hold) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// refAlphabet excludes ambiguous characters (I, L, O, U, 0, 1) so codes
// survive being read aloud over the phone.
const refAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

const refLength = 6

// NewReferenceCode generates a customer-facing booking code, e.g. APT-K7M2QX.
func NewReferenceCode() (string, error) {
	buf := make([]byte, refLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("booking: generate reference: %w", err)
	}
	for i := range buf {
		buf[i] = refAlphabet[int(buf[i])%len(refAlphabet)]
	}
	return "APT-" + string(buf), nil
}
