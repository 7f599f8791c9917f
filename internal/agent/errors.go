// Package agent hosts the LLM tool loop and the tool executor that grounds
// model actions in the booking services.
package agent

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/bridgetown-labs/ai-receptionist/internal/booking"
	"github.com/bridgetown-labs/ai-receptionist/internal/calendar"
)

// Stable error prefixes the model is prompted to recognise. The prefix is
// machine-readable; the rest of the message is guidance for the model.
const (
	CodeBookingError         = "BOOKING_ERROR"
	CodeSlotConflict         = "SLOT_CONFLICT"
	CodeCalendarUnavailable  = "CALENDAR_UNAVAILABLE"
	CodePhoneRequired        = "PHONE_REQUIRED"
	CodeInvalidPhone         = "INVALID_PHONE"
	CodeEmailVerification    = "EMAIL_VERIFICATION_REQUIRED"
	CodeEmailMismatch        = "EMAIL_MISMATCH"
	CodeRiskReverify         = "RISK_REVERIFY"
	CodeRiskCooldown         = "RISK_COOLDOWN"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	CodeFarDateConfirmation  = "FAR_DATE_CONFIRMATION_REQUIRED"
	CodeCancelNeedsIdentity  = "CANCELLATION_NEEDS_IDENTITY"
	CodeCancelNeedsVerify    = "CANCELLATION_REQUIRES_VERIFICATION"
	CodeCancelFailed         = "CANCELLATION_FAILED"
	CodeServiceRequired      = "SERVICE_REQUIRED"
	CodeDateRangeTooWide     = "DATE_RANGE_TOO_WIDE"
	CodeInternalError        = "INTERNAL_ERROR"
)

// ToolError is a classified failure a handler returns to the model.
type ToolError struct {
	Code    string
	Message string
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

func toolErrorf(code, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Classify maps service-layer errors onto the taxonomy. Errors already
// carrying a code pass through unchanged. Returns nil for errors with no
// known mapping; the executor turns those into INTERNAL_ERROR with a
// correlation id.
func Classify(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}

	switch {
	case errors.Is(err, booking.ErrSlotConflict):
		return &ToolError{Code: CodeSlotConflict,
			Message: "That time was just taken by another customer. Offer the closest alternatives instead."}
	case errors.Is(err, booking.ErrHoldExpired):
		return &ToolError{Code: CodeBookingError,
			Message: "The held slot expired. Check availability again and place a fresh hold."}
	case errors.Is(err, booking.ErrHoldNotFound):
		return &ToolError{Code: CodeBookingError,
			Message: "That hold no longer exists. Check availability again and place a fresh hold."}
	case errors.Is(err, booking.ErrNotFound):
		return &ToolError{Code: CodeBookingError,
			Message: "No matching appointment was found."}
	}

	var readErr *calendar.ReadError
	if errors.As(err, &readErr) {
		return &ToolError{Code: CodeCalendarUnavailable,
			Message: "The business calendar cannot be reached right now, so availability cannot be verified. Ask the customer to try again shortly."}
	}
	return nil
}

// internalError builds the user-visible INTERNAL_ERROR carrying the same
// correlation id that goes into the log line.
func internalError(id string) *ToolError {
	return &ToolError{Code: CodeInternalError,
		Message: fmt.Sprintf("Something went wrong on our side. If you contact support, give them reference ID: %s", id)}
}

// correlationID is 12 hex characters, enough to pair a user-visible error
// with its log line.
func correlationID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "000000000000"
	}
	return hex.EncodeToString(buf)
}
