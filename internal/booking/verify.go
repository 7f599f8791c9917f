package booking

import (
	"regexp"
	"strings"

	"github.com/bridgetown-labs/ai-receptionist/internal/phone"
)

// Cancellation verification outcomes. Every negative reason collapses to
// the same user-facing message so callers cannot probe which reference
// codes exist.
const (
	VerifyOKVerifiedSession = "verified_session"
	VerifyOKPhoneLast4      = "phone_last4"

	VerifyMissingRefCode      = "missing_ref_code"
	VerifyReferenceNotFound   = "reference_not_found"
	VerifyInvalidLast4Format  = "invalid_last4_format"
	VerifyNoPhoneOnBooking    = "no_phone_on_booking"
	VerifyPhoneLast4Mismatch  = "phone_last4_mismatch"
	VerifyMissingVerification = "missing_verification"
)

// GenericCancelDenial is the single message shown for every negative
// outcome except missing_verification (which asks for the last 4 digits).
const GenericCancelDenial = "I can't find a booking with that information. Please double-check your reference code."

// VerifyInput is what the caller knows about the cancellation request.
type VerifyInput struct {
	ReferenceCode string
	PhoneLast4    string

	// Session identity, when the session completed email verification.
	SessionVerified bool
	SessionEmail    string
	SessionPhone    string
}

// VerifyResult is the decider's outcome. When OK is false, Reason holds
// one of the negative constants above.
type VerifyResult struct {
	OK      bool
	Method  string
	Reason  string
	Booking *Appointment
}

var last4Pattern = regexp.MustCompile(`^\d{4}$`)

// VerifyCancellation decides whether the caller may cancel the booking.
// Pure: the booking (or nil when the reference resolved to nothing usable)
// is passed in, and the same inputs always produce the same outcome.
func VerifyCancellation(in VerifyInput, booking *Appointment) VerifyResult {
	if strings.TrimSpace(in.ReferenceCode) == "" {
		return VerifyResult{Reason: VerifyMissingRefCode}
	}
	if booking == nil || booking.Status != StatusConfirmed {
		return VerifyResult{Reason: VerifyReferenceNotFound}
	}

	if in.SessionVerified && sessionMatchesBooking(in, booking) {
		return VerifyResult{OK: true, Method: VerifyOKVerifiedSession, Booking: booking}
	}

	if in.PhoneLast4 != "" {
		if booking.ClientPhone == "" {
			return VerifyResult{Reason: VerifyNoPhoneOnBooking}
		}
		if !last4Pattern.MatchString(in.PhoneLast4) {
			return VerifyResult{Reason: VerifyInvalidLast4Format}
		}
		if phone.Last4(booking.ClientPhone) != in.PhoneLast4 {
			return VerifyResult{Reason: VerifyPhoneLast4Mismatch}
		}
		return VerifyResult{OK: true, Method: VerifyOKPhoneLast4, Booking: booking}
	}

	return VerifyResult{Reason: VerifyMissingVerification}
}

func sessionMatchesBooking(in VerifyInput, booking *Appointment) bool {
	if in.SessionEmail != "" && strings.EqualFold(in.SessionEmail, booking.ClientEmail) {
		return true
	}
	if in.SessionPhone != "" && booking.ClientPhone != "" &&
		phone.NormalizeE164(in.SessionPhone) == booking.ClientPhone {
		return true
	}
	return false
}
