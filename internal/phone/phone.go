// Package phone normalizes free-form phone input to E.164.
package phone

import "strings"

// NormalizeE164 coerces a free-form phone string to E.164, or returns ""
// when the input cannot be a valid subscriber number. Ten-digit NANP
// numbers get a +1 prefix; eleven digits starting with 1 get a plus.
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	hadPlus := strings.HasPrefix(value, "+")
	digits := digitsOnly(value)
	if digits == "" {
		return ""
	}
	switch {
	case hadPlus:
		// Caller claims an international number; trust the country code.
	case len(digits) == 10:
		digits = "1" + digits
	case len(digits) == 11 && digits[0] == '1':
		// NANP with leading country code.
	}
	// E.164: country code + subscriber, 7-15 digits total.
	if len(digits) < 7 || len(digits) > 15 {
		return ""
	}
	return "+" + digits
}

// Last4 returns the final four digits of a phone number, or "" when the
// number has fewer than four digits.
func Last4(value string) string {
	digits := digitsOnly(value)
	if len(digits) < 4 {
		return ""
	}
	return digits[len(digits)-4:]
}

func digitsOnly(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
