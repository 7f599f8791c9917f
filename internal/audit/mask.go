package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaskEmail reduces an email to a short SHA-256 prefix. The raw address
// never enters the audit trail.
func MaskEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(email))
	return "sha256:" + hex.EncodeToString(sum[:])[:12]
}

// ObscureEmail keeps just enough of an address for a human error message:
// first two characters plus the domain, e.g. "da***@example.com".
func ObscureEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.Index(email, "@")
	if at <= 0 {
		return "***"
	}
	local := email[:at]
	if len(local) > 2 {
		local = local[:2]
	}
	return local + "***@" + email[at+1:]
}

// MaskPhone keeps the last four digits only.
func MaskPhone(phone string) string {
	digits := digitsOnly(phone)
	if len(digits) < 4 {
		return "***"
	}
	return "***" + digits[len(digits)-4:]
}

// PhonePrefix keeps the leading + and country code plus area hint for
// capture auditing, e.g. "+1555…".
func PhonePrefix(phone string) string {
	phone = strings.TrimSpace(phone)
	if !strings.HasPrefix(phone, "+") || len(phone) < 5 {
		return "***"
	}
	return phone[:5] + "…"
}

// MaskSID keeps the last four characters of a provider message SID.
func MaskSID(sid string) string {
	if len(sid) < 4 {
		return "***"
	}
	return "***" + sid[len(sid)-4:]
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
