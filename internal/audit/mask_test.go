package audit

import (
	"strings"
	"testing"
)

func TestMaskEmail(t *testing.T) {
	masked := MaskEmail("Dana@Example.com")
	if strings.Contains(masked, "dana") || strings.Contains(masked, "example") {
		t.Fatalf("masked email leaks content: %q", masked)
	}
	if !strings.HasPrefix(masked, "sha256:") {
		t.Fatalf("masked email missing hash prefix: %q", masked)
	}
	// Case-insensitive: same identity, same hash.
	if MaskEmail("dana@example.com") != masked {
		t.Fatal("email masking should be case-insensitive")
	}
	if MaskEmail("") != "" {
		t.Fatal("empty email should mask to empty")
	}
}

func TestObscureEmail(t *testing.T) {
	if got := ObscureEmail("dana@example.com"); got != "da***@example.com" {
		t.Fatalf("ObscureEmail = %q", got)
	}
	if got := ObscureEmail("a@b.co"); got != "a***@b.co" {
		t.Fatalf("ObscureEmail short local = %q", got)
	}
	if got := ObscureEmail("not-an-email"); got != "***" {
		t.Fatalf("ObscureEmail invalid = %q", got)
	}
}

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("+15551234567"); got != "***4567" {
		t.Fatalf("MaskPhone = %q", got)
	}
	if got := MaskPhone("12"); got != "***" {
		t.Fatalf("MaskPhone short = %q", got)
	}
}

func TestPhonePrefix(t *testing.T) {
	if got := PhonePrefix("+15551234567"); got != "+1555…" {
		t.Fatalf("PhonePrefix = %q", got)
	}
	if got := PhonePrefix("5551234567"); got != "***" {
		t.Fatalf("PhonePrefix without plus = %q", got)
	}
}

func TestMaskSID(t *testing.T) {
	if got := MaskSID("SM1234567890abcdef"); got != "***cdef" {
		t.Fatalf("MaskSID = %q", got)
	}
	if got := MaskSID("ab"); got != "***" {
		t.Fatalf("MaskSID short = %q", got)
	}
}
