package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
)

var tokenNow = time.Date(2026, 2, 11, 15, 0, 0, 0, time.UTC)

func newSigner(t *testing.T) *TokenSigner {
	t.Helper()
	signer, err := NewTokenSigner("test-secret-at-least-something", DefaultTokenTTL, clock.NewFrozen(tokenNow))
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	return signer
}

func TestTokenRoundTrip(t *testing.T) {
	signer := newSigner(t)
	tenantID, sessionID := uuid.New(), uuid.New()
	customerID := uuid.New()

	token, err := signer.Issue(tenantID, sessionID, &customerID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if strings.Count(token, ".") != 1 {
		t.Fatalf("token %q should have exactly one dot", token)
	}

	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.TenantID != tenantID || claims.SessionID != sessionID {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if claims.CustomerID == nil || *claims.CustomerID != customerID {
		t.Fatalf("customer claim mismatch: %+v", claims.CustomerID)
	}
	if claims.ExpiresAt != tokenNow.Add(DefaultTokenTTL).Unix() {
		t.Fatalf("exp = %d, want now+4h", claims.ExpiresAt)
	}
}

func TestTokenTamperingRejected(t *testing.T) {
	signer := newSigner(t)
	token, err := signer.Issue(uuid.New(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	parts := strings.Split(token, ".")

	tests := []struct {
		name  string
		token string
	}{
		{"flipped payload byte", "x" + parts[0][1:] + "." + parts[1]},
		{"flipped signature byte", parts[0] + "." + flipFirst(parts[1])},
		{"missing signature", parts[0]},
		{"empty signature", parts[0] + "."},
		{"extra segment", token + ".extra"},
		{"garbage", "not-a-token"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := signer.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestTokenExpiry(t *testing.T) {
	signer := newSigner(t)
	token, err := signer.Issue(uuid.New(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Same token verified by a clock past the TTL.
	later, err := NewTokenSigner("test-secret-at-least-something", DefaultTokenTTL,
		clock.NewFrozen(tokenNow.Add(DefaultTokenTTL+time.Second)))
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	if _, err := later.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestTokenWrongSecretRejected(t *testing.T) {
	signer := newSigner(t)
	token, err := signer.Issue(uuid.New(), uuid.New(), nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	other, err := NewTokenSigner("a-different-secret", DefaultTokenTTL, clock.NewFrozen(tokenNow))
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestSignerRequiresSecret(t *testing.T) {
	if _, err := NewTokenSigner("", DefaultTokenTTL, clock.New()); err == nil {
		t.Fatal("empty secret must be rejected")
	}
}

func flipFirst(s string) string {
	if s == "" {
		return s
	}
	c := s[0]
	if c == 'A' {
		c = 'B'
	} else {
		c = 'A'
	}
	return string(c) + s[1:]
}
