package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
)

// DefaultTokenTTL is how long issued session tokens stay valid.
const DefaultTokenTTL = 4 * time.Hour

var (
	ErrInvalidToken = errors.New("session: invalid token")
	ErrExpiredToken = errors.New("session: token expired")
)

// Claims is the signed token payload.
type Claims struct {
	TenantID   uuid.UUID  `json:"tid"`
	SessionID  uuid.UUID  `json:"sid"`
	CustomerID *uuid.UUID `json:"cid,omitempty"`
	IssuedAt   int64      `json:"iat"`
	ExpiresAt  int64      `json:"exp"`
}

// TokenSigner issues and verifies session tokens of the form
// <payload-b64url>.<sig-b64url> with an HMAC-SHA256 signature.
// The key is process-wide and must never be logged.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	clk    *clock.Clock
}

func NewTokenSigner(secret string, ttl time.Duration, clk *clock.Clock) (*TokenSigner, error) {
	if secret == "" {
		return nil, errors.New("session: token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenSigner{secret: []byte(secret), ttl: ttl, clk: clk}, nil
}

// Issue signs a token for the session.
func (s *TokenSigner) Issue(tenantID, sessionID uuid.UUID, customerID *uuid.UUID) (string, error) {
	now := s.clk.Now()
	claims := Claims{
		TenantID:   tenantID,
		SessionID:  sessionID,
		CustomerID: customerID,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(s.ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("session: encode claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + s.sign(encoded), nil
}

// Verify checks shape, signature, and expiry. Signature comparison is
// constant time.
func (s *TokenSigner) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrInvalidToken
	}
	expected := s.sign(parts[0])
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.TenantID == uuid.Nil || claims.SessionID == uuid.Nil || claims.ExpiresAt == 0 {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt < s.clk.Now().Unix() {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}

func (s *TokenSigner) sign(encodedPayload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
