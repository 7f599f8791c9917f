// Package secrets encrypts credential material at rest using an
// AES-256-GCM envelope. Wire format:
//
//	enc:v1:<iv-hex>:<tag-hex>:<ciphertext-hex>
//
// The AES key is derived from the configured raw key with HMAC-SHA256 so
// operators can supply keys of any length.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	envelopePrefix = "enc:v1:"
	keyContext     = "ai-receptionist:oauth-token-encryption:v1"
	ivSize         = 12 // 96-bit IV per GCM recommendation
	tagSize        = 16
)

var (
	ErrMalformed  = errors.New("secrets: malformed envelope")
	ErrDecryption = errors.New("secrets: decryption failed")
)

// Box encrypts and decrypts envelopes with a fixed process-wide key.
type Box struct {
	key []byte
}

// NewBox derives the AES key from the raw configured key.
func NewBox(rawKey string) (*Box, error) {
	if rawKey == "" {
		return nil, errors.New("secrets: encryption key is required")
	}
	mac := hmac.New(sha256.New, []byte(rawKey))
	mac.Write([]byte(keyContext))
	return &Box{key: mac.Sum(nil)}, nil
}

// Encrypt seals plaintext into an enc:v1 envelope.
func (b *Box) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("secrets: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: init gcm: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secrets: generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	return envelopePrefix + hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens an enc:v1 envelope. Passing a value without the envelope
// prefix is an error; callers decide how to treat legacy plaintext.
func (b *Box) Decrypt(envelope string) (string, error) {
	if !strings.HasPrefix(envelope, envelopePrefix) {
		return "", ErrMalformed
	}
	parts := strings.Split(strings.TrimPrefix(envelope, envelopePrefix), ":")
	if len(parts) != 3 {
		return "", ErrMalformed
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", ErrMalformed
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", ErrMalformed
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrMalformed
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("secrets: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secrets: init gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// IsEnvelope reports whether the value carries the enc:v1 prefix.
func IsEnvelope(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}
