package chat

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// OTP outcomes.
var (
	ErrOTPRateLimited = errors.New("chat: verification rate limit reached")
	ErrOTPMismatch    = errors.New("chat: verification code mismatch")
	ErrOTPExpired     = errors.New("chat: verification code expired")
	ErrOTPTooMany     = errors.New("chat: too many verification attempts")
)

const (
	otpDigits      = 6
	otpMaxAttempts = 5
)

// Mailer delivers the verification code. SendGrid in production, a stub in
// tests.
type Mailer interface {
	SendVerificationCode(ctx context.Context, toEmail, code string) error
}

// OTPService issues and checks 6-digit email verification codes. Only a
// SHA-256 hash of the code is stored, never the code itself.
type OTPService struct {
	rdb       redis.UniversalClient
	mailer    Mailer
	ttl       time.Duration
	rateLimit int
	log       *logging.Logger
}

func NewOTPService(rdb redis.UniversalClient, mailer Mailer, ttl time.Duration, rateLimit int, log *logging.Logger) *OTPService {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if rateLimit <= 0 {
		rateLimit = 5
	}
	if log == nil {
		log = logging.Default()
	}
	return &OTPService{
		rdb:       rdb,
		mailer:    mailer,
		ttl:       ttl,
		rateLimit: rateLimit,
		log:       log.Component("otp"),
	}
}

func otpKey(sessionID, email string) string {
	return "otp:code:" + sessionID + ":" + strings.ToLower(strings.TrimSpace(email))
}

func otpAttemptsKey(sessionID, email string) string {
	return "otp:attempts:" + sessionID + ":" + strings.ToLower(strings.TrimSpace(email))
}

func otpRateKey(email string) string {
	return "otp:rate:" + strings.ToLower(strings.TrimSpace(email))
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// Issue generates a code, stores its hash, and emails it. Issuance is
// rate-limited per destination address.
func (s *OTPService) Issue(ctx context.Context, sessionID, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	count, err := s.rdb.Incr(ctx, otpRateKey(email)).Result()
	if err != nil {
		return fmt.Errorf("chat: otp rate counter: %w", err)
	}
	if count == 1 {
		s.rdb.Expire(ctx, otpRateKey(email), time.Hour)
	}
	if count > int64(s.rateLimit) {
		s.log.Warn("verification rate limit hit", "email_hash", audit.MaskEmail(email))
		return ErrOTPRateLimited
	}

	code, err := generateCode(otpDigits)
	if err != nil {
		return fmt.Errorf("chat: generate otp: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, otpKey(sessionID, email), hashCode(code), s.ttl)
	pipe.Set(ctx, otpAttemptsKey(sessionID, email), 0, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chat: store otp: %w", err)
	}

	if err := s.mailer.SendVerificationCode(ctx, email, code); err != nil {
		return fmt.Errorf("chat: send otp email: %w", err)
	}
	s.log.Info("verification code sent", "email_hash", audit.MaskEmail(email))
	return nil
}

// Check verifies a submitted code. The stored hash is deleted on success so
// a code can be used at most once.
func (s *OTPService) Check(ctx context.Context, sessionID, email, code string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	code = strings.TrimSpace(code)

	attempts, err := s.rdb.Incr(ctx, otpAttemptsKey(sessionID, email)).Result()
	if err != nil {
		return fmt.Errorf("chat: otp attempts counter: %w", err)
	}
	if attempts > otpMaxAttempts {
		return ErrOTPTooMany
	}

	stored, err := s.rdb.Get(ctx, otpKey(sessionID, email)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrOTPExpired
	}
	if err != nil {
		return fmt.Errorf("chat: load otp: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(hashCode(code))) != 1 {
		return ErrOTPMismatch
	}

	s.rdb.Del(ctx, otpKey(sessionID, email), otpAttemptsKey(sessionID, email))
	return nil
}

func generateCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
