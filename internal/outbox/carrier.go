package outbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

const carrierTimeout = 15 * time.Second

// SendResult is a successful carrier handoff.
type SendResult struct {
	SID       string
	Simulated bool
}

// Sender delivers one SMS. Implementations: TwilioSender, Simulator.
type Sender interface {
	Send(ctx context.Context, to, body string) (*SendResult, error)
}

// SendError is a carrier-reported failure with its provider error code.
type SendError struct {
	Code       string // provider error code, e.g. "21211"
	HTTPStatus int
	Message    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("carrier error %s (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// TwilioSender posts to the carrier's Messages endpoint with basic auth.
type TwilioSender struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	client     *http.Client
}

func NewTwilioSender(accountSID, authToken, from string) *TwilioSender {
	return &TwilioSender{
		accountSID: accountSID,
		authToken:  authToken,
		from:       from,
		baseURL:    "https://api.twilio.com",
		client:     &http.Client{Timeout: carrierTimeout},
	}
}

// WithBaseURL points the sender at a test server.
func (t *TwilioSender) WithBaseURL(base string) *TwilioSender {
	t.baseURL = strings.TrimRight(base, "/")
	return t
}

type carrierResponse struct {
	SID     string `json:"sid"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *TwilioSender) Send(ctx context.Context, to, body string) (*SendResult, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", t.from)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("outbox: build carrier request: %w", err)
	}
	req.SetBasicAuth(t.accountSID, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("outbox: carrier request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("outbox: read carrier response: %w", err)
	}

	var parsed carrierResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := ""
		if parsed.Code != 0 {
			code = strconv.Itoa(parsed.Code)
		}
		msg := parsed.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, &SendError{Code: code, HTTPStatus: resp.StatusCode, Message: msg}
	}
	if parsed.SID == "" {
		return nil, fmt.Errorf("outbox: carrier response missing sid")
	}
	return &SendResult{SID: parsed.SID}, nil
}

// Simulator stands in for the carrier when credentials are absent. It
// behaves observably like success so the audit trail and outbox states
// do not bifurcate between environments.
type Simulator struct {
	log *logging.Logger
}

func NewSimulator(log *logging.Logger) *Simulator {
	if log == nil {
		log = logging.Default()
	}
	return &Simulator{log: log.Component("sms_simulator")}
}

func (s *Simulator) Send(_ context.Context, to, body string) (*SendResult, error) {
	sid := "SIM_" + randomHex(16)
	s.log.Info("simulated sms send",
		"to_last4", last4(to),
		"body_length", len(body),
		"sid", sid)
	return &SendResult{SID: sid, Simulated: true}, nil
}

func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("0", n)
	}
	return hex.EncodeToString(buf)[:n]
}

func last4(phone string) string {
	digits := make([]byte, 0, len(phone))
	for i := 0; i < len(phone); i++ {
		if phone[i] >= '0' && phone[i] <= '9' {
			digits = append(digits, phone[i])
		}
	}
	if len(digits) < 4 {
		return "***"
	}
	return string(digits[len(digits)-4:])
}
