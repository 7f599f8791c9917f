package outbox

import (
	"context"
	"errors"
	"net"
)

// Error categories drive retry policy and show up in audit payloads.
const (
	CategoryNetwork       = "network"
	CategoryRateLimit     = "rate_limit"
	CategoryOptOut        = "opt_out"
	CategoryInvalidNumber = "invalid_number"
	CategoryAuthFailure   = "auth_failure"
	CategoryUndelivered   = "undelivered"
	CategoryBlocked       = "blocked"
	CategorySimulator     = "simulator"
	CategoryUnknown       = "unknown"
)

// Categorize maps a send failure to its category for audit payloads and
// metrics. Retry policy is attempts-based: every failure retries with
// backoff until max_attempts.
func Categorize(err error) string {
	if err == nil {
		return ""
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		switch sendErr.Code {
		case "21211", "21214", "21217", "21408":
			return CategoryInvalidNumber
		case "21610":
			return CategoryOptOut
		case "20429", "14107", "63017":
			return CategoryRateLimit
		case "20003", "20005":
			return CategoryAuthFailure
		case "30003", "30005", "30006", "30008":
			return CategoryUndelivered
		case "30004", "30007":
			return CategoryBlocked
		}
		switch sendErr.HTTPStatus {
		case 401, 403:
			return CategoryAuthFailure
		case 429:
			return CategoryRateLimit
		}
		return CategoryUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return CategoryNetwork
	}
	return CategoryUnknown
}
