// Package risk scores conversational behaviour before money-adjacent
// actions. The engine fails open: when it cannot score, it allows.
package risk

import (
	"strings"
	"time"

	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// Thresholds. A score at or above Block stops the confirm; Cooldown asks
// the caller to slow down first.
const (
	BlockThreshold    = 80
	CooldownThreshold = 60
)

// Signals describe the session at decision time.
type Signals struct {
	MessageCount      int
	BookingCount      int
	SessionAge        time.Duration
	DistinctEmails    int
	DistinctPhones    int
	RecentCancelCount int
	Channel           string
}

// Assessment is the scoring outcome.
type Assessment struct {
	Score    int
	Allowed  bool
	Cooldown bool
	Reasons  []string
}

// Engine is stateless; construct once and share.
type Engine struct {
	log *logging.Logger
}

func NewEngine(log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	return &Engine{log: log.Component("risk")}
}

// Assess scores the signals. Unknown or partial signals only lower the
// score, never raise it, so a broken signal source cannot lock customers
// out.
func (e *Engine) Assess(s Signals) Assessment {
	var (
		score   int
		reasons []string
	)

	if s.DistinctEmails > 2 {
		score += 30
		reasons = append(reasons, "multiple_identities")
	}
	if s.DistinctPhones > 2 {
		score += 30
		reasons = append(reasons, "multiple_phones")
	}
	if s.BookingCount >= 3 && s.SessionAge < 10*time.Minute {
		score += 40
		reasons = append(reasons, "booking_velocity")
	}
	if s.RecentCancelCount >= 3 {
		score += 25
		reasons = append(reasons, "cancel_churn")
	}
	if s.MessageCount > 80 {
		score += 15
		reasons = append(reasons, "session_length")
	}

	a := Assessment{
		Score:    score,
		Allowed:  score < BlockThreshold,
		Cooldown: score >= CooldownThreshold && score < BlockThreshold,
		Reasons:  reasons,
	}
	if !a.Allowed || a.Cooldown {
		e.log.Warn("elevated risk score",
			"score", score,
			"reasons", strings.Join(reasons, ","),
			"channel", s.Channel)
	}
	return a
}
