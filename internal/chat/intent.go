package chat

import (
	"regexp"
	"strings"
)

// Intents the router can act on without the model.
const (
	IntentBook       = "book"
	IntentReschedule = "reschedule"
	IntentCancel     = "cancel"
	IntentOther      = "other"
)

var (
	bookWords       = regexp.MustCompile(`\b(book|appointment|schedule|reserve|come in|availability|available|openings?|slots?)\b`)
	rescheduleWords = regexp.MustCompile(`\b(reschedule|move|change) (my )?(appointment|booking|time)\b|\breschedule\b`)
	cancelWords     = regexp.MustCompile(`\bcancel\b`)
)

// ClassifyIntent is a cheap keyword pass used only to decide routing; the
// model still sees the raw message.
func ClassifyIntent(message string) string {
	lower := strings.ToLower(message)
	switch {
	case rescheduleWords.MatchString(lower):
		return IntentReschedule
	case cancelWords.MatchString(lower):
		return IntentCancel
	case bookWords.MatchString(lower):
		return IntentBook
	default:
		return IntentOther
	}
}
