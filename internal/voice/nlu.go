package voice

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
)

// Intents extracted from caller speech.
const (
	IntentBook       = "book"
	IntentReschedule = "reschedule"
	IntentCancel     = "cancel"
	IntentUnknown    = "unknown"
)

var (
	reBookIntent       = regexp.MustCompile(`\b(book|appointment|schedule|come in|availability|available|openings?|slots?)\b`)
	reRescheduleIntent = regexp.MustCompile(`\b(reschedule|move|change)\b`)
	reCancelIntent     = regexp.MustCompile(`\bcancel\b`)

	reYes = regexp.MustCompile(`\b(yes|yeah|yep|yup|correct|right|sure|sounds good|that works|perfect|absolutely)\b`)
	reNo  = regexp.MustCompile(`\b(no|nope|nah|wrong|incorrect|not right|don't|do not)\b`)

	reWrittenEmail = regexp.MustCompile(`[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	reSpokenDomain = regexp.MustCompile(`\bat\s+([a-z0-9][a-z0-9\-]*(?:\s+dot\s+[a-z0-9\-]+)+)\b`)

	reName = regexp.MustCompile(`(?:my name is|this is|i am|i'm|it's)\s+([a-z]+(?:\s+[a-z]+){0,2})`)

	reReference = regexp.MustCompile(`(?i)\bAPT[\s\-]?([A-Z0-9]{6})\b`)

	reHandoff = regexp.MustCompile(`\b(text me|text it|send (me )?(a )?(text|link|sms)|send it to my phone)\b`)

	reClockChoice = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)

	ordinalWords = map[string]int{
		"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
		"1st": 1, "2nd": 2, "3rd": 3, "4th": 4, "5th": 5,
		"one": 1, "two": 2, "three": 3,
	}
	reOptionChoice = regexp.MustCompile(`\b(?:option|number)\s+(\d)\b`)

	reNameWord  = regexp.MustCompile(`^[a-z'\-]+$`)
	reLocalWord = regexp.MustCompile(`^[a-z0-9'\-]+$`)
	reDigits4   = regexp.MustCompile(`(\d{4})`)
)

// ParseIntent classifies what the caller wants. Reschedule and cancel win
// over book so "change my appointment" does not read as a booking.
func ParseIntent(text string) string {
	lower := strings.ToLower(text)
	switch {
	case reRescheduleIntent.MatchString(lower):
		return IntentReschedule
	case reCancelIntent.MatchString(lower):
		return IntentCancel
	case reBookIntent.MatchString(lower):
		return IntentBook
	default:
		return IntentUnknown
	}
}

// ParseYesNo returns (answer, ok). Mixed or absent signals report !ok.
func ParseYesNo(text string) (bool, bool) {
	lower := strings.ToLower(text)
	yes := reYes.MatchString(lower)
	no := reNo.MatchString(lower)
	if yes == no {
		return false, false
	}
	return yes, true
}

// ParseService matches the utterance against the tenant catalog by name,
// longest name first so "deep tissue massage" beats "massage".
func ParseService(text string, tn *tenant.Tenant) (string, bool) {
	lower := strings.ToLower(text)
	best := ""
	for _, svc := range tn.Services {
		name := strings.ToLower(svc.Name)
		if strings.Contains(lower, name) && len(name) > len(best) {
			best = svc.Name
		}
	}
	return best, best != ""
}

// spokenFillers end the backward scan for the local part of a spoken email.
var spokenFillers = map[string]bool{
	"my": true, "email": true, "address": true, "is": true, "it's": true,
	"its": true, "the": true, "and": true, "um": true, "uh": true,
	"yeah": true, "so": true, "sure": true,
}

// ParseEmail extracts an address from written or spoken form
// ("alex at example dot com").
func ParseEmail(text string) (string, bool) {
	lower := strings.ToLower(text)
	if m := reWrittenEmail.FindString(lower); m != "" {
		return m, true
	}

	loc := reSpokenDomain.FindStringSubmatchIndex(lower)
	if loc == nil {
		return "", false
	}
	domain := strings.ReplaceAll(lower[loc[2]:loc[3]], " dot ", ".")
	domain = strings.ReplaceAll(domain, " ", "")

	// The local part is the run of non-filler words right before "at".
	before := strings.Fields(lower[:loc[0]])
	var local []string
	for i := len(before) - 1; i >= 0 && len(local) < 3; i-- {
		w := strings.Trim(before[i], ".,!?")
		if w == "underscore" {
			w = "_"
		} else if w == "dash" {
			w = "-"
		} else if spokenFillers[w] || !reLocalWord.MatchString(w) {
			break
		}
		local = append([]string{w}, local...)
	}
	if len(local) == 0 {
		return "", false
	}
	return strings.Join(local, "") + "@" + domain, true
}

// ParseName pulls a full name out of phrases like "my name is Jordan Lee".
// A bare one-to-three word utterance is accepted as a name as a fallback.
func ParseName(text string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if m := reName.FindStringSubmatch(lower); m != nil {
		return titleWords(m[1]), true
	}
	words := strings.Fields(lower)
	if len(words) >= 1 && len(words) <= 3 {
		for _, w := range words {
			if !reNameWord.MatchString(w) {
				return "", false
			}
		}
		return titleWords(strings.Join(words, " ")), true
	}
	return "", false
}

func titleWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// ParseSlotChoice resolves "the second one" or "10:30" against the offered
// slots, rendered in the given zone.
func ParseSlotChoice(text string, offered []time.Time, loc *time.Location) (time.Time, bool) {
	lower := strings.ToLower(text)

	if m := reOptionChoice.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= len(offered) {
			return offered[n-1], true
		}
	}
	for _, word := range strings.Fields(lower) {
		if n, ok := ordinalWords[strings.Trim(word, ".,!?")]; ok && n <= len(offered) {
			return offered[n-1], true
		}
	}

	if m := reClockChoice.FindStringSubmatch(lower); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if m[3] == "pm" && hour < 12 {
			hour += 12
		}
		if m[3] == "am" && hour == 12 {
			hour = 0
		}
		for _, slot := range offered {
			local := slot.In(loc)
			if local.Hour() == hour && local.Minute() == minute {
				return slot, true
			}
		}
	}
	return time.Time{}, false
}

// ParseReference extracts a booking reference like APT-K3N7PQ.
func ParseReference(text string) (string, bool) {
	m := reReference.FindStringSubmatch(strings.ToUpper(text))
	if m == nil {
		return "", false
	}
	return "APT-" + m[1], true
}

// ParseLast4 extracts four consecutive digits.
func ParseLast4(text string) (string, bool) {
	// Collapse "1 2 3 4" spoken digits first.
	compact := strings.ReplaceAll(text, " ", "")
	m := reDigits4.FindStringSubmatch(compact)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// WantsHandoff reports whether the caller asked to finish over text.
func WantsHandoff(text string) bool {
	return reHandoff.MatchString(strings.ToLower(text))
}
