package chat

import (
	"fmt"
	"regexp"
	"strings"
)

// Channels.
const (
	ChannelWeb   = "web"
	ChannelSMS   = "sms"
	ChannelVoice = "voice"
)

const canonicalBrand = "Bridgetown"

// PostContext tells the post-processor what actually happened this turn.
type PostContext struct {
	// BookingConfirmed is true only when confirm_booking succeeded in this
	// turn, which licenses confirmation language.
	BookingConfirmed bool
	Channel          string
}

const (
	safeConfirmation = "I'm still working on finalizing your appointment details."
	noCallsMessage   = "I can send confirmations or follow-ups by text or email."
)

var (
	// Confirmation claims the model may only make after a successful
	// confirm_booking.
	prematureConfirm = regexp.MustCompile(`(?i)\b(your (appointment|booking) (is|has been) confirmed|appointment confirmed|booking confirmed|successfully booked|you'?re all set|you are all set|all booked|booked you in)\b[.!]?`)

	// Claims of outbound phone capability the platform does not have.
	callClaimSentence = regexp.MustCompile(`(?i)[^.!?\n]*\b(call you|give you a call|phone you|ring you|transfer you|connect you (?:to|with)|someone will (?:call|reach out by phone))\b[^.!?\n]*[.!?]?`)

	legacyBrands = []string{"ChatterDesk", "Chatterdesk", "chatterdesk"}

	// Sentences smuggling a raw calendar payload into the chat.
	calendarURISentence = regexp.MustCompile(`(?i)[^.!?\n]*data:text/calendar[^.!?\n]*[.!?]?`)

	markdownLink   = regexp.MustCompile(`\[([^\]]+)\]\((https?://[^)]+)\)`)
	blockedDomains = []string{
		"facebook.com", "instagram.com", "twitter.com", "x.com",
		"tiktok.com", "youtube.com", "linktr.ee",
	}
	bareURL = regexp.MustCompile(`https?://[^\s)]+`)

	// YouTube/podcast-style closers that leak from training data.
	broadcastSignoff = regexp.MustCompile(`(?i)[^.!?\n]*\b(like and subscribe|don'?t forget to subscribe|thanks for (watching|listening|tuning in)|see you in the next (video|episode)|smash that)\b[^.!?\n]*[.!?]?`)

	markdownBold   = regexp.MustCompile(`\*\*([^*]*)\*\*`)
	markdownUnder  = regexp.MustCompile(`__([^_]*)__`)
	markdownHeader = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	bulletItem     = regexp.MustCompile(`(?m)^\s*-\s+`)
	blankRuns      = regexp.MustCompile(`\n{3,}`)
	spacedRuns     = regexp.MustCompile(`[ \t]{2,}`)
	orphanLeadIn   = regexp.MustCompile(`(?i)\b(follow us (?:on|at)|visit us (?:on|at)|check (?:us|it) out (?:on|at))\b[:\s]*[.!?]?`)
)

// Postprocess applies the deterministic output guardrails and channel
// formatting. Idempotent: running it twice yields the same text.
func Postprocess(text string, pctx PostContext) string {
	out := text

	if !pctx.BookingConfirmed {
		out = prematureConfirm.ReplaceAllString(out, safeConfirmation)
	}
	out = callClaimSentence.ReplaceAllStringFunc(out, func(s string) string {
		// Keep our own replacement stable across passes.
		if strings.Contains(s, noCallsMessage) {
			return s
		}
		return noCallsMessage
	})
	for _, brand := range legacyBrands {
		out = strings.ReplaceAll(out, brand, canonicalBrand)
	}
	out = calendarURISentence.ReplaceAllString(out, "")
	out = broadcastSignoff.ReplaceAllString(out, "")
	out = stripExternalLinks(out)

	if pctx.Channel == ChannelSMS || pctx.Channel == ChannelVoice {
		out = formatForSMS(out)
	}

	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// stripExternalLinks demotes markdown links to their text and removes bare
// URLs on blocked domains along with their lead-in phrasing.
func stripExternalLinks(text string) string {
	out := markdownLink.ReplaceAllStringFunc(text, func(m string) string {
		parts := markdownLink.FindStringSubmatch(m)
		if len(parts) != 3 {
			return m
		}
		return parts[1]
	})
	out = bareURL.ReplaceAllStringFunc(out, func(u string) string {
		for _, d := range blockedDomains {
			if strings.Contains(u, d) {
				return ""
			}
		}
		return u
	})
	out = orphanLeadIn.ReplaceAllString(out, "")
	out = spacedRuns.ReplaceAllString(out, " ")
	return out
}

// formatForSMS flattens markdown the handset cannot render and renumbers
// bulleted lists.
func formatForSMS(text string) string {
	out := markdownBold.ReplaceAllString(text, "$1")
	out = markdownUnder.ReplaceAllString(out, "$1")
	out = markdownHeader.ReplaceAllString(out, "")

	if bulletItem.MatchString(out) {
		lines := strings.Split(out, "\n")
		item := 0
		for i, line := range lines {
			if bulletItem.MatchString(line) {
				item++
				lines[i] = bulletItem.ReplaceAllString(line, fmt.Sprintf("%d) ", item))
			}
		}
		out = strings.Join(lines, "\n")
	}
	return out
}
