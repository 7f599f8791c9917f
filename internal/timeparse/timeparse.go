// Package timeparse deterministically resolves natural-language date/time
// utterances ("tomorrow at 3pm") to absolute instants. It runs before any
// LLM call so the model can never hallucinate what day it is.
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
)

// Input carries the utterance plus the timezone context it resolves in.
// ClientTZ wins over TenantTZ when it is a valid IANA zone.
type Input struct {
	Utterance        string
	ClientTZ         string
	TenantTZ         string
	BusinessOpenHour int // local opening hour for "morning"; 0 means unknown
}

// Result is a resolved slot candidate. EndUTC defaults to StartUTC + 60m.
type Result struct {
	StartUTC   time.Time
	EndUTC     time.Time
	Confidence string // "high" or "medium"
	Reasons    []string
}

const defaultDuration = 60 * time.Minute

var (
	reClockAmPm = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\s*(am|pm)\b`)
	reHourAmPm  = regexp.MustCompile(`\b(\d{1,2})\s*(am|pm)\b`)
	reClock24   = regexp.MustCompile(`\b(\d{1,2}):(\d{2})\b`)
	reBareAt    = regexp.MustCompile(`\bat\s+(\d{1,2})\b`)

	weekdays = map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}

	reWeekday = regexp.MustCompile(`\b(?:(next|this)\s+)?(?:on\s+)?(sunday|monday|tuesday|wednesday|thursday|friday|saturday)\b`)
)

// Resolve maps an utterance to an absolute slot, or nil when the utterance
// does not pin down both a date and a time. Same (utterance, now, zones)
// always yields the same output.
func Resolve(in Input, now time.Time) *Result {
	text := strings.ToLower(strings.TrimSpace(in.Utterance))
	if text == "" {
		return nil
	}

	loc := time.UTC
	if clock.ValidZone(in.ClientTZ) {
		loc = clock.Location(in.ClientTZ)
	} else if clock.ValidZone(in.TenantTZ) {
		loc = clock.Location(in.TenantTZ)
	}
	localNow := now.In(loc)

	var reasons []string

	date, dateReason, ok := resolveDate(text, localNow)
	if !ok {
		return nil
	}
	reasons = append(reasons, dateReason)

	hour, minute, confidence, timeReason, ok := resolveTime(text, in.BusinessOpenHour)
	if !ok {
		// Date without a time is not enough to book.
		return nil
	}
	reasons = append(reasons, timeReason)

	start := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, loc)
	return &Result{
		StartUTC:   start.UTC(),
		EndUTC:     start.Add(defaultDuration).UTC(),
		Confidence: confidence,
		Reasons:    reasons,
	}
}

// ResolveDay resolves just the calendar day of an utterance, for flows that
// collect the time in a separate turn. Returns local midnight of the
// resolved day in the winning zone.
func ResolveDay(in Input, now time.Time) (time.Time, bool) {
	text := strings.ToLower(strings.TrimSpace(in.Utterance))
	if text == "" {
		return time.Time{}, false
	}

	loc := time.UTC
	if clock.ValidZone(in.ClientTZ) {
		loc = clock.Location(in.ClientTZ)
	} else if clock.ValidZone(in.TenantTZ) {
		loc = clock.Location(in.TenantTZ)
	}
	date, _, ok := resolveDate(text, now.In(loc))
	if !ok {
		return time.Time{}, false
	}
	return time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc), true
}

func resolveDate(text string, localNow time.Time) (time.Time, string, bool) {
	switch {
	case strings.Contains(text, "day after tomorrow"):
		return localNow.AddDate(0, 0, 2), "relative_day:day_after_tomorrow", true
	case strings.Contains(text, "tomorrow"):
		return localNow.AddDate(0, 0, 1), "relative_day:tomorrow", true
	case strings.Contains(text, "today") || strings.Contains(text, "tonight"):
		return localNow, "relative_day:today", true
	}

	if m := reWeekday.FindStringSubmatch(text); m != nil {
		qualifier, name := m[1], m[2]
		target := weekdays[name]
		days := int(target-localNow.Weekday()+7) % 7
		switch qualifier {
		case "next":
			// "next monday" is always a future monday, even said on a monday.
			if days == 0 {
				days = 7
			}
		default:
			// Bare or "this" weekday resolves to today when it matches.
		}
		return localNow.AddDate(0, 0, days), "weekday:" + name, true
	}

	return time.Time{}, "", false
}

func resolveTime(text string, openHour int) (hour, minute int, confidence, reason string, ok bool) {
	if m := reClockAmPm.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		h = to24(h, m[3])
		if validClock(h, min) {
			return h, min, "high", fmt.Sprintf("time:%s:%s%s", m[1], m[2], m[3]), true
		}
	}
	if m := reHourAmPm.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		h = to24(h, m[2])
		if validClock(h, 0) {
			return h, 0, "high", fmt.Sprintf("time:%s%s", m[1], m[2]), true
		}
	}
	if m := reClock24.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		if validClock(h, min) {
			return h, min, "high", fmt.Sprintf("time:%s:%s", m[1], m[2]), true
		}
	}
	if m := reBareAt.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		// "at 2" almost always means afternoon for a business visit.
		if h >= 1 && h <= 7 {
			return h + 12, 0, "medium", fmt.Sprintf("time:presumed_pm:%d", h), true
		}
		if validClock(h, 0) {
			return h, 0, "medium", fmt.Sprintf("time:%d", h), true
		}
	}

	switch {
	case strings.Contains(text, "morning"):
		h := openHour
		if h <= 0 {
			h = 9
		}
		return h, 0, "medium", "period:morning", true
	case strings.Contains(text, "afternoon"):
		return 14, 0, "medium", "period:afternoon", true
	case strings.Contains(text, "evening") || strings.Contains(text, "tonight"):
		return 17, 0, "medium", "period:evening", true
	}

	return 0, 0, "", "", false
}

func to24(h int, meridiem string) int {
	switch meridiem {
	case "pm":
		if h != 12 {
			h += 12
		}
	case "am":
		if h == 12 {
			h = 0
		}
	}
	return h
}

func validClock(h, m int) bool {
	return h >= 0 && h <= 23 && m >= 0 && m <= 59
}
