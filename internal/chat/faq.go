package chat

import (
	"fmt"
	"strings"

	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
)

// FAQ answers storefront questions from the tenant profile without an LLM
// call. Matching is keyword-based and deliberately conservative: when in
// doubt, fall through to the model.
type FAQ struct{}

func NewFAQ() *FAQ { return &FAQ{} }

type faqRule struct {
	keywords []string
	answer   func(t *tenant.Tenant) string
}

var faqRules = []faqRule{
	{
		keywords: []string{"price", "pricing", "cost", "how much", "fee"},
		answer:   priceAnswer,
	},
	{
		keywords: []string{"hours", "open", "close", "what time are you"},
		answer:   hoursAnswer,
	},
	{
		keywords: []string{"what services", "services do you", "what do you offer", "service list"},
		answer:   servicesAnswer,
	},
}

// Answer returns a canned reply and true on a hit.
func (f *FAQ) Answer(message string, t *tenant.Tenant) (string, bool) {
	lower := strings.ToLower(message)
	for _, rule := range faqRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				if a := rule.answer(t); a != "" {
					return a, true
				}
			}
		}
	}
	return "", false
}

func priceAnswer(t *tenant.Tenant) string {
	var priced []string
	for _, s := range t.Services {
		if s.PriceCents > 0 {
			priced = append(priced, fmt.Sprintf("%s: $%d.%02d", s.Name, s.PriceCents/100, s.PriceCents%100))
		}
	}
	if len(priced) == 0 {
		return ""
	}
	return "Here's our pricing: " + strings.Join(priced, ", ") + ". Want me to book you in?"
}

func hoursAnswer(t *tenant.Tenant) string {
	days := []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}
	var open []string
	for _, d := range days {
		h, ok := t.Hours[d]
		if !ok || h.Open == "" {
			continue
		}
		open = append(open, fmt.Sprintf("%s %s-%s", capitalize(d), h.Open, h.Close))
	}
	if len(open) == 0 {
		return ""
	}
	return "We're open " + strings.Join(open, ", ") + "."
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func servicesAnswer(t *tenant.Tenant) string {
	if len(t.Services) == 0 {
		return ""
	}
	names := make([]string, 0, len(t.Services))
	for _, s := range t.Services {
		names = append(names, s.Name)
	}
	return "We offer " + strings.Join(names, ", ") + ". Which one would you like to book?"
}
