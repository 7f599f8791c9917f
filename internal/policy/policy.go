// Package policy evaluates named allow/deny rules against tool actions.
// Gated actions default to deny when no rule matches.
package policy

import (
	"github.com/google/uuid"
)

// Effects.
const (
	Allow = "allow"
	Deny  = "deny"
)

// Well-known gated actions.
const (
	ActionSendSMSConfirmation = "send_sms_confirmation"
	ActionSendReminder        = "send_reminder"
	ActionCourtesyFollowup    = "courtesy_followup"
	ActionNotifyWaitlist      = "notify_waitlist"
)

// Request is one action evaluation.
type Request struct {
	TenantID uuid.UUID
	Action   string
	Context  map[string]any
}

// Rule is one named policy. TenantID of uuid.Nil applies platform-wide.
// Condition of nil always matches.
type Rule struct {
	Name      string
	TenantID  uuid.UUID
	Action    string
	Effect    string
	Condition func(Request) bool
	Reason    string
}

// Decision is the evaluation outcome.
type Decision struct {
	Allowed bool
	Rule    string
	Reason  string
}

// Engine holds the rule set. Rules are fixed at startup; evaluation is
// read-only and safe for concurrent use.
type Engine struct {
	rules []Rule
}

func NewEngine(rules ...Rule) *Engine {
	return &Engine{rules: rules}
}

// Evaluate checks rules in order. Tenant-scoped rules are considered
// before platform-wide ones. No match means deny.
func (e *Engine) Evaluate(req Request) Decision {
	if d, ok := e.match(req, false); ok {
		return d
	}
	if d, ok := e.match(req, true); ok {
		return d
	}
	return Decision{Allowed: false, Rule: "default", Reason: "no rule allows " + req.Action}
}

func (e *Engine) match(req Request, platformWide bool) (Decision, bool) {
	for _, r := range e.rules {
		if r.Action != req.Action {
			continue
		}
		if platformWide {
			if r.TenantID != uuid.Nil {
				continue
			}
		} else if r.TenantID != req.TenantID {
			continue
		}
		if r.Condition != nil && !r.Condition(req) {
			continue
		}
		return Decision{Allowed: r.Effect == Allow, Rule: r.Name, Reason: r.Reason}, true
	}
	return Decision{}, false
}

// DefaultRules is the platform baseline: confirmations, reminders, and
// waitlist pings allowed; courtesy follow-ups allowed (the executor still
// enforces caps and cooldowns separately).
func DefaultRules() []Rule {
	return []Rule{
		{Name: "platform_sms_confirmation", Action: ActionSendSMSConfirmation, Effect: Allow, Reason: "confirmations on by default"},
		{Name: "platform_reminders", Action: ActionSendReminder, Effect: Allow, Reason: "reminders on by default"},
		{Name: "platform_waitlist", Action: ActionNotifyWaitlist, Effect: Allow, Reason: "waitlist notifications on by default"},
		{Name: "platform_followups", Action: ActionCourtesyFollowup, Effect: Allow, Reason: "courtesy follow-ups on by default"},
	}
}
