package policy

import (
	"testing"

	"github.com/google/uuid"
)

func TestDefaultDeny(t *testing.T) {
	e := NewEngine()
	d := e.Evaluate(Request{TenantID: uuid.New(), Action: ActionSendSMSConfirmation})
	if d.Allowed {
		t.Fatal("gated action with no rules must be denied")
	}
	if d.Rule != "default" {
		t.Fatalf("Rule = %q, want default", d.Rule)
	}
}

func TestTenantRuleBeatsPlatformRule(t *testing.T) {
	tenantID := uuid.New()
	e := NewEngine(
		Rule{Name: "platform_allow", Action: ActionSendSMSConfirmation, Effect: Allow},
		Rule{Name: "tenant_opt_out", TenantID: tenantID, Action: ActionSendSMSConfirmation, Effect: Deny, Reason: "tenant disabled sms"},
	)

	d := e.Evaluate(Request{TenantID: tenantID, Action: ActionSendSMSConfirmation})
	if d.Allowed {
		t.Fatal("tenant deny should override platform allow")
	}
	if d.Rule != "tenant_opt_out" {
		t.Fatalf("Rule = %q", d.Rule)
	}

	other := e.Evaluate(Request{TenantID: uuid.New(), Action: ActionSendSMSConfirmation})
	if !other.Allowed {
		t.Fatal("other tenants should fall through to the platform allow")
	}
}

func TestConditionGatesRule(t *testing.T) {
	e := NewEngine(Rule{
		Name:   "followups_business_hours_only",
		Action: ActionCourtesyFollowup,
		Effect: Allow,
		Condition: func(req Request) bool {
			v, _ := req.Context["business_hours"].(bool)
			return v
		},
	})

	in := Request{Action: ActionCourtesyFollowup, Context: map[string]any{"business_hours": true}}
	if !e.Evaluate(in).Allowed {
		t.Fatal("condition true should allow")
	}
	out := Request{Action: ActionCourtesyFollowup, Context: map[string]any{"business_hours": false}}
	if e.Evaluate(out).Allowed {
		t.Fatal("condition false should fall through to default deny")
	}
}

func TestDefaultRulesAllowBaseline(t *testing.T) {
	e := NewEngine(DefaultRules()...)
	for _, action := range []string{ActionSendSMSConfirmation, ActionSendReminder, ActionNotifyWaitlist, ActionCourtesyFollowup} {
		if !e.Evaluate(Request{TenantID: uuid.New(), Action: action}).Allowed {
			t.Fatalf("baseline should allow %s", action)
		}
	}
	if e.Evaluate(Request{Action: "unknown_action"}).Allowed {
		t.Fatal("unknown actions stay denied")
	}
}
