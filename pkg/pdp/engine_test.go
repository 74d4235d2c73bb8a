package pdp

import (
	"context"
	"testing"
	"time"

	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

func testInput() gwtypes.DecisionInput {
	return gwtypes.DecisionInput{
		Principal: gwtypes.Principal{ID: "u1", Role: "developer", TrustLevel: gwtypes.TrustTrusted},
		Action:    gwtypes.Action{ResourceID: "res1", Operation: gwtypes.OpRead},
		Capability: gwtypes.Capability{ID: "cap1", ResourceID: "res1", Sensitivity: gwtypes.SensitivityLow},
		Context: gwtypes.DecisionContext{RequestID: "r1", Timestamp: time.Now()},
	}
}

func TestEvaluateDefaultDenyWithNoRules(t *testing.T) {
	e, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d, err := e.Evaluate(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allow {
		t.Errorf("expected default deny, got allow")
	}
}

func TestEvaluateAllowsMatchingRule(t *testing.T) {
	e, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.LoadRules(RuleSet{
		Version: "v1",
		Rules: []Rule{
			{Name: "allow-developers-read", Priority: 10, Effect: EffectAllow,
				PrincipalMatcher: Matcher{Values: []string{"developer"}},
				ActionMatcher:    Matcher{Values: []string{"read"}},
			},
		},
	})
	d, err := e.Evaluate(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allow {
		t.Errorf("expected allow, got deny: %s", d.Reason)
	}
}

func TestEvaluatePriorityOrderDenyWins(t *testing.T) {
	e, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.LoadRules(RuleSet{
		Version: "v1",
		Rules: []Rule{
			{Name: "allow-all", Priority: 1, Effect: EffectAllow},
			{Name: "deny-untrusted", Priority: 100, Effect: EffectDeny,
				Condition: `input.principal.trust_level == "untrusted"`},
		},
	})
	input := testInput()
	input.Principal.TrustLevel = gwtypes.TrustUntrusted

	d, err := e.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allow {
		t.Errorf("expected higher-priority deny rule to win")
	}
}

func TestEvaluateCELCondition(t *testing.T) {
	e, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.LoadRules(RuleSet{
		Version: "v1",
		Rules: []Rule{
			{Name: "allow-low-sensitivity", Priority: 5, Effect: EffectAllow,
				Condition: `input.capability.sensitivity == "low"`},
		},
	})

	allowed := testInput()
	d1, err := e.Evaluate(context.Background(), allowed)
	if err != nil || !d1.Allow {
		t.Fatalf("expected low-sensitivity capability to be allowed: %+v %v", d1, err)
	}

	denied := testInput()
	denied.Capability.Sensitivity = gwtypes.SensitivityCritical
	d2, err := e.Evaluate(context.Background(), denied)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d2.Allow {
		t.Errorf("expected critical-sensitivity capability to fall through to default deny")
	}
}

func TestLoadRulesInvalidatesCache(t *testing.T) {
	e, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.LoadRules(RuleSet{Version: "v1", Rules: []Rule{{Name: "allow-all", Priority: 1, Effect: EffectAllow}}})
	input := testInput()
	d1, _ := e.Evaluate(context.Background(), input)
	if !d1.Allow {
		t.Fatalf("expected allow before reload")
	}

	e.LoadRules(RuleSet{Version: "v2", Rules: []Rule{{Name: "deny-all", Priority: 1, Effect: EffectDeny}}})
	d2, _ := e.Evaluate(context.Background(), input)
	if d2.Allow {
		t.Errorf("expected reload to invalidate the cached allow decision")
	}
}

func TestEvaluateFailsClosedOnTimeout(t *testing.T) {
	e, err := New(Config{EvalTimeout: time.Nanosecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.LoadRules(RuleSet{Version: "v1", Rules: []Rule{{Name: "allow-all", Priority: 1, Effect: EffectAllow}}})

	d, err := e.Evaluate(context.Background(), testInput())
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	if d.Allow {
		t.Errorf("expected fail-closed deny on timeout")
	}
	if d.Reason != "evaluation_error: timeout" {
		t.Errorf(`expected reason "evaluation_error: timeout", got %q`, d.Reason)
	}
}
