// Package pdp implements the gateway's Policy Decision Point stage
// (spec §4.4): priority-ordered CEL rule evaluation over a
// DecisionInput, fail-closed on any error or timeout, backed by a
// two-tier decision cache.
package pdp

import (
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// Effect is the outcome a matched Rule applies.
type Effect string

const (
	EffectAllow     Effect = "allow"
	EffectDeny      Effect = "deny"
	EffectConstrain Effect = "constrain"
)

// Matcher is a simple glob-free set match: empty means "matches
// anything", otherwise the field's value must be present in the set.
type Matcher struct {
	Values []string
}

func (m Matcher) matches(value string) bool {
	if len(m.Values) == 0 {
		return true
	}
	for _, v := range m.Values {
		if v == value {
			return true
		}
	}
	return false
}

// Rule is one policy rule. Higher Priority is evaluated first; within
// equal priority, rules are evaluated in the order they were loaded
// and the first match wins (spec §4.4 determinism requirement).
type Rule struct {
	Name             string
	Priority         int
	Effect           Effect
	PrincipalMatcher Matcher // matched against Principal.Role
	ResourceMatcher  Matcher // matched against Action.ResourceID
	ActionMatcher    Matcher // matched against Action.Operation
	Condition        string         // CEL expression over `input`; empty means always true
	FilterMask       []string       // fields to redact; copied into the Decision of whichever rule matches
	Constraints      map[string]any // extra constraints attached to the Decision
}

func (r Rule) structurallyMatches(input gwtypes.DecisionInput) bool {
	return r.PrincipalMatcher.matches(input.Principal.Role) &&
		r.ResourceMatcher.matches(input.Action.ResourceID) &&
		r.ActionMatcher.matches(string(input.Action.Operation))
}

// RuleSet is an ordered, versioned collection of Rules.
type RuleSet struct {
	Version string
	Rules   []Rule
}

// sorted returns rules ordered by descending priority, stable within
// a priority tier.
func (rs RuleSet) sorted() []Rule {
	out := make([]Rule, len(rs.Rules))
	copy(out, rs.Rules)
	// Insertion sort: rule sets are small (tens, not thousands) and
	// this keeps ties in load order without pulling in sort.Slice's
	// non-deterministic-among-equal behavior.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
