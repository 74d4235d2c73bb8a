package pdp

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// celEvaluator compiles and caches CEL programs for Rule.Condition
// expressions, grounded on the kernel's CELDPEvaluator: one shared
// cel.Env exposing an `input` map, compile-once-evaluate-many per
// expression.
type celEvaluator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("pdp: cel env construction failed: %w", err)
	}
	return &celEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

func (e *celEvaluator) program(expr string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("pdp: cel compile failed for %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("pdp: cel program construction failed for %q: %w", expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// eval returns whether the rule's condition holds for input. An empty
// condition always holds.
func (e *celEvaluator) eval(expr string, input gwtypes.DecisionInput) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	val, _, err := prg.Eval(map[string]any{"input": decisionInputToCEL(input)})
	if err != nil {
		return false, fmt.Errorf("pdp: cel evaluation failed for %q: %w", expr, err)
	}
	b, ok := val.Value().(bool)
	if !ok {
		return false, fmt.Errorf("pdp: cel condition %q did not evaluate to a bool", expr)
	}
	return b, nil
}

func decisionInputToCEL(input gwtypes.DecisionInput) map[string]any {
	return map[string]any{
		"principal": map[string]any{
			"id":          input.Principal.ID,
			"type":        string(input.Principal.Type),
			"role":        input.Principal.Role,
			"teams":       input.Principal.Teams,
			"trust_level": string(input.Principal.TrustLevel),
			"attributes":  stringMapToAny(input.Principal.Attributes),
		},
		"action": map[string]any{
			"resource_id": input.Action.ResourceID,
			"operation":   string(input.Action.Operation),
			"parameters":  input.Action.Parameters,
		},
		"capability": map[string]any{
			"id":          input.Capability.ID,
			"resource_id": input.Capability.ResourceID,
			"name":        input.Capability.Name,
			"sensitivity": string(input.Capability.Sensitivity),
			"cost_class":  string(input.Capability.CostClass),
		},
		"context": map[string]any{
			"ip_address":  input.Context.IPAddress,
			"request_id":  input.Context.RequestID,
			"environment": stringMapToAny(input.Context.Environment),
		},
	}
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
