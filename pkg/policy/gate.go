package policy

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
)

// Gate is a compiled CEL predicate over a proposal and its case. A nil
// Gate always allows; a Gate that errors at evaluation always denies.
type Gate struct {
	prg cel.Program
}

// CompileGate compiles the profile's gate expression. An empty
// expression compiles to a nil Gate.
func CompileGate(expr string) (*Gate, error) {
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.DynType),
		cel.Variable("case", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("gate env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("gate compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("gate expression must be boolean, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("gate program: %w", err)
	}
	return &Gate{prg: prg}, nil
}

// Allows evaluates the gate. Deny-on-error: a broken expression or
// unexpected input shape must never open the auto path.
func (g *Gate) Allows(p *contracts.Proposal, c *contracts.Case) bool {
	if g == nil {
		return true
	}
	out, _, err := g.prg.Eval(map[string]any{
		"proposal": toDyn(p),
		"case":     toDyn(c),
	})
	if err != nil {
		return false
	}
	allowed, ok := out.Value().(bool)
	return ok && allowed
}

// toDyn flattens a struct through JSON so CEL sees the wire field names.
func toDyn(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}
