package risk

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/erfianugrah/forminator-sub000/pkg/signals"
)

// CompiledRule is a custom block rule evaluated against the signal bundle.
// A rule expression must yield a bool; true promotes the request to the
// block threshold.
type CompiledRule struct {
	Source  string
	program cel.Program
}

// CompileRules compiles the configured CEL expressions. Rules see the raw
// signal values plus the running total.
func CompileRules(exprs []string) ([]CompiledRule, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("tokenReplay", cel.BoolType),
		cel.Variable("emailScore", cel.DoubleType),
		cel.Variable("deviceSubmissions", cel.IntType),
		cel.Variable("validationAttempts", cel.IntType),
		cel.Variable("uniqueIPs", cel.IntType),
		cel.Variable("ja4RawScore", cel.DoubleType),
		cel.Variable("ipRateScore", cel.DoubleType),
		cel.Variable("headerFPScore", cel.DoubleType),
		cel.Variable("tlsAnomalyScore", cel.DoubleType),
		cel.Variable("latencyScore", cel.DoubleType),
		cel.Variable("duplicateEmail", cel.BoolType),
		cel.Variable("priorOffenses", cel.IntType),
		cel.Variable("total", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("risk: build rule environment: %w", err)
	}

	rules := make([]CompiledRule, 0, len(exprs))
	for _, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("risk: compile rule %q: %w", expr, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("risk: rule %q must evaluate to bool, got %s", expr, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("risk: program rule %q: %w", expr, err)
		}
		rules = append(rules, CompiledRule{Source: expr, program: prg})
	}
	return rules, nil
}

// Eval runs the rule against the bundle.
func (r CompiledRule) Eval(b signals.Bundle, total float64) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{
		"tokenReplay":        b.TokenReplay,
		"emailScore":         b.EmailScore,
		"deviceSubmissions":  b.DeviceSubmissions,
		"validationAttempts": b.ValidationAttempts,
		"uniqueIPs":          b.UniqueIPs,
		"ja4RawScore":        b.JA4RawScore,
		"ipRateScore":        b.IPRateScore,
		"headerFPScore":      b.HeaderFPScore,
		"tlsAnomalyScore":    b.TLSAnomalyScore,
		"latencyScore":       b.LatencyScore,
		"duplicateEmail":     b.DuplicateEmail,
		"priorOffenses":      b.PriorOffenses,
		"total":              total,
	})
	if err != nil {
		return false, err
	}
	hit, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q returned %T, want bool", r.Source, out.Value())
	}
	return hit, nil
}
