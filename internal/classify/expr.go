package classify

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Input is the variable set exposed to rule expressions.
type Input struct {
	Action    string
	Class     string
	Impact    map[string]float64
	RiskNotes string
}

// ExprEngine compiles and caches CEL rule expressions. Results are
// fail-closed: compile errors, eval errors and non-bool results are errors.
type ExprEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewExprEngine declares the rule variables: action, class, impact, risk_notes.
func NewExprEngine() (*ExprEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("class", cel.StringType),
		cel.Variable("impact", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("risk_notes", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &ExprEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// Check compiles expr without evaluating it. Used when loading rule tables.
func (e *ExprEngine) Check(expr string) error {
	_, err := e.program(expr)
	return err
}

// Eval evaluates expr against in.
func (e *ExprEngine) Eval(expr string, in Input) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	impact := in.Impact
	if impact == nil {
		impact = map[string]float64{}
	}
	out, _, err := prg.Eval(map[string]any{
		"action":     in.Action,
		"class":      in.Class,
		"impact":     impact,
		"risk_notes": in.RiskNotes,
	})
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", expr, err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: result is not bool", expr)
	}
	return val, nil
}

func (e *ExprEngine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("compile %q: expression must return bool, got %s", expr, ast.OutputType())
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	e.cache[expr] = p
	return p, nil
}
