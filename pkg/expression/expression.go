// Package expression implements the edge condition language. Conditions
// are expr expressions evaluated to a boolean against the execution
// context environment, e.g. `nodes.classify.intent == "support"` or
// `source.failed && vars.retry_route`.
package expression

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Condition is a compiled boolean condition.
type Condition struct {
	source  string
	program *vm.Program
}

// Compile parses and type-checks a condition. An empty source compiles
// to the always-true condition, matching unconditional edges.
func Compile(source string) (*Condition, error) {
	if source == "" {
		return &Condition{source: source}, nil
	}

	program, err := expr.Compile(source,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", source, err)
	}

	return &Condition{source: source, program: program}, nil
}

// Validate reports whether a condition source is well-formed without
// retaining the compiled program.
func Validate(source string) error {
	_, err := Compile(source)

	return err
}

// Evaluate runs the condition against the given environment.
func (c *Condition) Evaluate(env map[string]any) (bool, error) {
	if c.program == nil {
		return true, nil
	}

	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.source, err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", c.source, out)
	}

	return result, nil
}

// Source returns the original expression text.
func (c *Condition) Source() string {
	return c.source
}

// Eval compiles and runs a value expression, without the boolean
// constraint conditions carry. The transform handler uses it to map
// node outputs.
func Eval(source string, env map[string]any) (any, error) {
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", source, err)
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", source, err)
	}

	return out, nil
}
