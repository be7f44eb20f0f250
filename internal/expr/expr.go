// Package expr provides safe expression evaluation and {{ }} template
// interpolation over a run's execution context.
package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultMaxExpressionLength limits expression size.
const DefaultMaxExpressionLength = 4096

// Evaluator provides safe expression evaluation with caching.
// Expressions are compiled once against a dynamic environment and cached.
type Evaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size for security (default: 4096)
	MaxExpressionLength int
}

// NewEvaluator creates a new expression evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: DefaultMaxExpressionLength,
	}
}

// Default is the process-wide evaluator used by template interpolation.
var Default = NewEvaluator()

func (e *Evaluator) program(expression string) (*vm.Program, error) {
	if len(expression) > e.MaxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", e.MaxExpressionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	// The environment is a map whose shape differs per run, so variables
	// are resolved at run time rather than type-checked at compile time.
	prog, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}

	e.mu.Lock()
	e.compiled[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// Evaluate evaluates an expression against an environment. The environment
// is the run context: initial input keys plus one entry per completed node
// id holding that node's output.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (any, error) {
	prog, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = map[string]any{}
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// EvaluateBool evaluates an expression and returns a boolean result.
// Numbers and strings are coerced by truthiness.
func (e *Evaluator) EvaluateBool(expression string, env map[string]any) (bool, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "" && v != "false", nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, result)
	}
}

// EvaluateString evaluates an expression and returns its string form.
func (e *Evaluator) EvaluateString(expression string, env map[string]any) (string, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return "", err
	}
	return Stringify(result), nil
}

// Stringify renders a value the way templates do: nil becomes "", maps and
// slices become JSON, everything else uses fmt.Sprint.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

var templatePattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// HasTemplate reports whether s contains a {{ }} placeholder.
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{") && templatePattern.MatchString(s)
}

// Interpolate replaces every {{ expr }} in s with the stringified result of
// evaluating expr against env. Expressions that reference missing values
// render as empty strings; expressions that fail to compile are errors.
func (e *Evaluator) Interpolate(s string, env map[string]any) (string, error) {
	if !HasTemplate(s) {
		return s, nil
	}

	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := templatePattern.FindStringSubmatch(match)[1]
		if inner == "" {
			return ""
		}
		if _, err := e.program(inner); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		v, err := e.Evaluate(inner, env)
		if err != nil {
			return ""
		}
		return Stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// InterpolateConfig returns a copy of cfg with every string value, at any
// depth, interpolated against env.
func (e *Evaluator) InterpolateConfig(cfg map[string]any, env map[string]any) (map[string]any, error) {
	if cfg == nil {
		return nil, nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		resolved, err := e.interpolateValue(v, env)
		if err != nil {
			return nil, fmt.Errorf("config %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func (e *Evaluator) interpolateValue(v any, env map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return e.Interpolate(val, env)
	case map[string]any:
		return e.InterpolateConfig(val, env)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := e.interpolateValue(item, env)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
