package steps

import (
	"context"
	"fmt"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/expr"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// TransformStep reshapes data from earlier nodes.
//
// Config "mappings" is an object of output keys to templates; by the time
// Run sees it every template is already resolved to a string, so the
// output is the resolved mapping. Config "expression" is evaluated instead
// when no mappings are given and its value is returned as "result".
type TransformStep struct {
	Eval *expr.Evaluator
}

func (s *TransformStep) Type() string { return types.StepTransform }

func (s *TransformStep) Run(_ context.Context, cfg map[string]any, env map[string]any) (map[string]any, error) {
	if raw, ok := cfg["mappings"]; ok {
		mappings, ok := raw.(map[string]any)
		if !ok {
			return nil, invalidConfig("transform mappings must be an object, got %T", raw)
		}
		out := make(map[string]any, len(mappings))
		for k, v := range mappings {
			out[k] = v
		}
		return out, nil
	}

	if expression := getString(cfg, "expression"); expression != "" {
		v, err := s.Eval.Evaluate(expression, env)
		if err != nil {
			return nil, Permanent(fmt.Errorf("transform: %w", err))
		}
		return map[string]any{"result": v}, nil
	}

	return nil, invalidConfig("transform step requires mappings or expression")
}

// ConditionalStep evaluates a boolean expression over the run context.
// Output: {result: bool, branch: "true"|"false"}. The orchestrator follows
// only connections whose source port matches branch.
type ConditionalStep struct {
	Eval *expr.Evaluator
}

func (s *ConditionalStep) Type() string { return types.StepConditional }

func (s *ConditionalStep) Run(_ context.Context, cfg map[string]any, env map[string]any) (map[string]any, error) {
	expression := getString(cfg, "expression")
	if expression == "" {
		expression = getString(cfg, "condition")
	}
	if expression == "" {
		return nil, invalidConfig("conditional step requires expression")
	}

	result, err := s.Eval.EvaluateBool(expression, env)
	if err != nil {
		return nil, Permanent(fmt.Errorf("conditional: %w", err))
	}

	branch := types.BranchFalse
	if result {
		branch = types.BranchTrue
	}
	return map[string]any{
		"result": result,
		"branch": branch,
	}, nil
}
