package expr

import (
	"strings"
	"testing"
)

func TestEvaluator_Evaluate(t *testing.T) {
	eval := NewEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]any
		want       any
		wantErr    bool
	}{
		{
			name:       "simple arithmetic",
			expression: "1 + 2",
			env:        map[string]any{},
			want:       3,
		},
		{
			name:       "variable access",
			expression: "x + y",
			env:        map[string]any{"x": 10, "y": 5},
			want:       15,
		},
		{
			name:       "comparison",
			expression: "score > 0.8",
			env:        map[string]any{"score": 0.9},
			want:       true,
		},
		{
			name:       "node output access",
			expression: "H.data.x",
			env: map[string]any{
				"H": map[string]any{
					"status": 200.0,
					"data":   map[string]any{"x": 1.0},
				},
			},
			want: 1.0,
		},
		{
			name:       "mixed numeric equality",
			expression: "H.status == 200",
			env:        map[string]any{"H": map[string]any{"status": 200.0}},
			want:       true,
		},
		{
			name:       "ternary operator",
			expression: "enabled ? 'on' : 'off'",
			env:        map[string]any{"enabled": true},
			want:       "on",
		},
		{
			name:       "complex condition",
			expression: "status == 'complete' && retries < 3",
			env:        map[string]any{"status": "complete", "retries": 1},
			want:       true,
		},
		{
			name:       "undefined variable is nil",
			expression: "undefined_var",
			env:        map[string]any{},
			want:       nil,
		},
		{
			name:       "invalid expression",
			expression: "invalid syntax !!!",
			env:        map[string]any{},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Evaluate(tt.expression, tt.env)
			if (err != nil) != tt.wantErr {
				t.Errorf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Evaluate() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestEvaluator_EvaluateBool(t *testing.T) {
	eval := NewEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]any
		want       bool
		wantErr    bool
	}{
		{"true condition", "x > 5", map[string]any{"x": 10}, true, false},
		{"false condition", "x > 5", map[string]any{"x": 3}, false, false},
		{"boolean variable", "enabled", map[string]any{"enabled": true}, true, false},
		{"int falsy", "count", map[string]any{"count": 0}, false, false},
		{"string truthy", "name", map[string]any{"name": "test"}, true, false},
		{"string false literal", "flag", map[string]any{"flag": "false"}, false, false},
		{"nil value", "value", map[string]any{"value": nil}, false, false},
		{"float falsy", "score", map[string]any{"score": 0.0}, false, false},
		{"map result", "m", map[string]any{"m": map[string]any{}}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvaluateBool(tt.expression, tt.env)
			if (err != nil) != tt.wantErr {
				t.Errorf("EvaluateBool() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("EvaluateBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluator_EvaluateString(t *testing.T) {
	eval := NewEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]any
		want       string
	}{
		{"string variable", "name", map[string]any{"name": "test"}, "test"},
		{"int to string", "count", map[string]any{"count": 42}, "42"},
		{"whole float", "n", map[string]any{"n": 1.0}, "1"},
		{"float to string", "score", map[string]any{"score": 3.14}, "3.14"},
		{"bool to string", "enabled", map[string]any{"enabled": true}, "true"},
		{"map to json", "m", map[string]any{"m": map[string]any{"a": 1.0}}, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.EvaluateString(tt.expression, tt.env)
			if err != nil {
				t.Fatalf("EvaluateString() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("EvaluateString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEvaluator_Interpolate(t *testing.T) {
	eval := NewEvaluator()
	env := map[string]any{
		"H":    map[string]any{"data": map[string]any{"x": 1.0, "name": "ada"}},
		"user": "bob",
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"no template", "plain text", "plain text", false},
		{"whole value", "{{H.data.x}}", "1", false},
		{"embedded", "Hello {{ user }}, you are {{H.data.name}}!", "Hello bob, you are ada!", false},
		{"missing root", "[{{ missing.field }}]", "[]", false},
		{"missing leaf", "[{{ H.data.nope }}]", "[]", false},
		{"expression", "{{ H.data.x + 1 }}", "2", false},
		{"syntax error", "{{ 1 + }}", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eval.Interpolate(tt.input, env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Interpolate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Interpolate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEvaluator_InterpolateConfig(t *testing.T) {
	eval := NewEvaluator()
	env := map[string]any{"H": map[string]any{"id": 7.0}}

	cfg := map[string]any{
		"url":     "https://api.example.com/items/{{H.id}}",
		"retries": 3,
		"headers": map[string]any{"X-Item": "{{ H.id }}"},
		"tags":    []any{"a", "{{H.id}}"},
	}

	got, err := eval.InterpolateConfig(cfg, env)
	if err != nil {
		t.Fatalf("InterpolateConfig() error = %v", err)
	}
	if got["url"] != "https://api.example.com/items/7" {
		t.Errorf("url = %v", got["url"])
	}
	if got["retries"] != 3 {
		t.Errorf("retries = %v", got["retries"])
	}
	if got["headers"].(map[string]any)["X-Item"] != "7" {
		t.Errorf("headers = %v", got["headers"])
	}
	if got["tags"].([]any)[1] != "7" {
		t.Errorf("tags = %v", got["tags"])
	}
	if cfg["url"] != "https://api.example.com/items/{{H.id}}" {
		t.Error("input config was mutated")
	}
}

func TestEvaluator_Caching(t *testing.T) {
	eval := NewEvaluator()

	result1, err := eval.Evaluate("x + 1", map[string]any{"x": 5})
	if err != nil {
		t.Fatalf("First evaluation failed: %v", err)
	}
	if result1 != 6 {
		t.Errorf("First result = %v, want 6", result1)
	}

	result2, err := eval.Evaluate("x + 1", map[string]any{"x": 10})
	if err != nil {
		t.Fatalf("Second evaluation failed: %v", err)
	}
	if result2 != 11 {
		t.Errorf("Second result = %v, want 11", result2)
	}

	eval.mu.RLock()
	_, cached := eval.compiled["x + 1"]
	eval.mu.RUnlock()
	if !cached {
		t.Error("Expression should be cached")
	}
}

func TestEvaluator_MaxLength(t *testing.T) {
	eval := NewEvaluator()
	eval.MaxExpressionLength = 10

	if _, err := eval.Evaluate("1 + 2", nil); err != nil {
		t.Errorf("Short expression should not error: %v", err)
	}
	_, err := eval.Evaluate(strings.Repeat("1 + ", 10)+"1", nil)
	if err == nil || !strings.Contains(err.Error(), "maximum length") {
		t.Errorf("expected length error, got %v", err)
	}
}
