// Package validator provides JSON schema validation for workflow
// definitions and schedule requests.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// Validator validates workflow definitions and schedule requests.
type Validator struct {
	workflowSchema *jsonschema.Schema
	scheduleSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error joins the messages of an invalid result.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Path, e.Message))
	}
	return strings.Join(msgs, "; ")
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("workflow.json", strings.NewReader(workflowSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add workflow schema: %w", err)
	}
	if err := compiler.AddResource("schedule.json", strings.NewReader(scheduleSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schedule schema: %w", err)
	}

	workflowSchema, err := compiler.Compile("workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	scheduleSchema, err := compiler.Compile("schedule.json")
	if err != nil {
		return nil, fmt.Errorf("compile schedule schema: %w", err)
	}

	return &Validator{
		workflowSchema: workflowSchema,
		scheduleSchema: scheduleSchema,
	}, nil
}

// ValidateWorkflow validates a decoded workflow definition.
func (v *Validator) ValidateWorkflow(def map[string]any) *ValidationResult {
	return v.validate(v.workflowSchema, def)
}

// ValidateSchedule validates a decoded schedule request.
func (v *Validator) ValidateSchedule(req map[string]any) *ValidationResult {
	return v.validate(v.scheduleSchema, req)
}

// ValidateWorkflowJSON validates a JSON-encoded workflow definition against
// the schema, then checks that it normalizes into a graph whose connections
// reference existing nodes.
func (v *Validator) ValidateWorkflowJSON(data []byte) *ValidationResult {
	var def map[string]any
	if err := json.Unmarshal(data, &def); err != nil {
		return invalidJSON(err)
	}
	if res := v.ValidateWorkflow(def); !res.Valid {
		return res
	}

	var wf types.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return invalidJSON(err)
	}
	return checkGraph(&wf)
}

// ValidateScheduleJSON validates a JSON-encoded schedule request.
func (v *Validator) ValidateScheduleJSON(data []byte) *ValidationResult {
	var req map[string]any
	if err := json.Unmarshal(data, &req); err != nil {
		return invalidJSON(err)
	}
	return v.ValidateSchedule(req)
}

func invalidJSON(err error) *ValidationResult {
	return &ValidationResult{
		Valid: false,
		Errors: []ValidationError{
			{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
		},
	}
}

// checkGraph normalizes the workflow and reports dangling connections.
// Cycles are not rejected here; they surface at run time as a stuck graph.
func checkGraph(wf *types.Workflow) *ValidationResult {
	norm, err := graph.Normalize(wf)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, graph.ErrInvalidWorkflow) {
			msg = strings.TrimPrefix(msg, graph.ErrInvalidWorkflow.Error()+": ")
		}
		return &ValidationResult{Errors: []ValidationError{{Path: "$", Message: msg}}}
	}

	ids := make(map[string]bool, len(norm.Nodes))
	result := &ValidationResult{}
	for i, n := range norm.Nodes {
		if ids[n.ID] {
			result.Errors = append(result.Errors, ValidationError{
				Path:    fmt.Sprintf("/nodes/%d/id", i),
				Message: fmt.Sprintf("duplicate node id %q", n.ID),
			})
		}
		ids[n.ID] = true
	}
	for i, c := range norm.Connections {
		for _, end := range []string{c.From, c.To} {
			if !ids[end] {
				result.Errors = append(result.Errors, ValidationError{
					Path:    fmt.Sprintf("/connections/%d", i),
					Message: fmt.Sprintf("unknown node %q", end),
				})
			}
		}
	}
	result.Valid = len(result.Errors) == 0
	return result
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data any) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errs []ValidationError

	if verr.Message != "" {
		errs = append(errs, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errs = append(errs, extractErrors(cause)...)
	}

	return errs
}

// Embedded JSON schemas

const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "workflow.json",
  "title": "Workflow Definition",
  "description": "A graph of nodes and connections, or a legacy ordered list of steps",
  "type": "object",
  "anyOf": [
    {"required": ["nodes"], "properties": {"nodes": {"minItems": 1}}},
    {"required": ["steps"], "properties": {"steps": {"minItems": 1}}}
  ],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {
            "type": "string",
            "pattern": "^[a-zA-Z0-9][a-zA-Z0-9_.-]*$",
            "description": "Node identifier"
          },
          "type": {
            "type": "string",
            "minLength": 1,
            "description": "Step type (http, transform, conditional, ...)"
          },
          "config": {
            "type": "object",
            "description": "Step configuration"
          }
        }
      }
    },
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "fromPort": {"type": "string"},
          "to": {"type": "string", "minLength": 1},
          "toPort": {"type": "string"}
        }
      }
    },
    "steps": {
      "type": "array",
      "items": {
        "type": "object",
        "anyOf": [
          {"required": ["tool"]},
          {"required": ["type"]}
        ],
        "properties": {
          "tool": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "config": {"type": "object"},
          "connections": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["to"],
              "properties": {
                "to": {"type": ["string", "integer"]},
                "port": {"type": "string"}
              }
            }
          }
        }
      }
    }
  }
}`

const scheduleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "schedule.json",
  "title": "Schedule Request",
  "type": "object",
  "required": ["agent_id"],
  "oneOf": [
    {"required": ["cron"], "not": {"required": ["interval_seconds"]}},
    {"required": ["interval_seconds"], "not": {"required": ["cron"]}}
  ],
  "properties": {
    "agent_id": {"type": "string", "minLength": 1},
    "project_id": {"type": "string"},
    "input": {"type": "object"},
    "cron": {"type": "string", "minLength": 1},
    "interval_seconds": {"type": "integer", "minimum": 1},
    "enabled": {"type": "boolean"}
  }
}`
