// Package types provides shared types for the automations service.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Default connection ports.
const (
	DefaultFromPort = "output"
	DefaultToPort   = "input"
)

// Step type identifiers understood by the step executors.
const (
	StepHTTP        = "http"
	StepWebhook     = "webhook"
	StepTransform   = "transform"
	StepConditional = "conditional"
	StepEmail       = "email"
	StepSMS         = "sms"
	StepLLM         = "llm"
	StepDatabase    = "database"
	StepDelay       = "delay"
	StepLongPoll    = "long_poll"
)

// Conditional branch ports. A conditional node reports the selected one in
// its "branch" output.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// Node is a single step in a workflow graph.
type Node struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Connection is a directed edge between two nodes.
type Connection struct {
	From     string `json:"from"`
	FromPort string `json:"fromPort,omitempty"`
	To       string `json:"to"`
	ToPort   string `json:"toPort,omitempty"`
}

// FromPortOrDefault returns the source port, defaulting to "output".
func (c Connection) FromPortOrDefault() string {
	if c.FromPort == "" {
		return DefaultFromPort
	}
	return c.FromPort
}

// ToPortOrDefault returns the destination port, defaulting to "input".
func (c Connection) ToPortOrDefault() string {
	if c.ToPort == "" {
		return DefaultToPort
	}
	return c.ToPort
}

// Workflow is a workflow definition in either authoring format: an explicit
// graph (Nodes + Connections) or a legacy ordered Steps list.
type Workflow struct {
	Nodes       []Node       `json:"nodes,omitempty"`
	Connections []Connection `json:"connections,omitempty"`
	Steps       []Step       `json:"steps,omitempty"`
}

// IsGraph reports whether the workflow is already in graph form.
func (w *Workflow) IsGraph() bool {
	return w.Nodes != nil && len(w.Steps) == 0
}

// Step is one entry of the legacy linear authoring format.
type Step struct {
	Tool        string           `json:"tool,omitempty"`
	Type        string           `json:"type,omitempty"`
	Config      map[string]any   `json:"config,omitempty"`
	Connections []StepConnection `json:"connections,omitempty"`
}

// StepType returns the tool name, falling back to the type field.
func (s Step) StepType() string {
	if s.Tool != "" {
		return s.Tool
	}
	return s.Type
}

// StepConnection is an explicit outgoing edge of a legacy step.
type StepConnection struct {
	To   string `json:"to"`
	Port string `json:"port,omitempty"`
}

// UnmarshalJSON accepts "to" either as a node id or as a step index.
func (c *StepConnection) UnmarshalJSON(data []byte) error {
	var raw struct {
		To   json.RawMessage `json:"to"`
		Port string          `json:"port"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Port = raw.Port
	if len(raw.To) == 0 {
		return nil
	}

	var id string
	if err := json.Unmarshal(raw.To, &id); err == nil {
		c.To = id
		return nil
	}
	var idx int
	if err := json.Unmarshal(raw.To, &idx); err != nil {
		return fmt.Errorf("connection target must be a node id or step index: %s", raw.To)
	}
	c.To = StepNodeID(idx)
	return nil
}

// StepNodeID returns the synthesized id of the i-th legacy step.
func StepNodeID(i int) string {
	return "node_" + strconv.Itoa(i)
}
