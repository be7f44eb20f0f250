// Package graph normalizes workflow definitions into node/connection graphs.
package graph

import (
	"errors"
	"fmt"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// ErrInvalidWorkflow is returned when a definition has neither a graph nor steps.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// Normalize converts a workflow into graph form. A workflow that already has
// nodes is returned unchanged apart from a non-nil connection slice; a legacy
// steps list is converted into node_0..node_n-1 with explicit or linear edges.
func Normalize(w *types.Workflow) (*types.Workflow, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: definition is empty", ErrInvalidWorkflow)
	}

	if w.IsGraph() {
		out := &types.Workflow{
			Nodes:       w.Nodes,
			Connections: w.Connections,
		}
		if out.Connections == nil {
			out.Connections = []types.Connection{}
		}
		return out, nil
	}

	if len(w.Steps) == 0 {
		return nil, fmt.Errorf("%w: requires nodes and connections or a steps list", ErrInvalidWorkflow)
	}

	out := &types.Workflow{
		Nodes:       make([]types.Node, 0, len(w.Steps)),
		Connections: []types.Connection{},
	}
	last := len(w.Steps) - 1
	for i, step := range w.Steps {
		id := types.StepNodeID(i)
		out.Nodes = append(out.Nodes, types.Node{
			ID:     id,
			Type:   step.StepType(),
			Config: step.Config,
		})

		if len(step.Connections) > 0 {
			for _, c := range step.Connections {
				if c.To == "" {
					return nil, fmt.Errorf("%w: step %d has a connection without a target", ErrInvalidWorkflow, i)
				}
				out.Connections = append(out.Connections, types.Connection{
					From:     id,
					FromPort: c.Port,
					To:       c.To,
					ToPort:   types.DefaultToPort,
				})
			}
			continue
		}

		if i < last {
			out.Connections = append(out.Connections, types.Connection{
				From:     id,
				FromPort: types.DefaultFromPort,
				To:       types.StepNodeID(i + 1),
				ToPort:   types.DefaultToPort,
			})
		}
	}

	return out, nil
}

// Index holds adjacency lookups for a normalized workflow. Incoming and
// Outgoing store indexes into Workflow.Connections.
type Index struct {
	Nodes    map[string]types.Node
	Order    []string
	Incoming map[string][]int
	Outgoing map[string][]int
}

// NewIndex builds adjacency maps. Connections referencing unknown nodes are
// kept so the orchestrator can report them as unreachable.
func NewIndex(w *types.Workflow) *Index {
	idx := &Index{
		Nodes:    make(map[string]types.Node, len(w.Nodes)),
		Order:    make([]string, 0, len(w.Nodes)),
		Incoming: make(map[string][]int),
		Outgoing: make(map[string][]int),
	}
	for _, n := range w.Nodes {
		if _, dup := idx.Nodes[n.ID]; !dup {
			idx.Order = append(idx.Order, n.ID)
		}
		idx.Nodes[n.ID] = n
	}
	for i, c := range w.Connections {
		idx.Incoming[c.To] = append(idx.Incoming[c.To], i)
		idx.Outgoing[c.From] = append(idx.Outgoing[c.From], i)
	}
	return idx
}

// DanglingConnections returns connections whose endpoints are not nodes.
func (idx *Index) DanglingConnections(w *types.Workflow) []types.Connection {
	var out []types.Connection
	for _, c := range w.Connections {
		_, fromOK := idx.Nodes[c.From]
		_, toOK := idx.Nodes[c.To]
		if !fromOK || !toOK {
			out = append(out, c)
		}
	}
	return out
}

// DisplayName returns the configured name of a node for error messages.
func DisplayName(n types.Node) string {
	return types.NodeName(n)
}
