package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// Orchestration errors. Each fails only the owning run.
var (
	ErrStuckGraph             = errors.New("stuck graph")
	ErrIterationLimitExceeded = errors.New("iteration limit exceeded")
	ErrStepExecution          = errors.New("step execution failed")
)

// StepError names the node that terminated a run.
type StepError struct {
	NodeID string
	Name   string
	Type   string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q (%s) failed: %v", e.NodeID, e.Name, e.Err)
}

// Unwrap exposes both ErrStepExecution and the executor's own error.
func (e *StepError) Unwrap() []error {
	return []error{ErrStepExecution, e.Err}
}

// StuckGraphError lists the nodes that could never become ready.
type StuckGraphError struct {
	Unreached []string
}

func (e *StuckGraphError) Error() string {
	return fmt.Sprintf("%s: unreachable nodes [%s] (cycle or dangling connection)", ErrStuckGraph, strings.Join(e.Unreached, ", "))
}

func (e *StuckGraphError) Unwrap() error { return ErrStuckGraph }
