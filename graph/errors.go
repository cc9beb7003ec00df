package graph

import (
	"errors"
	"fmt"
)

// ErrMaxStepsExceeded indicates that execution reached the maximum
// allowed superstep count without completing. This prevents infinite
// loops and runaway executions.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum superstep limit")

// ErrUnknownNode indicates a schedule or edge referenced a node name the
// graph does not define.
var ErrUnknownNode = errors.New("unknown node")

// ErrNoEntry indicates the graph declares no entry nodes.
var ErrNoEntry = errors.New("no entry nodes")

// ErrNoFunc indicates a node has no function bound in the FuncMap.
var ErrNoFunc = errors.New("no function bound for node")

// InterruptError is returned by a node to pause the run and surface a
// prompt to a human. The run persists its checkpoint and finishes with a
// pending interrupt; a later resume re-executes the interrupted node with
// the answer available through Config.
//
// Nodes normally use the Interrupt helper rather than constructing this
// directly.
type InterruptError struct {
	// Prompt is surfaced to the caller, e.g. a question for an operator.
	Prompt interface{}
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("interrupt: %v", e.Prompt)
}
