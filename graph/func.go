package graph

import "context"

// Config carries per-invocation execution context into a node function.
type Config struct {
	// ThreadID is the checkpoint thread (the workflow run ID).
	ThreadID string

	// TaskID identifies this node invocation. All writes the invocation
	// produces are recorded under this ID.
	TaskID string

	// Node is the name of the executing node.
	Node string

	resume    interface{}
	hasResume bool
}

// ResumeValue returns the resume payload injected for this invocation,
// if any. Only the node that raised the pending interrupt receives one.
func (c Config) ResumeValue() (interface{}, bool) {
	return c.resume, c.hasResume
}

// Interrupt pauses the run at this node unless a resume value is
// available. Typical node usage:
//
//	answer, err := graph.Interrupt(cfg, "Publish the summary?")
//	if err != nil {
//	    return nil, err
//	}
//	// first execution never reaches here; the resumed execution does
func Interrupt(cfg Config, prompt interface{}) (interface{}, error) {
	if v, ok := cfg.ResumeValue(); ok {
		return v, nil
	}
	return nil, &InterruptError{Prompt: prompt}
}

// Func is a node implementation. Inputs hold the channels projected per
// the node's spec; the returned map holds channel writes.
//
// Implementations must be pure with respect to state: all effects on the
// workflow flow through the returned writes.
type Func interface {
	Invoke(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error)
}

// NodeFunc adapts an ordinary function to the Func interface.
type NodeFunc func(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error)

// Invoke calls the wrapped function.
func (f NodeFunc) Invoke(ctx context.Context, inputs map[string]interface{}, cfg Config) (map[string]interface{}, error) {
	return f(ctx, inputs, cfg)
}

// FuncMap binds node names to implementations.
type FuncMap map[string]Func
