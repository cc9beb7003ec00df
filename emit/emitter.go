// Package emit provides pluggable observability for workflow execution.
package emit

// Emitter receives and processes observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: avoid slowing down superstep execution
//   - Thread-safe: may be called concurrently from multiple workers
//   - Resilient: handle backend failures without crashing the run
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit must not panic. Errors should be handled internally.
	Emit(event Event)
}
