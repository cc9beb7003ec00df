package emit

// Event represents an observability event emitted during workflow execution.
//
// Events provide insight into orchestrator behavior:
//   - Superstep boundaries and node execution
//   - Interrupts and resumptions
//   - Checkpoint writes
//   - Errors
//
// Events are emitted to an Emitter which can log to stdout/stderr, send
// spans to OpenTelemetry, or buffer in memory for inspection.
type Event struct {
	// RunID identifies the workflow run (checkpoint thread) that emitted
	// this event.
	RunID string

	// Step is the superstep number. -1 for run-level events that precede
	// the first superstep.
	Step int

	// Node identifies which graph node emitted this event.
	// Empty string for run-level events.
	Node string

	// Msg is a short event name, e.g. "node_start", "interrupt".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Execution duration in milliseconds
	//   - "error": Error details
	//   - "prompt": Interrupt prompt
	//   - "checkpoint_id": Checkpoint identifier
	Meta map[string]interface{}
}
