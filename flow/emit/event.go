package emit

// Event is an observability event emitted while an execution runs.
//
// The engine emits events for node lifecycle transitions (start, complete,
// skip, retry), retrieval attempts, and execution-level milestones. Events
// are delivered to an Emitter, which may log them, convert them to spans,
// buffer them for inspection, or discard them.
type Event struct {
	// ExecutionID identifies the execution that produced this event.
	ExecutionID string

	// Seq is the 1-indexed position of the node in the execution order.
	// Zero for execution-level events (validate, plan, complete, error).
	Seq int

	// NodeID identifies the node the event concerns.
	// Empty for execution-level events.
	NodeID string

	// Msg is a short machine-friendly event name, e.g. "node_start",
	// "node_complete", "node_skipped", "node_retry", "retrieval_attempt",
	// "execution_complete".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": elapsed milliseconds
	//   - "error": error text
	//   - "status": step or attempt status
	//   - "attempt": attempt number
	//   - "retriever_key": retriever that produced a retrieval event
	//   - "tokens": LLM token usage
	Meta map[string]interface{}
}
