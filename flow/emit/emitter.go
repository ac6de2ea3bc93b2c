package emit

// Emitter receives observability events from the engine.
//
// Implementations must be safe for concurrent use and must not panic;
// the engine calls Emit inline on the execution path, so slow backends
// should buffer or drop rather than block.
type Emitter interface {
	// Emit delivers one event. Errors are handled internally; Emit has no
	// way to fail the execution that produced the event.
	Emit(event Event)
}
