package emit

// NullEmitter discards every event. It is the default emitter when none is
// configured, for deployments that rely on metrics and persistence alone.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops all events with zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
