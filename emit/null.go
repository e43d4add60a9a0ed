package emit

import "context"

// NullEmitter discards every event. Useful as a default when the caller
// has not configured observability.
type NullEmitter struct{}

func (NullEmitter) Emit(Event)                                  {}
func (NullEmitter) EmitBatch(context.Context, []Event) error    { return nil }
func (NullEmitter) Flush(context.Context) error                 { return nil }
