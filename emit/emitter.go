package emit

import "context"

// Emitter receives lifecycle events from a run. Implementations must be
// non-blocking from the scheduler's perspective, thread-safe (events may
// arrive concurrently from multiple node completions), and must not panic.
type Emitter interface {
	// Emit sends a single event to the backend.
	Emit(event Event)

	// EmitBatch sends multiple events in declaration order. Returns an
	// error only on catastrophic, non-per-event failures.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until all buffered events are sent or the context
	// expires. Safe to call multiple times.
	Flush(ctx context.Context) error
}

// Subscriber receives events pushed through a Pipeline's fan-out. Each
// subscriber chooses, at subscription time, between bounded buffering with
// drop-oldest (the default) and blocking the producer.
type Subscriber interface {
	Emitter
	// Closed reports whether the subscriber's channel has been closed,
	// signaling stream termination per spec §4.5 ("closing the event
	// stream is the signal that the run has ended").
	Closed() bool
}
