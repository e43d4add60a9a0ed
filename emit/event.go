// Package emit provides the event pipeline: an ordered, lossless broadcast
// of a run's lifecycle events to subscribers (status changes, outputs,
// errors), plus pluggable Emitter backends.
package emit

import (
	"time"

	"github.com/dipeo/dipeo-engine/envelope"
)

// Kind tags an Event's variant, mirroring the five lifecycle events in
// spec §4.5.
type Kind string

const (
	RunStarted       Kind = "RunStarted"
	NodeStateChanged Kind = "NodeStateChanged"
	NodeOutput       Kind = "NodeOutput"
	NodeError        Kind = "NodeError"
	RunEnded         Kind = "RunEnded"
)

// EndReason tags why a run ended, carried on a RunEnded event.
type EndReason string

const (
	ReasonCompleted EndReason = "COMPLETED"
	ReasonFailed    EndReason = "FAILED"
	ReasonCancelled EndReason = "CANCELLED"
	ReasonMaxSteps  EndReason = "MAX_STEPS"
)

// Event is one entry in a run's lifecycle stream. Fields not relevant to a
// given Kind are left zero.
type Event struct {
	Kind Kind
	RunID     string
	DiagramID string
	NodeID    string
	Epoch     int
	At        time.Time

	// NodeStateChanged
	FromStatus string
	ToStatus   string

	// NodeOutput
	Output *envelope.Envelope

	// NodeError
	ErrorKind string
	Message   string

	// RunEnded
	Reason EndReason

	// Meta carries any additional structured data for the event.
	Meta map[string]any
}
