// Package handlers provides ready-to-register Handler implementations for
// a subset of the sixteen node types, built against the same third-party
// stack the rest of this module uses. None of this package is imported by
// runtime, diagram, statetracker, tokenstore, resolve, or emit — a caller
// wires whichever handlers a given diagram actually needs into a
// runtime.Registry before calling Engine.Run.
package handlers

import (
	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/runtime"
)

// Start emits the run's initial-variables envelope unchanged on the
// default handle. It is the only handler every diagram needs, since every
// compiled diagram has exactly one START node.
type Start struct{}

func (Start) Handle(ctx *runtime.ExecutionContext) error {
	env := ctx.Inputs.Envelopes[diagram.DefaultHandle]
	return ctx.Emit(map[string]envelope.Envelope{diagram.DefaultHandle: env})
}
