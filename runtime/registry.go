package runtime

import (
	"fmt"

	"github.com/dipeo/dipeo-engine/diagram"
)

// Registry maps NodeType to the Handler that activates it. The scheduler
// looks a node's handler up by its NodeType on every activation, so
// registration order does not matter.
type Registry struct {
	handlers map[diagram.NodeType]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[diagram.NodeType]Handler)}
}

// Register binds a Handler to a NodeType, replacing any prior binding.
func (r *Registry) Register(t diagram.NodeType, h Handler) {
	r.handlers[t] = h
}

// Lookup returns the Handler bound to t, or an error if none was
// registered; the scheduler treats a missing handler as a ValidationError
// discovered at dispatch time.
func (r *Registry) Lookup(t diagram.NodeType) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("runtime: no handler registered for node type %q", t)
	}
	return h, nil
}
