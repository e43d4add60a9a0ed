// Package resolve assembles a node's consumed tokens into the label→envelope
// and label→body mappings its handler invocation sees, applying binding
// labels and content-type coercion per arrow.
package resolve

import (
	"fmt"
	"sort"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/tokenstore"
)

// ErrorKind tags the reason a resolution failed.
type ErrorKind string

const (
	// DuplicateBinding: two inbound tokens resolved to the same binding
	// label. The compiler is expected to reject such diagrams; this is the
	// runtime backstop.
	DuplicateBinding ErrorKind = "DuplicateBinding"
	// CoercionFailure: an arrow's content-type hint disagreed with the
	// arriving envelope's content type and conversion failed.
	CoercionFailure ErrorKind = "CoercionFailure"
)

// Error is a ResolutionError: inputs could not be assembled for dispatch.
type Error struct {
	Kind    ErrorKind
	NodeID  diagram.NodeID
	Label   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolve: %s on node %q label %q: %s", e.Kind, e.NodeID, e.Label, e.Message)
}

// Resolved holds a node activation's assembled inputs: the full
// label→envelope mapping plus a flat label→body projection for template
// rendering.
type Resolved struct {
	Envelopes map[string]envelope.Envelope
	Bodies    map[string]any
}

// Resolve assembles dstNode's consumed tokens into a Resolved input set.
// For each token it computes the binding label (the arrow's explicit label,
// else the destination handle), rejects collisions with DuplicateBinding,
// and applies the arrow's content-type hint via the envelope's coercion
// accessors, failing with CoercionFailure on mismatch.
func Resolve(d *diagram.Diagram, dstNode diagram.NodeID, consumed map[diagram.ArrowID]tokenstore.Token) (*Resolved, error) {
	arrowsByID := make(map[diagram.ArrowID]*diagram.Arrow, len(d.Inbound(dstNode)))
	for _, a := range d.Inbound(dstNode) {
		arrowsByID[a.ID] = a
	}

	out := &Resolved{
		Envelopes: make(map[string]envelope.Envelope, len(consumed)),
		Bodies:    make(map[string]any, len(consumed)),
	}

	arrowIDs := make([]diagram.ArrowID, 0, len(consumed))
	for aid := range consumed {
		arrowIDs = append(arrowIDs, aid)
	}
	sort.Slice(arrowIDs, func(i, j int) bool { return arrowIDs[i] < arrowIDs[j] })

	for _, aid := range arrowIDs {
		tok := consumed[aid]
		arrow := arrowsByID[aid]
		if arrow == nil {
			continue
		}
		label := arrow.BindingLabel()

		if _, exists := out.Envelopes[label]; exists {
			return nil, &Error{Kind: DuplicateBinding, NodeID: dstNode, Label: label, Message: "multiple inbound tokens resolved to the same binding label"}
		}

		env := tok.Envelope
		if arrow.ContentTypeHint != "" && envelope.ContentType(arrow.ContentTypeHint) != env.ContentType() {
			coerced, err := coerce(env, envelope.ContentType(arrow.ContentTypeHint))
			if err != nil {
				return nil, &Error{Kind: CoercionFailure, NodeID: dstNode, Label: label, Message: err.Error()}
			}
			env = coerced
		}

		out.Envelopes[label] = env
		out.Bodies[label] = bodyOf(env)
	}

	return out, nil
}

func coerce(env envelope.Envelope, want envelope.ContentType) (envelope.Envelope, error) {
	switch want {
	case envelope.RawText:
		text, err := safeAsText(env)
		if err != nil {
			return envelope.Envelope{}, err
		}
		return envelope.New(text, envelope.RawText, env.ProducedBy(), env.Metadata()), nil
	case envelope.Object:
		obj, err := env.AsObject()
		if err != nil {
			return envelope.Envelope{}, err
		}
		return envelope.New(obj, envelope.Object, env.ProducedBy(), env.Metadata()), nil
	case envelope.Binary:
		b, err := env.AsBytes()
		if err != nil {
			return envelope.Envelope{}, err
		}
		return envelope.New(b, envelope.Binary, env.ProducedBy(), env.Metadata()), nil
	case envelope.ConversationState:
		conv, err := env.AsConversation()
		if err != nil {
			return envelope.Envelope{}, err
		}
		return envelope.New(conv, envelope.ConversationState, env.ProducedBy(), env.Metadata()), nil
	default:
		return envelope.Envelope{}, fmt.Errorf("resolve: unknown content-type hint %q", want)
	}
}

func safeAsText(env envelope.Envelope) (string, error) {
	switch env.ContentType() {
	case envelope.RawText, envelope.Object, envelope.Binary:
		return env.AsText(), nil
	default:
		return "", fmt.Errorf("resolve: cannot coerce %s to RAW_TEXT", env.ContentType())
	}
}

func bodyOf(env envelope.Envelope) any {
	switch env.ContentType() {
	case envelope.Object:
		v, err := env.AsObject()
		if err == nil {
			return v
		}
		return env.AsText()
	case envelope.ConversationState:
		v, err := env.AsConversation()
		if err == nil {
			return v
		}
		return env.AsText()
	default:
		return env.AsText()
	}
}
