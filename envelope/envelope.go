// Package envelope provides the immutable typed message that flows between
// diagram nodes. An Envelope is the sole unit of data flow in the execution
// core: every node input and output is carried as one.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ContentType tags the shape of an Envelope's Body.
type ContentType string

const (
	// RawText carries a plain string body.
	RawText ContentType = "RAW_TEXT"
	// Object carries a recursive JSON-like value (map, slice, or scalar).
	Object ContentType = "OBJECT"
	// Binary carries raw bytes.
	Binary ContentType = "BINARY"
	// ConversationState carries a structured conversation history.
	ConversationState ContentType = "CONVERSATION_STATE"
)

// ErrTypeMismatch is returned by the strict accessors (ToText, ToObject, ...)
// when the stored content type disagrees with the requested one.
var ErrTypeMismatch = errors.New("envelope: content type mismatch")

// ErrParse is returned when a RAW_TEXT body cannot be parsed as JSON for an
// OBJECT coercion.
var ErrParse = errors.New("envelope: parse error")

// Message is one turn of a conversation, used by CONVERSATION_STATE bodies.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation is the structured body for ConversationState envelopes.
type Conversation struct {
	Messages []Message `json:"messages"`
}

// TokenUsage records LLM token accounting, commonly stashed under the
// "tokenUsage" metadata key.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Envelope is an immutable typed message carrying one node's output.
//
// Every mutator on Envelope (WithMetadata, WithMetadataPatch) returns a new
// Envelope; the receiver is never modified in place.
type Envelope struct {
	id          string
	traceID     string
	producedBy  string
	contentType ContentType
	body        any
	metadata    map[string]any
	createdAt   time.Time
}

// New constructs an Envelope, auto-detecting the content type from body's Go
// type when ct is empty: string -> RawText, []byte -> Binary,
// map[string]any/[]any/nil/bool/float64/json.Number -> Object.
func New(body any, ct ContentType, producedBy string, metadata map[string]any) Envelope {
	if ct == "" {
		ct = detectContentType(body)
	}
	return Envelope{
		id:          uuid.NewString(),
		traceID:     uuid.NewString(),
		producedBy:  producedBy,
		contentType: ct,
		body:        body,
		metadata:    cloneMeta(metadata),
		createdAt:   time.Now(),
	}
}

// NewWithTrace is New but lets the caller propagate an existing trace id,
// e.g. when a handler produces a downstream envelope from an upstream one.
func NewWithTrace(body any, ct ContentType, producedBy, traceID string, metadata map[string]any) Envelope {
	env := New(body, ct, producedBy, metadata)
	if traceID != "" {
		env.traceID = traceID
	}
	return env
}

func detectContentType(body any) ContentType {
	switch body.(type) {
	case string:
		return RawText
	case []byte:
		return Binary
	case Conversation, *Conversation:
		return ConversationState
	default:
		return Object
	}
}

func cloneMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ID returns the envelope's opaque unique identifier.
func (e Envelope) ID() string { return e.id }

// TraceID returns the identifier shared by envelopes derived from a common
// upstream origin.
func (e Envelope) TraceID() string { return e.traceID }

// ProducedBy returns the NodeId that produced this envelope.
func (e Envelope) ProducedBy() string { return e.producedBy }

// ContentType returns the envelope's declared content type.
func (e Envelope) ContentType() ContentType { return e.contentType }

// CreatedAt returns when this envelope was constructed.
func (e Envelope) CreatedAt() time.Time { return e.createdAt }

// Metadata returns a copy of the envelope's metadata map.
func (e Envelope) Metadata() map[string]any { return cloneMeta(e.metadata) }

// MetaString reads a string metadata value, returning "" if absent or of a
// different type.
func (e Envelope) MetaString(key string) string {
	v, ok := e.metadata[key].(string)
	if !ok {
		return ""
	}
	return v
}

// WithMetadata returns a new Envelope with the given key/value pairs merged
// into its metadata. kvs must have an even length (key, value, key, value...).
func (e Envelope) WithMetadata(kvs ...any) Envelope {
	next := e
	next.metadata = cloneMeta(e.metadata)
	for i := 0; i+1 < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			continue
		}
		next.metadata[key] = kvs[i+1]
	}
	return next
}

// WithMetadataPatch applies an RFC 6902 JSON Patch document to the
// envelope's metadata and returns a new Envelope with the result. This is
// the structural form of "updates return new envelopes with
// copied-and-updated metadata": the patch is computed and applied against a
// JSON projection of the metadata map rather than a hand-rolled merge, so
// additions, replacements, and removals are all expressed uniformly.
func (e Envelope) WithMetadataPatch(patchJSON []byte) (Envelope, error) {
	current, err := json.Marshal(e.metadata)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal metadata: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode patch: %w", err)
	}
	patched, err := patch.Apply(current)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: apply patch: %w", err)
	}
	var next map[string]any
	if err := json.Unmarshal(patched, &next); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal patched metadata: %w", err)
	}
	result := e
	result.metadata = next
	return result, nil
}

// HasError reports whether metadata["error"] is set.
func (e Envelope) HasError() bool {
	_, ok := e.metadata["error"]
	return ok
}

// ErrorKind returns metadata["errorKind"] as a string, or "" if unset.
func (e Envelope) ErrorKind() string { return e.MetaString("errorKind") }

// AsText returns the body coerced to a string without failing: RAW_TEXT
// returns its string directly; OBJECT is JSON-marshaled; BINARY is
// converted via string(bytes); other types use fmt.Sprint.
func (e Envelope) AsText() string {
	switch e.contentType {
	case RawText:
		s, _ := e.body.(string)
		return s
	case Binary:
		b, _ := e.body.([]byte)
		return string(b)
	case Object:
		data, err := json.Marshal(e.body)
		if err != nil {
			return fmt.Sprint(e.body)
		}
		return string(data)
	default:
		return fmt.Sprint(e.body)
	}
}

// ToText is the strict variant of AsText: it fails with ErrTypeMismatch
// unless the stored content type is RAW_TEXT.
func (e Envelope) ToText() (string, error) {
	if e.contentType != RawText {
		return "", fmt.Errorf("%w: want RAW_TEXT, have %s", ErrTypeMismatch, e.contentType)
	}
	s, _ := e.body.(string)
	return s, nil
}

// AsObject coerces the body to a JSON-like value. RAW_TEXT bodies are
// parsed as JSON (using gjson.Valid as a cheap pre-check before the full
// unmarshal, avoiding an allocation-heavy parse of bodies that are
// obviously not JSON); OBJECT bodies are returned as-is.
func (e Envelope) AsObject() (any, error) {
	switch e.contentType {
	case Object:
		return e.body, nil
	case RawText:
		s, _ := e.body.(string)
		if !gjson.Valid(s) {
			return nil, fmt.Errorf("%w: body is not valid JSON", ErrParse)
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: cannot coerce %s to OBJECT", ErrTypeMismatch, e.contentType)
	}
}

// ToObject is the strict variant of AsObject: it fails with ErrTypeMismatch
// unless the stored content type is OBJECT.
func (e Envelope) ToObject() (any, error) {
	if e.contentType != Object {
		return nil, fmt.Errorf("%w: want OBJECT, have %s", ErrTypeMismatch, e.contentType)
	}
	return e.body, nil
}

// AsBytes coerces the body to []byte: BINARY returns the bytes directly;
// RAW_TEXT returns []byte(s); OBJECT is JSON-marshaled.
func (e Envelope) AsBytes() ([]byte, error) {
	switch e.contentType {
	case Binary:
		b, _ := e.body.([]byte)
		return b, nil
	case RawText:
		s, _ := e.body.(string)
		return []byte(s), nil
	case Object:
		return json.Marshal(e.body)
	default:
		return nil, fmt.Errorf("%w: cannot coerce %s to BINARY", ErrTypeMismatch, e.contentType)
	}
}

// ToBytes is the strict variant of AsBytes: it fails with ErrTypeMismatch
// unless the stored content type is BINARY.
func (e Envelope) ToBytes() ([]byte, error) {
	if e.contentType != Binary {
		return nil, fmt.Errorf("%w: want BINARY, have %s", ErrTypeMismatch, e.contentType)
	}
	b, _ := e.body.([]byte)
	return b, nil
}

// AsConversation coerces the body to a Conversation.
func (e Envelope) AsConversation() (Conversation, error) {
	switch v := e.body.(type) {
	case Conversation:
		return v, nil
	case *Conversation:
		return *v, nil
	default:
		return Conversation{}, fmt.Errorf("%w: cannot coerce %s to CONVERSATION_STATE", ErrTypeMismatch, e.contentType)
	}
}

// ToConversation is the strict variant of AsConversation.
func (e Envelope) ToConversation() (Conversation, error) {
	if e.contentType != ConversationState {
		return Conversation{}, fmt.Errorf("%w: want CONVERSATION_STATE, have %s", ErrTypeMismatch, e.contentType)
	}
	return e.AsConversation()
}

// wireEnvelope is the tagged wire form used by Serialize/Deserialize.
type wireEnvelope struct {
	EnvelopeFormat bool            `json:"envelopeFormat"`
	ID             string          `json:"id"`
	TraceID        string          `json:"traceId"`
	ProducedBy     string          `json:"producedBy"`
	ContentType    ContentType     `json:"contentType"`
	Body           json.RawMessage `json:"body"`
	Metadata       map[string]any  `json:"metadata"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Serialize encodes the envelope to its tagged wire form, suitable for
// persistence or transport. BINARY bodies are base64-encoded by the
// underlying []byte JSON marshaling.
func Serialize(e Envelope) ([]byte, error) {
	bodyJSON, err := json.Marshal(e.body)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal body: %w", err)
	}
	w := wireEnvelope{
		EnvelopeFormat: true,
		ID:             e.id,
		TraceID:        e.traceID,
		ProducedBy:     e.producedBy,
		ContentType:    e.contentType,
		Body:           bodyJSON,
		Metadata:       e.metadata,
		CreatedAt:      e.createdAt,
	}
	return json.Marshal(w)
}

// MarshalJSON makes Envelope a drop-in json.Marshal target (statetracker's
// DumpState embeds Envelope values for persistence) by delegating to
// Serialize.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return Serialize(e)
}

// UnmarshalJSON delegates to Deserialize.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	decoded, err := Deserialize(data)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

// Deserialize decodes the tagged wire form produced by Serialize.
// deserialize(serialize(env)) == env for every envelope, modulo concrete Go
// types: an OBJECT body and every metadata value come back in the generic
// JSON decode shape (map[string]any / []any / float64 / string / bool /
// nil), and a CONVERSATION_STATE body comes back as a Conversation value.
func Deserialize(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("envelope: unmarshal wire form: %w", err)
	}
	if !w.EnvelopeFormat {
		return Envelope{}, errors.New("envelope: not a tagged envelope wire form")
	}
	var body any
	switch w.ContentType {
	case RawText:
		var s string
		if err := json.Unmarshal(w.Body, &s); err != nil {
			return Envelope{}, fmt.Errorf("envelope: unmarshal RAW_TEXT body: %w", err)
		}
		body = s
	case Binary:
		var b []byte
		if err := json.Unmarshal(w.Body, &b); err != nil {
			return Envelope{}, fmt.Errorf("envelope: unmarshal BINARY body: %w", err)
		}
		body = b
	case ConversationState:
		var c Conversation
		if err := json.Unmarshal(w.Body, &c); err != nil {
			return Envelope{}, fmt.Errorf("envelope: unmarshal CONVERSATION_STATE body: %w", err)
		}
		body = c
	default:
		var v any
		if err := json.Unmarshal(w.Body, &v); err != nil {
			return Envelope{}, fmt.Errorf("envelope: unmarshal OBJECT body: %w", err)
		}
		body = v
	}
	return Envelope{
		id:          w.ID,
		traceID:     w.TraceID,
		producedBy:  w.ProducedBy,
		contentType: w.ContentType,
		body:        body,
		metadata:    cloneMeta(w.Metadata),
		createdAt:   w.CreatedAt,
	}, nil
}
