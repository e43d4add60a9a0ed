// Package diagramfile loads the on-disk JSON form of a compiled diagram
// into diagram.Diagram. The wire format mirrors diagram.Diagram's own
// fields directly: this package exists only because diagram.Node's Config
// is intentionally opaque (any), and the JSON form needs to know each
// node's concrete config type before it can unmarshal into it.
package diagramfile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/handlers"
)

type fileNode struct {
	ID            diagram.NodeID  `json:"id"`
	Type          diagram.NodeType `json:"type"`
	Config        json.RawMessage  `json:"config"`
	InputHandles  []string         `json:"inputHandles"`
	OutputHandles []string         `json:"outputHandles"`
	MaxIteration  int              `json:"maxIteration"`
	AcceptsError  []string         `json:"acceptsError"`
}

type fileArrow struct {
	ID              diagram.ArrowID `json:"id"`
	Src             diagram.NodeID  `json:"src"`
	SrcHandle       string          `json:"srcHandle"`
	Dst             diagram.NodeID  `json:"dst"`
	DstHandle       string          `json:"dstHandle"`
	Label           string          `json:"label"`
	ContentTypeHint string          `json:"contentTypeHint"`
	Optional        bool            `json:"optional"`
}

type file struct {
	ID           string                          `json:"id"`
	Nodes        []fileNode                      `json:"nodes"`
	Arrows       []fileArrow                     `json:"arrows"`
	JoinPolicies map[diagram.NodeID]diagram.JoinPolicy `json:"joinPolicies"`
}

// Load reads and compiles the diagram at path.
func Load(path string) (*diagram.Diagram, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("diagramfile: %w", err)
	}

	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("diagramfile: parse %s: %w", path, err)
	}

	d := &diagram.Diagram{
		ID:           f.ID,
		Nodes:        make(map[diagram.NodeID]*diagram.Node, len(f.Nodes)),
		Arrows:       make(map[diagram.ArrowID]*diagram.Arrow, len(f.Arrows)),
		JoinPolicies: f.JoinPolicies,
	}

	order := make([]diagram.NodeID, 0, len(f.Nodes))
	for _, fn := range f.Nodes {
		cfg, err := decodeConfig(fn.Type, fn.Config)
		if err != nil {
			return nil, fmt.Errorf("diagramfile: node %q: %w", fn.ID, err)
		}
		accepts := make(map[string]bool, len(fn.AcceptsError))
		for _, h := range fn.AcceptsError {
			accepts[h] = true
		}
		d.Nodes[fn.ID] = &diagram.Node{
			ID:            fn.ID,
			Type:          fn.Type,
			Config:        cfg,
			InputHandles:  fn.InputHandles,
			OutputHandles: fn.OutputHandles,
			MaxIteration:  fn.MaxIteration,
			AcceptsError:  accepts,
		}
		order = append(order, fn.ID)
	}

	for _, fa := range f.Arrows {
		d.Arrows[fa.ID] = &diagram.Arrow{
			ID:              fa.ID,
			SrcNode:         fa.Src,
			SrcHandle:       fa.SrcHandle,
			DstNode:         fa.Dst,
			DstHandle:       fa.DstHandle,
			Label:           fa.Label,
			ContentTypeHint: fa.ContentTypeHint,
			Optional:        fa.Optional,
		}
	}

	if err := diagram.Compile(d, order); err != nil {
		return nil, fmt.Errorf("diagramfile: %w", err)
	}
	return d, nil
}

// decodeConfig unmarshals a node's raw config JSON into the concrete type
// its handler expects. Node types with no built-in handler in handlers/
// (CODE_JOB, DB, SUB_DIAGRAM, TEMPLATE_JOB, USER_RESPONSE, HOOK,
// JSON_SCHEMA_VALIDATOR, TYPESCRIPT_AST, INTEGRATED_API, IR_BUILDER) decode
// into a generic map; a caller registering custom handlers for those types
// is responsible for type-asserting accordingly.
func decodeConfig(t diagram.NodeType, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch t {
	case diagram.PersonJob:
		var c handlers.PersonJobConfig
		err := json.Unmarshal(raw, &c)
		return c, err
	case diagram.Condition:
		var c handlers.ConditionConfig
		err := json.Unmarshal(raw, &c)
		return c, err
	case diagram.APIJob:
		var c handlers.APIJobConfig
		err := json.Unmarshal(raw, &c)
		return c, err
	case diagram.Endpoint:
		var c handlers.EndpointConfig
		err := json.Unmarshal(raw, &c)
		return c, err
	case diagram.DiffPatch:
		var c handlers.DiffPatchConfig
		err := json.Unmarshal(raw, &c)
		return c, err
	default:
		var c map[string]any
		err := json.Unmarshal(raw, &c)
		return c, err
	}
}
