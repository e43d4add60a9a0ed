// Package diagram defines the compiled diagram data model: the read-only
// graph of typed nodes and handle-to-handle arrows that a run executes
// against. A Diagram is produced by an external compiler; this package only
// validates referential integrity and exposes query helpers used by the
// scheduler (topological depth, back-edge detection, handle lookups).
package diagram

import (
	"fmt"
	"sort"
)

// NodeType tags a node's computational kind.
type NodeType string

const (
	Start               NodeType = "START"
	PersonJob           NodeType = "PERSON_JOB"
	Condition           NodeType = "CONDITION"
	CodeJob             NodeType = "CODE_JOB"
	APIJob              NodeType = "API_JOB"
	DB                  NodeType = "DB"
	Endpoint            NodeType = "ENDPOINT"
	SubDiagram          NodeType = "SUB_DIAGRAM"
	TemplateJob         NodeType = "TEMPLATE_JOB"
	UserResponse        NodeType = "USER_RESPONSE"
	Hook                NodeType = "HOOK"
	JSONSchemaValidator NodeType = "JSON_SCHEMA_VALIDATOR"
	TypescriptAST       NodeType = "TYPESCRIPT_AST"
	IntegratedAPI       NodeType = "INTEGRATED_API"
	IRBuilder           NodeType = "IR_BUILDER"
	DiffPatch           NodeType = "DIFF_PATCH"
)

// DefaultHandle is the handle name used when an arrow or node does not name
// one explicitly.
const DefaultHandle = "default"

// Condition node canonical output handles.
const (
	HandleCondTrue  = "condtrue"
	HandleCondFalse = "condfalse"
)

// NodeID uniquely identifies a node within a diagram, assigned at compile
// time.
type NodeID string

// Node is one compiled vertex: a type tag, a type-specific configuration
// object (opaque to this package — handlers interpret it), and its declared
// handle sets.
type Node struct {
	ID            NodeID
	Type          NodeType
	Config        any
	InputHandles  []string
	OutputHandles []string
	// MaxIteration is the per-node iteration cap honored by canExecuteInLoop.
	// Zero means "use the tracker's configured default cap".
	MaxIteration int
	// AcceptsError lists input handles that accept a failed upstream node's
	// wrapped error envelope instead of blocking readiness on it.
	AcceptsError map[string]bool
}

// ArrowID uniquely identifies an arrow within a diagram.
type ArrowID string

// Arrow is a directed edge from (SrcNode, SrcHandle) to (DstNode, DstHandle).
// Label is the binding name under which the destination handler sees the
// arriving envelope; it defaults to DstHandle when empty. ContentTypeHint,
// when set, tells the resolver what content type the destination expects.
type Arrow struct {
	ID              ArrowID
	SrcNode         NodeID
	SrcHandle       string
	DstNode         NodeID
	DstHandle       string
	Label           string
	ContentTypeHint string
	// Optional marks this arrow as not required for its destination node's
	// join policy (default join policy requires every non-optional inbound
	// arrow to carry a token).
	Optional bool
}

// BindingLabel returns the arrow's binding name: its explicit Label if set,
// else its destination handle.
func (a Arrow) BindingLabel() string {
	if a.Label != "" {
		return a.Label
	}
	return a.DstHandle
}

// JoinPolicy controls when a node with multiple inbound arrows is ready.
type JoinPolicy string

const (
	// JoinAllRequired is the default: every non-optional inbound arrow must
	// carry a token.
	JoinAllRequired JoinPolicy = "ALL_REQUIRED"
	// JoinAny activates the node as soon as any inbound arrow carries a
	// token.
	JoinAny JoinPolicy = "ANY"
)

// Diagram is the immutable compiled graph handed to a run.
type Diagram struct {
	ID      string
	Nodes   map[NodeID]*Node
	Arrows  map[ArrowID]*Arrow
	// JoinPolicies overrides the default ALL_REQUIRED policy per node;
	// absent entries use JoinAllRequired.
	JoinPolicies map[NodeID]JoinPolicy

	// derived, computed by Compile
	order      []NodeID
	depth      map[NodeID]int
	backEdges  map[ArrowID]bool
	inbound    map[NodeID][]*Arrow
	outbound   map[NodeID][]*Arrow
	startNode  NodeID
}

// JoinPolicyFor returns the effective join policy for a node.
func (d *Diagram) JoinPolicyFor(id NodeID) JoinPolicy {
	if p, ok := d.JoinPolicies[id]; ok {
		return p
	}
	return JoinAllRequired
}

// StartNode returns the diagram's single START node.
func (d *Diagram) StartNode() NodeID { return d.startNode }

// Depth returns a node's precomputed topological depth (0 for START),
// used for deterministic ready-node tie-breaking.
func (d *Diagram) Depth(id NodeID) int { return d.depth[id] }

// IsBackEdge reports whether an arrow was classified as a back-edge (an
// edge from a node of higher depth to one of lower-or-equal depth,
// discovered via DFS) during Compile. Back-edges are where the scheduler
// bumps the epoch.
func (d *Diagram) IsBackEdge(id ArrowID) bool { return d.backEdges[id] }

// Inbound returns the arrows terminating at id, in ArrowID order.
func (d *Diagram) Inbound(id NodeID) []*Arrow { return d.inbound[id] }

// Outbound returns the arrows originating at id, in ArrowID order.
func (d *Diagram) Outbound(id NodeID) []*Arrow { return d.outbound[id] }

// InsertionOrder returns every node id in the order it was added to the
// diagram. The runtime scheduler does not use it: ready nodes of equal
// depth are ordered by when they became ready.
func (d *Diagram) InsertionOrder() []NodeID { return append([]NodeID(nil), d.order...) }

// ValidationError reports a referential-integrity failure found by Compile.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return "diagram validation: " + e.Message }

// Compile validates referential integrity (exactly one START, no dangling
// endpoints, every arrow references a declared handle) and computes the
// derived indices (topological depth, back-edges, inbound/outbound
// adjacency) the scheduler relies on. nodeOrder fixes the order reported by
// InsertionOrder; it must list every key of d.Nodes exactly once.
func Compile(d *Diagram, nodeOrder []NodeID) error {
	if err := validateReferentialIntegrity(d, nodeOrder); err != nil {
		return err
	}

	d.order = append([]NodeID(nil), nodeOrder...)
	d.inbound = make(map[NodeID][]*Arrow)
	d.outbound = make(map[NodeID][]*Arrow)
	for _, a := range orderedArrows(d) {
		d.outbound[a.SrcNode] = append(d.outbound[a.SrcNode], a)
		d.inbound[a.DstNode] = append(d.inbound[a.DstNode], a)
	}

	d.depth = computeDepths(d)
	d.backEdges = computeBackEdges(d)
	return nil
}

func orderedArrows(d *Diagram) []*Arrow {
	out := make([]*Arrow, 0, len(d.Arrows))
	for _, a := range d.Arrows {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func validateReferentialIntegrity(d *Diagram, nodeOrder []NodeID) error {
	if len(nodeOrder) != len(d.Nodes) {
		return &ValidationError{Message: "nodeOrder must list every node exactly once"}
	}
	seen := make(map[NodeID]bool, len(nodeOrder))
	for _, id := range nodeOrder {
		if _, ok := d.Nodes[id]; !ok {
			return &ValidationError{Message: fmt.Sprintf("nodeOrder references unknown node %q", id)}
		}
		if seen[id] {
			return &ValidationError{Message: fmt.Sprintf("nodeOrder repeats node %q", id)}
		}
		seen[id] = true
	}

	var starts []NodeID
	for id, n := range d.Nodes {
		if n.Type == Start {
			starts = append(starts, id)
		}
	}
	if len(starts) != 1 {
		return &ValidationError{Message: fmt.Sprintf("expected exactly one START node, found %d", len(starts))}
	}
	d.startNode = starts[0]

	inputSet := make(map[NodeID]map[string]bool, len(d.Nodes))
	outputSet := make(map[NodeID]map[string]bool, len(d.Nodes))
	for id, n := range d.Nodes {
		ins := map[string]bool{DefaultHandle: true}
		for _, h := range n.InputHandles {
			ins[h] = true
		}
		outs := map[string]bool{DefaultHandle: true}
		if n.Type == Condition {
			outs[HandleCondTrue] = true
			outs[HandleCondFalse] = true
		}
		for _, h := range n.OutputHandles {
			outs[h] = true
		}
		inputSet[id] = ins
		outputSet[id] = outs
	}

	for aid, a := range d.Arrows {
		srcNode, ok := d.Nodes[a.SrcNode]
		if !ok {
			return &ValidationError{Message: fmt.Sprintf("arrow %q: unknown source node %q", aid, a.SrcNode)}
		}
		dstNode, ok := d.Nodes[a.DstNode]
		if !ok {
			return &ValidationError{Message: fmt.Sprintf("arrow %q: unknown destination node %q", aid, a.DstNode)}
		}
		_ = srcNode
		_ = dstNode
		if !outputSet[a.SrcNode][a.SrcHandle] {
			return &ValidationError{Message: fmt.Sprintf("arrow %q: source node %q has no output handle %q", aid, a.SrcNode, a.SrcHandle)}
		}
		if !inputSet[a.DstNode][a.DstHandle] {
			return &ValidationError{Message: fmt.Sprintf("arrow %q: destination node %q has no input handle %q", aid, a.DstNode, a.DstHandle)}
		}
	}

	return nil
}

// computeDepths assigns each node the length of the shortest arrow path
// reaching it from START, by repeated relaxation over every arrow (back-edges
// are not known yet at this point, so they count like any other arrow).
// Nodes unreachable from START get depth 0.
func computeDepths(d *Diagram) map[NodeID]int {
	depth := make(map[NodeID]int, len(d.Nodes))
	for _, id := range d.order {
		depth[id] = -1
	}
	depth[d.startNode] = 0

	changed := true
	for pass := 0; changed && pass < len(d.Nodes)+1; pass++ {
		changed = false
		for _, id := range d.order {
			if depth[id] < 0 {
				continue
			}
			for _, a := range d.outbound[id] {
				candidate := depth[id] + 1
				if depth[a.DstNode] < 0 || candidate < depth[a.DstNode] {
					depth[a.DstNode] = candidate
					changed = true
				}
			}
		}
	}
	for _, id := range d.order {
		if depth[id] < 0 {
			depth[id] = 0
		}
	}
	return depth
}

// computeBackEdges classifies every arrow via a DFS from START (then from
// any node START does not reach, in insertion order): an arrow is a
// back-edge if it points to a node already on the current DFS stack, or if
// it points to an already finished node whose depth is less than or equal
// to its source's depth.
func computeBackEdges(d *Diagram) map[ArrowID]bool {
	back := make(map[ArrowID]bool, len(d.Arrows))
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[NodeID]int, len(d.Nodes))
	for _, id := range d.order {
		color[id] = white
	}

	var visit func(id NodeID)
	visit = func(id NodeID) {
		color[id] = gray
		for _, a := range d.outbound[id] {
			switch color[a.DstNode] {
			case white:
				visit(a.DstNode)
			case gray:
				back[a.ID] = true
			case black:
				if d.depth[a.DstNode] <= d.depth[id] {
					back[a.ID] = true
				}
			}
		}
		color[id] = black
	}

	visit(d.startNode)
	for _, id := range d.order {
		if color[id] == white {
			visit(id)
		}
	}
	return back
}
