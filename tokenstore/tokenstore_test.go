package tokenstore

import (
	"testing"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/statetracker"
)

func joinDiagram(t *testing.T) *diagram.Diagram {
	t.Helper()
	d := &diagram.Diagram{
		ID: "join",
		Nodes: map[diagram.NodeID]*diagram.Node{
			"start": {ID: "start", Type: diagram.Start},
			"a":     {ID: "a", Type: diagram.CodeJob},
			"b":     {ID: "b", Type: diagram.CodeJob},
			"join":  {ID: "join", Type: diagram.CodeJob, InputHandles: []string{"a", "b"}},
		},
		Arrows: map[diagram.ArrowID]*diagram.Arrow{
			"s-a":  {ID: "s-a", SrcNode: "start", SrcHandle: diagram.DefaultHandle, DstNode: "a", DstHandle: diagram.DefaultHandle},
			"s-b":  {ID: "s-b", SrcNode: "start", SrcHandle: diagram.DefaultHandle, DstNode: "b", DstHandle: diagram.DefaultHandle},
			"a-j":  {ID: "a-j", SrcNode: "a", SrcHandle: diagram.DefaultHandle, DstNode: "join", DstHandle: "a", Label: "a"},
			"b-j":  {ID: "b-j", SrcNode: "b", SrcHandle: diagram.DefaultHandle, DstNode: "join", DstHandle: "b", Label: "b"},
		},
	}
	if err := diagram.Compile(d, []diagram.NodeID{"start", "a", "b", "join"}); err != nil {
		t.Fatalf("compile: %v", err)
	}
	return d
}

func TestReadyRequiresAllInboundByDefault(t *testing.T) {
	d := joinDiagram(t)
	s := New(d)

	if s.Ready("join") {
		t.Fatal("expected not ready with no tokens")
	}
	s.Emit("a-j", envelope.New("x", envelope.RawText, "a", nil), 0)
	if s.Ready("join") {
		t.Fatal("expected not ready with only one of two required inbound arrows")
	}
	s.Emit("b-j", envelope.New("y", envelope.RawText, "b", nil), 0)
	if !s.Ready("join") {
		t.Fatal("expected ready once both inbound arrows have tokens")
	}
}

func TestReadyAnyPolicy(t *testing.T) {
	d := joinDiagram(t)
	d.JoinPolicies = map[diagram.NodeID]diagram.JoinPolicy{"join": diagram.JoinAny}
	s := New(d)

	s.Emit("a-j", envelope.New("x", envelope.RawText, "a", nil), 0)
	if !s.Ready("join") {
		t.Fatal("expected ready with any policy and one token")
	}
}

func TestConsumePopsOneTokenPerArrow(t *testing.T) {
	d := joinDiagram(t)
	s := New(d)
	s.Emit("a-j", envelope.New("x1", envelope.RawText, "a", nil), 0)
	s.Emit("a-j", envelope.New("x2", envelope.RawText, "a", nil), 0)
	s.Emit("b-j", envelope.New("y1", envelope.RawText, "b", nil), 0)

	consumed := s.Consume("join")
	if len(consumed) != 2 {
		t.Fatalf("got %d tokens", len(consumed))
	}
	if consumed["a-j"].Envelope.AsText() != "x1" {
		t.Fatalf("expected FIFO order, got %q", consumed["a-j"].Envelope.AsText())
	}
	if s.QueueDepth("a-j") != 1 {
		t.Fatalf("expected one token left on a-j, got %d", s.QueueDepth("a-j"))
	}
}

func TestHasNewInputsRespectsEpoch(t *testing.T) {
	d := joinDiagram(t)
	s := New(d)
	s.Emit("a-j", envelope.New("x", envelope.RawText, "a", nil), statetracker.Epoch(2))

	if !s.HasNewInputs("join", 2) {
		t.Fatal("expected new inputs at matching epoch")
	}
	if s.HasNewInputs("join", 3) {
		t.Fatal("did not expect new inputs at higher epoch threshold")
	}
}

func TestClearForDrainsArrow(t *testing.T) {
	d := joinDiagram(t)
	s := New(d)
	s.Emit("a-j", envelope.New("x", envelope.RawText, "a", nil), 0)
	s.ClearFor("a-j")
	if s.QueueDepth("a-j") != 0 {
		t.Fatalf("expected drained queue, got depth %d", s.QueueDepth("a-j"))
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	d := joinDiagram(t)
	s := New(d)
	s.Emit("a-j", envelope.New("x", envelope.RawText, "a", nil), 0)

	peeked := s.Peek("join")
	if peeked["a-j"] == nil {
		t.Fatal("expected a peeked token on a-j")
	}
	if s.QueueDepth("a-j") != 1 {
		t.Fatal("peek must not consume")
	}
}
