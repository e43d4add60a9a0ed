package emit

import (
	"context"
	"testing"
)

func TestBufferedEmitterHistoryOrder(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{Kind: RunStarted, RunID: "r1"})
	b.Emit(Event{Kind: NodeStateChanged, RunID: "r1", NodeID: "n1", ToStatus: "RUNNING"})
	b.Emit(Event{Kind: RunEnded, RunID: "r1", Reason: ReasonCompleted})

	hist := b.History("r1")
	if len(hist) != 3 {
		t.Fatalf("got %d events", len(hist))
	}
	if hist[0].Kind != RunStarted || hist[2].Kind != RunEnded {
		t.Fatalf("order wrong: %+v", hist)
	}
}

func TestBufferedEmitterFilter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{Kind: NodeError, RunID: "r1", NodeID: "a"})
	b.Emit(Event{Kind: NodeError, RunID: "r1", NodeID: "b"})

	filtered := b.HistoryWithFilter("r1", HistoryFilter{NodeID: "a"})
	if len(filtered) != 1 || filtered[0].NodeID != "a" {
		t.Fatalf("got %+v", filtered)
	}
}

func TestPipelinePublishesToEmittersAndSubscribers(t *testing.T) {
	p := NewPipeline()
	buf := NewBufferedEmitter()
	p.AddEmitter(buf)
	ch := p.Subscribe(Block, 4)

	p.Publish(Event{Kind: RunStarted, RunID: "r1"})

	if len(buf.History("r1")) != 1 {
		t.Fatalf("expected emitter to receive event")
	}
	select {
	case e := <-ch:
		if e.Kind != RunStarted {
			t.Fatalf("got %v", e.Kind)
		}
	default:
		t.Fatal("expected subscriber channel to have event")
	}
}

func TestPipelineCloseClosesSubscribers(t *testing.T) {
	p := NewPipeline()
	ch := p.Subscribe(Block, 4)
	p.Close(context.Background())

	_, ok := <-ch
	if ok {
		t.Fatal("expected channel closed")
	}
}

func TestPipelineDropOldestDoesNotBlock(t *testing.T) {
	p := NewPipeline()
	ch := p.Subscribe(DropOldest, 1)

	p.Publish(Event{Kind: RunStarted, RunID: "r1", NodeID: "first"})
	p.Publish(Event{Kind: RunStarted, RunID: "r1", NodeID: "second"})

	e := <-ch
	if e.NodeID != "second" {
		t.Fatalf("expected drop-oldest to keep the newest event, got %q", e.NodeID)
	}
	if p.DroppedCount(ch) == 0 {
		t.Fatal("expected a drop to be recorded")
	}
}

func TestPipelineDropOldestEmitsMarker(t *testing.T) {
	p := NewPipeline()
	ch := p.Subscribe(DropOldest, 2)

	p.Publish(Event{Kind: RunStarted, RunID: "r1", NodeID: "a"})
	p.Publish(Event{Kind: RunStarted, RunID: "r1", NodeID: "b"})
	p.Publish(Event{Kind: RunStarted, RunID: "r1", NodeID: "c"})

	var sawMarker bool
	for i := 0; i < 2; i++ {
		e := <-ch
		if e.Kind == DroppedEvents {
			sawMarker = true
		}
	}
	if !sawMarker {
		t.Fatal("expected a DroppedEvents marker in the surviving buffer")
	}
	if p.DroppedCount(ch) == 0 {
		t.Fatal("expected DroppedCount to reflect the eviction")
	}
}

func TestNullEmitterIsSafe(t *testing.T) {
	var n NullEmitter
	n.Emit(Event{})
	if err := n.EmitBatch(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := n.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
