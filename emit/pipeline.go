package emit

import (
	"context"
	"sync"
)

// BackpressurePolicy selects what a subscription does when its buffer is
// full.
type BackpressurePolicy int

const (
	// DropOldest discards the oldest buffered event and inserts a
	// DroppedEvents marker event in its place (spec §4.5 default).
	DropOldest BackpressurePolicy = iota
	// Block makes Pipeline.Publish wait for buffer space instead of
	// dropping anything.
	Block
)

// DefaultBufferSize is the per-subscriber bounded buffer capacity used when
// a subscription does not specify one.
const DefaultBufferSize = 1024

// DroppedEvents is the Kind used for the marker event inserted in place of
// a dropped one under the DropOldest policy.
const DroppedEvents Kind = "DroppedEvents"

// subscription is one registered consumer of the pipeline's event stream.
type subscription struct {
	ch       chan Event
	policy   BackpressurePolicy
	mu       sync.Mutex
	closed   bool
	dropSeen int
}

// Pipeline is the ordered, lossless broadcast hub described in spec §4.5.
// A single goroutine calling Publish in event order guarantees per-node
// strict ordering and real-time cross-node ordering; fan-out to each
// subscriber happens synchronously inside the Publish call (after the
// pipeline's lock is released), so each subscriber sees events in the order
// Publish was called.
type Pipeline struct {
	mu          sync.Mutex
	subscribers []*subscription
	emitters    []Emitter
}

// NewPipeline constructs an empty Pipeline. Backend Emitters (LogEmitter,
// BufferedEmitter, OtelEmitter, ...) are registered via AddEmitter;
// in-process Subscribe calls are for consumers that want a pull-based
// channel instead of push callbacks.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// AddEmitter registers a push-based backend that receives every published
// event synchronously, in order.
func (p *Pipeline) AddEmitter(e Emitter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitters = append(p.emitters, e)
}

// Subscribe registers a channel-based consumer. bufferSize <= 0 uses
// DefaultBufferSize. The returned channel is closed by Close.
func (p *Pipeline) Subscribe(policy BackpressurePolicy, bufferSize int) <-chan Event {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	sub := &subscription{ch: make(chan Event, bufferSize), policy: policy}
	p.mu.Lock()
	p.subscribers = append(p.subscribers, sub)
	p.mu.Unlock()
	return sub.ch
}

// Publish broadcasts event to every registered emitter and channel
// subscriber, in the order Publish is called. Callers must serialize their
// own calls to Publish (the scheduler's single completion-processing
// goroutine is the only caller in practice) to preserve the ordering
// guarantee; Publish itself is safe to call concurrently with Subscribe.
func (p *Pipeline) Publish(event Event) {
	p.mu.Lock()
	emitters := append([]Emitter(nil), p.emitters...)
	subs := append([]*subscription(nil), p.subscribers...)
	p.mu.Unlock()

	for _, e := range emitters {
		e.Emit(event)
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
}

func (s *subscription) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.policy == Block {
		s.ch <- event
		return
	}

	select {
	case s.ch <- event:
		return
	default:
	}

	// Buffer full under DropOldest: evict the oldest queued event, record
	// the drop, and push a DroppedEvents marker ahead of the real event so
	// the subscriber can see the gap instead of a silent hole (spec §4.5).
	s.evictOldestLocked()
	s.enqueueEvictingLocked(Event{
		Kind: DroppedEvents, RunID: event.RunID, DiagramID: event.DiagramID,
		At: event.At, Meta: map[string]any{"count": s.dropSeen},
	})
	s.enqueueEvictingLocked(event)
}

// evictOldestLocked discards the single oldest buffered event, if any, and
// records the drop. Caller must hold s.mu.
func (s *subscription) evictOldestLocked() {
	select {
	case <-s.ch:
		s.dropSeen++
	default:
	}
}

// enqueueEvictingLocked enqueues event, evicting the oldest buffered event
// first if the buffer is still full. Caller must hold s.mu.
func (s *subscription) enqueueEvictingLocked(event Event) {
	select {
	case s.ch <- event:
		return
	default:
	}
	s.evictOldestLocked()
	select {
	case s.ch <- event:
	default:
	}
}

// DroppedCount reports how many events this subscription has discarded to
// DropOldest backpressure so far.
func (s *subscription) DroppedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropSeen
}

// DroppedCount reports how many events have been discarded to DropOldest
// backpressure on the subscription backing ch. Returns 0 if ch is not a
// live subscription (including after Close).
func (p *Pipeline) DroppedCount(ch <-chan Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subscribers {
		if sub.ch == ch {
			return sub.DroppedCount()
		}
	}
	return 0
}

// Close closes every channel subscriber, signaling stream termination.
// Registered push Emitters are flushed, not closed (they may be shared
// across runs).
func (p *Pipeline) Close(ctx context.Context) {
	p.mu.Lock()
	emitters := append([]Emitter(nil), p.emitters...)
	subs := p.subscribers
	p.subscribers = nil
	p.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
	for _, e := range emitters {
		_ = e.Flush(ctx)
	}
}
