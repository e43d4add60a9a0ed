package runtime

import (
	"container/heap"
	"sync"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/statetracker"
)

// readyItem is one ready-to-dispatch node, ordered by topological depth
// then by the insertion order it became ready in. This is the concrete
// tie-break spec §4.7 Selection names: "lower topological depth first,
// ties broken by the order the node most recently became ready."
type readyItem struct {
	node  diagram.NodeID
	depth int
	seq   int64
	epoch epochValue
}

// epochValue carries the producer epoch a node became ready under, so the
// scheduler can tag the activation it dispatches.
type epochValue int64

type readyHeap []readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].depth != h[j].depth {
		return h[i].depth < h[j].depth
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(readyItem)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// readyQueue is the Selection step's frontier: a priority queue keeping
// ready nodes ordered by (depth, insertion sequence), guarded by a mutex
// since the scheduler loop enqueues from the completion handler and
// dequeues from the dispatch step in the same goroutine, but tests and
// future callers may not be.
type readyQueue struct {
	mu      sync.Mutex
	h       readyHeap
	nextSeq int64
	queued  map[diagram.NodeID]bool
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{queued: make(map[diagram.NodeID]bool)}
	heap.Init(&q.h)
	return q
}

// push enqueues node if it is not already waiting in the queue. Returns
// false if it was already present (a no-op, not an error: a node can
// become "ready" multiple times before it is dispatched only if the
// scheduler has a bug, so this is defensive, not load-bearing).
func (q *readyQueue) push(node diagram.NodeID, depth int, epoch statetracker.Epoch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[node] {
		return false
	}
	q.queued[node] = true
	heap.Push(&q.h, readyItem{node: node, depth: depth, seq: q.nextSeq, epoch: epochValue(epoch)})
	q.nextSeq++
	return true
}

// pop removes and returns the highest-priority ready node.
func (q *readyQueue) pop() (readyItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return readyItem{}, false
	}
	item := heap.Pop(&q.h).(readyItem)
	delete(q.queued, item.node)
	return item, true
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}
