// Package statetracker implements the thread-safe per-node state machine:
// status, execution history, iteration counts, last outputs, and arbitrary
// node metadata. A single mutex guards all of it; contention is expected to
// be low relative to handler execution time, so finer-grained sharding is
// left as a documented non-goal.
package statetracker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/envelope"
)

// Status is a node's current lifecycle state.
type Status string

const (
	Pending        Status = "PENDING"
	Running        Status = "RUNNING"
	Completed      Status = "COMPLETED"
	Failed         Status = "FAILED"
	MaxIterReached Status = "MAXITER_REACHED"
	Skipped        Status = "SKIPPED"
)

// IsTerminal reports whether a status has no further transitions within an
// epoch (COMPLETED nodes may still be reset and re-run on a later epoch;
// RUNNING and PENDING are the only non-terminal statuses).
func (s Status) IsTerminal() bool {
	switch s {
	case Completed, Failed, MaxIterReached, Skipped:
		return true
	default:
		return false
	}
}

// CompletionStatus tags a closed NodeExecutionRecord.
type CompletionStatus string

const (
	Success      CompletionStatus = "SUCCESS"
	RecordFailed CompletionStatus = "FAILED"
	RecordMaxIter CompletionStatus = "MAX_ITER"
	RecordSkipped CompletionStatus = "SKIPPED"
)

// NodeState is a node's current status plus, for FAILED nodes, the error
// message.
type NodeState struct {
	Status Status
	Error  string
}

// Epoch identifies one traversal of a cycle.
type Epoch int

// NodeExecutionRecord is one immutable, append-only entry in a node's
// execution history.
type NodeExecutionRecord struct {
	ExecutionNumber  int
	Epoch            Epoch
	StartedAt        time.Time
	EndedAt          *time.Time
	CompletionStatus CompletionStatus
	Output           *envelope.Envelope
	Error            string
	TokenUsage       *envelope.TokenUsage
	DurationSeconds  float64
}

// ErrInvalidTransition is returned when a transition is attempted from an
// incompatible status (e.g. transitionToRunning while already RUNNING).
type ErrInvalidTransition struct {
	NodeID diagram.NodeID
	From   Status
	Op     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("statetracker: invalid transition %s on node %q in status %s", e.Op, e.NodeID, e.From)
}

// ExecutionSummary aggregates a tracker's state for reporting.
type ExecutionSummary struct {
	TotalNodes     int
	Completed      int
	Failed         int
	MaxIterReached int
	Skipped        int
	Pending        int
	Running        int
	SuccessRate    float64
	TotalTokens    int
	ExecutionOrder []diagram.NodeID
	FailedNodes    []diagram.NodeID
}

type epochKey struct {
	node  diagram.NodeID
	epoch Epoch
}

// Tracker is the thread-safe per-node state machine described in spec §4.2.
// The zero value is not usable; construct with New.
type Tracker struct {
	mu sync.Mutex

	nodeStates        map[diagram.NodeID]NodeState
	executionRecords  map[diagram.NodeID][]*NodeExecutionRecord
	executionCounts   map[diagram.NodeID]int
	lastOutputs       map[diagram.NodeID]envelope.Envelope
	iterationsByEpoch map[epochKey]int
	metadata          map[diagram.NodeID]map[string]any
	executionOrder    []diagram.NodeID
	seenCompletion    map[diagram.NodeID]bool

	defaultMaxIter int
}

// New constructs an empty Tracker. defaultMaxIter is the iteration cap used
// by canExecuteInLoop when a node declares no explicit maxIteration
// (spec default: 100).
func New(defaultMaxIter int) *Tracker {
	if defaultMaxIter <= 0 {
		defaultMaxIter = 100
	}
	return &Tracker{
		nodeStates:        make(map[diagram.NodeID]NodeState),
		executionRecords:  make(map[diagram.NodeID][]*NodeExecutionRecord),
		executionCounts:   make(map[diagram.NodeID]int),
		lastOutputs:       make(map[diagram.NodeID]envelope.Envelope),
		iterationsByEpoch: make(map[epochKey]int),
		metadata:          make(map[diagram.NodeID]map[string]any),
		seenCompletion:    make(map[diagram.NodeID]bool),
		defaultMaxIter:    defaultMaxIter,
	}
}

// InitializeNode sets a node's status to PENDING. Idempotent: calling it
// again on an already-initialized node is a no-op.
func (t *Tracker) InitializeNode(id diagram.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodeStates[id]; ok {
		return
	}
	t.nodeStates[id] = NodeState{Status: Pending}
}

// TransitionToRunning moves a node to RUNNING, opens a new execution
// record, and bumps its cumulative and per-epoch iteration counters. It
// fails with ErrInvalidTransition if the node is already RUNNING.
func (t *Tracker) TransitionToRunning(id diagram.NodeID, epoch Epoch) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.nodeStates[id]
	if cur.Status == Running {
		return 0, &ErrInvalidTransition{NodeID: id, From: cur.Status, Op: "transitionToRunning"}
	}

	t.nodeStates[id] = NodeState{Status: Running}
	t.executionCounts[id]++
	t.iterationsByEpoch[epochKey{id, epoch}]++

	execNum := len(t.executionRecords[id]) + 1
	rec := &NodeExecutionRecord{
		ExecutionNumber: execNum,
		Epoch:           epoch,
		StartedAt:       time.Now(),
	}
	t.executionRecords[id] = append(t.executionRecords[id], rec)
	return execNum, nil
}

func (t *Tracker) closeLastRecord(id diagram.NodeID, status CompletionStatus, out *envelope.Envelope, errMsg string, usage *envelope.TokenUsage) {
	records := t.executionRecords[id]
	if len(records) == 0 {
		return
	}
	rec := records[len(records)-1]
	now := time.Now()
	rec.EndedAt = &now
	rec.CompletionStatus = status
	rec.Output = out
	rec.Error = errMsg
	rec.TokenUsage = usage
	rec.DurationSeconds = now.Sub(rec.StartedAt).Seconds()
}

func (t *Tracker) recordFirstCompletion(id diagram.NodeID) {
	if t.seenCompletion[id] {
		return
	}
	t.seenCompletion[id] = true
	t.executionOrder = append(t.executionOrder, id)
}

// TransitionToCompleted moves a node to COMPLETED, closes its current
// execution record as SUCCESS, stores output as its last output, and
// appends it to the execution order on its first completion.
func (t *Tracker) TransitionToCompleted(id diagram.NodeID, output *envelope.Envelope, usage *envelope.TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodeStates[id] = NodeState{Status: Completed}
	t.closeLastRecord(id, Success, output, "", usage)
	if output != nil {
		t.lastOutputs[id] = *output
	}
	t.recordFirstCompletion(id)
}

// TransitionToFailed moves a node to FAILED and closes its current
// execution record as FAILED with the given error message. A failed node
// may later be retried via another TransitionToRunning call; retry policy
// is the handler's responsibility, not the tracker's.
func (t *Tracker) TransitionToFailed(id diagram.NodeID, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodeStates[id] = NodeState{Status: Failed, Error: errMsg}
	t.closeLastRecord(id, RecordFailed, nil, errMsg, nil)
}

// TransitionToMaxIter moves a node to MAXITER_REACHED and closes its
// current execution record, typically carrying its last successful output
// as the terminal envelope.
func (t *Tracker) TransitionToMaxIter(id diagram.NodeID, output *envelope.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodeStates[id] = NodeState{Status: MaxIterReached}
	t.closeLastRecord(id, RecordMaxIter, output, "", nil)
	if output != nil {
		t.lastOutputs[id] = *output
	}
	t.recordFirstCompletion(id)
}

// TransitionToSkipped moves a node straight to SKIPPED (the terminal
// alternative from PENDING reached via condition-branch skip propagation).
func (t *Tracker) TransitionToSkipped(id diagram.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodeStates[id] = NodeState{Status: Skipped}
	if records := t.executionRecords[id]; len(records) > 0 {
		last := records[len(records)-1]
		if last.EndedAt == nil {
			t.closeLastRecord(id, RecordSkipped, nil, "", nil)
		}
	}
}

// ResetNode moves a node back to PENDING for a new loop pass. Execution
// counts and history are preserved — this is a loop-reset, not a wipe, per
// the spec's explicit open-question resolution.
func (t *Tracker) ResetNode(id diagram.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeStates[id] = NodeState{Status: Pending}
}

// GetNodeState returns a node's current state. Unknown nodes report PENDING.
func (t *Tracker) GetNodeState(id diagram.NodeID) NodeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.nodeStates[id]
	if !ok {
		return NodeState{Status: Pending}
	}
	return st
}

// GetAllNodeStates returns a snapshot copy of every tracked node's state.
func (t *Tracker) GetAllNodeStates() map[diagram.NodeID]NodeState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[diagram.NodeID]NodeState, len(t.nodeStates))
	for k, v := range t.nodeStates {
		out[k] = v
	}
	return out
}

// NodesWithStatus returns every node id currently in the given status, in
// a stable (sorted) order.
func (t *Tracker) NodesWithStatus(status Status) []diagram.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []diagram.NodeID
	for id, st := range t.nodeStates {
		if st.Status == status {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasRunningNodes reports whether any node is currently RUNNING.
func (t *Tracker) HasRunningNodes() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.nodeStates {
		if st.Status == Running {
			return true
		}
	}
	return false
}

// GetExecutionCount returns a node's cumulative execution count across all
// epochs.
func (t *Tracker) GetExecutionCount(id diagram.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executionCounts[id]
}

// HasExecuted reports whether a node has ever been transitioned to RUNNING.
func (t *Tracker) HasExecuted(id diagram.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executionCounts[id] > 0
}

// GetLastOutput returns a node's most recent COMPLETED/MAXITER_REACHED
// output envelope, if any.
func (t *Tracker) GetLastOutput(id diagram.NodeID) (envelope.Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	env, ok := t.lastOutputs[id]
	return env, ok
}

// GetNodeExecutionHistory returns a copy of a node's ordered execution
// records.
func (t *Tracker) GetNodeExecutionHistory(id diagram.NodeID) []NodeExecutionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := t.executionRecords[id]
	out := make([]NodeExecutionRecord, len(records))
	for i, r := range records {
		out[i] = *r
	}
	return out
}

// SetMetadata merges a key/value pair into a node's metadata map.
func (t *Tracker) SetMetadata(id diagram.NodeID, key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.metadata[id] == nil {
		t.metadata[id] = make(map[string]any)
	}
	t.metadata[id][key] = value
}

// GetMetadata returns a copy of a node's metadata map.
func (t *Tracker) GetMetadata(id diagram.NodeID) map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	src := t.metadata[id]
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// GetExecutionSummary aggregates counts, success rate, total token usage,
// and the ordered list of completed and failed nodes.
func (t *Tracker) GetExecutionSummary() ExecutionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	summary := ExecutionSummary{
		TotalNodes:     len(t.nodeStates),
		ExecutionOrder: append([]diagram.NodeID(nil), t.executionOrder...),
	}
	for id, st := range t.nodeStates {
		switch st.Status {
		case Completed:
			summary.Completed++
		case Failed:
			summary.Failed++
			summary.FailedNodes = append(summary.FailedNodes, id)
		case MaxIterReached:
			summary.MaxIterReached++
		case Skipped:
			summary.Skipped++
		case Pending:
			summary.Pending++
		case Running:
			summary.Running++
		}
	}
	sort.Slice(summary.FailedNodes, func(i, j int) bool { return summary.FailedNodes[i] < summary.FailedNodes[j] })

	terminal := summary.Completed + summary.Failed + summary.MaxIterReached + summary.Skipped
	if terminal > 0 {
		summary.SuccessRate = float64(summary.Completed) / float64(terminal)
	}

	for _, records := range t.executionRecords {
		for _, r := range records {
			if r.TokenUsage != nil {
				summary.TotalTokens += r.TokenUsage.Total
			}
		}
	}
	return summary
}

// CanExecuteInLoop reports whether a node may run again within the given
// epoch: true iff its per-epoch iteration count is strictly below
// min(maxIter, tracker's configured default cap) — the infinite-loop
// safety valve. maxIter of 0 means "use the tracker default".
func (t *Tracker) CanExecuteInLoop(id diagram.NodeID, epoch Epoch, maxIter int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cap := t.defaultMaxIter
	if maxIter > 0 && maxIter < cap {
		cap = maxIter
	}
	return t.iterationsByEpoch[epochKey{id, epoch}] < cap
}

// IterationsInEpoch returns how many times a node has run within a given
// epoch.
func (t *Tracker) IterationsInEpoch(id diagram.NodeID, epoch Epoch) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.iterationsByEpoch[epochKey{id, epoch}]
}

// DumpState is the bulk-restorable snapshot used by LoadStates and by the
// persisted-state layout in spec §6.
type DumpState struct {
	NodeStates        map[diagram.NodeID]NodeState
	ExecutionRecords  map[diagram.NodeID][]NodeExecutionRecord
	ExecutionCounts   map[diagram.NodeID]int
	LastOutputs       map[diagram.NodeID]envelope.Envelope
	IterationsByEpoch map[diagram.NodeID]map[Epoch]int
	Metadata          map[diagram.NodeID]map[string]any
	ExecutionOrder    []diagram.NodeID
}

// Dump produces a DumpState snapshot suitable for persistence.
func (t *Tracker) Dump() DumpState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := DumpState{
		NodeStates:        make(map[diagram.NodeID]NodeState, len(t.nodeStates)),
		ExecutionRecords:  make(map[diagram.NodeID][]NodeExecutionRecord, len(t.executionRecords)),
		ExecutionCounts:   make(map[diagram.NodeID]int, len(t.executionCounts)),
		LastOutputs:       make(map[diagram.NodeID]envelope.Envelope, len(t.lastOutputs)),
		IterationsByEpoch: make(map[diagram.NodeID]map[Epoch]int),
		Metadata:          make(map[diagram.NodeID]map[string]any, len(t.metadata)),
		ExecutionOrder:    append([]diagram.NodeID(nil), t.executionOrder...),
	}
	for k, v := range t.nodeStates {
		out.NodeStates[k] = v
	}
	for k, records := range t.executionRecords {
		flat := make([]NodeExecutionRecord, len(records))
		for i, r := range records {
			flat[i] = *r
		}
		out.ExecutionRecords[k] = flat
	}
	for k, v := range t.executionCounts {
		out.ExecutionCounts[k] = v
	}
	for k, v := range t.lastOutputs {
		out.LastOutputs[k] = v
	}
	for k, v := range t.metadata {
		m := make(map[string]any, len(v))
		for mk, mv := range v {
			m[mk] = mv
		}
		out.Metadata[k] = m
	}
	for ek, v := range t.iterationsByEpoch {
		if out.IterationsByEpoch[ek.node] == nil {
			out.IterationsByEpoch[ek.node] = make(map[Epoch]int)
		}
		out.IterationsByEpoch[ek.node][ek.epoch] = v
	}
	return out
}

// LoadStates restores a Tracker's full state from a DumpState, replacing
// everything currently tracked. Restoration is atomic from any observer's
// perspective: callers hold no partial view mid-load.
func (t *Tracker) LoadStates(snap DumpState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nodeStates = make(map[diagram.NodeID]NodeState, len(snap.NodeStates))
	for k, v := range snap.NodeStates {
		t.nodeStates[k] = v
	}

	t.executionRecords = make(map[diagram.NodeID][]*NodeExecutionRecord, len(snap.ExecutionRecords))
	for k, records := range snap.ExecutionRecords {
		ptrs := make([]*NodeExecutionRecord, len(records))
		for i := range records {
			rec := records[i]
			ptrs[i] = &rec
		}
		t.executionRecords[k] = ptrs
	}

	t.executionCounts = make(map[diagram.NodeID]int, len(snap.ExecutionCounts))
	for k, v := range snap.ExecutionCounts {
		t.executionCounts[k] = v
	}

	t.lastOutputs = make(map[diagram.NodeID]envelope.Envelope, len(snap.LastOutputs))
	for k, v := range snap.LastOutputs {
		t.lastOutputs[k] = v
	}

	t.metadata = make(map[diagram.NodeID]map[string]any, len(snap.Metadata))
	for k, v := range snap.Metadata {
		m := make(map[string]any, len(v))
		for mk, mv := range v {
			m[mk] = mv
		}
		t.metadata[k] = m
	}

	t.iterationsByEpoch = make(map[epochKey]int)
	for node, byEpoch := range snap.IterationsByEpoch {
		for epoch, count := range byEpoch {
			t.iterationsByEpoch[epochKey{node, epoch}] = count
		}
	}

	t.executionOrder = append([]diagram.NodeID(nil), snap.ExecutionOrder...)
	t.seenCompletion = make(map[diagram.NodeID]bool, len(snap.ExecutionOrder))
	for _, id := range snap.ExecutionOrder {
		t.seenCompletion[id] = true
	}
}
