// Package runtime implements the scheduler/runtime main loop described in
// spec §4.7: ready-node selection with deterministic tie-breaking, a
// bounded worker pool, completion handling, epoch advancement across
// back-edges, skip propagation, and the run's termination conditions.
package runtime

import (
	"context"
	"fmt"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/emit"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/resolve"
	"github.com/dipeo/dipeo-engine/statetracker"
	"github.com/dipeo/dipeo-engine/tokenstore"
)

// Engine owns one run's scheduler state: the compiled diagram, the
// handler registry, and the tracker/token-store/pipeline triple a run
// reads and writes as it executes.
type Engine struct {
	diag     *diagram.Diagram
	registry *Registry
	opts     Options

	tracker   *statetracker.Tracker
	tokens    *tokenstore.Store
	resources *ResourceRegistry
}

// New constructs an Engine over a compiled diagram and handler registry.
func New(d *diagram.Diagram, registry *Registry, opts ...Option) *Engine {
	var o Options
	for _, apply := range opts {
		apply(&o)
	}
	o = o.withDefaults(goruntime.NumCPU())

	return &Engine{
		diag:      d,
		registry:  registry,
		opts:      o,
		tracker:   statetracker.New(o.DefaultMaxIteration),
		tokens:    tokenstore.New(d),
		resources: NewResourceRegistry(),
	}
}

// Resources exposes the run's shared resource registry so callers can seed
// it (HTTP clients, LLM SDK instances) before calling Run.
func (e *Engine) Resources() *ResourceRegistry { return e.resources }

// Dump returns a persistable snapshot of the run's node states, suitable
// for handing to a store.Store after Run returns.
func (e *Engine) Dump() statetracker.DumpState { return e.tracker.Dump() }

// Result is what Run returns: the terminal reason and the tracker's final
// summary. Err is non-nil only for fatal (run-ending) failures, not for
// isolated node failures already captured in Summary.FailedNodes.
type Result struct {
	RunID   string
	Reason  emit.EndReason
	Summary statetracker.ExecutionSummary
	Err     error
}

// activation is one dispatched node execution.
type activation struct {
	node  diagram.NodeID
	epoch statetracker.Epoch
}

// completion is what activate reports back to the coordinator loop.
type completion struct {
	node    diagram.NodeID
	epoch   statetracker.Epoch
	outputs map[string]envelope.Envelope
	nodeErr *NodeError
}

// Run executes the compiled diagram to completion. initialVars become the
// body of the START node's single output envelope, per spec §6. The
// returned error is non-nil only when the run ended in a fatal (not
// node-isolated) condition; inspect Result.Reason for the structured
// outcome in all cases.
func (e *Engine) Run(ctx context.Context, initialVars map[string]any) (*Result, error) {
	runID := generateRunID()
	pipeline := e.opts.Pipeline

	for id := range e.diag.Nodes {
		e.tracker.InitializeNode(id)
	}

	pipeline.Publish(emit.Event{Kind: emit.RunStarted, RunID: runID, DiagramID: e.diag.ID, At: time.Now()})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := newReadyQueue()
	epochs := newEpochTable()

	startNode := e.diag.StartNode()
	queue.push(startNode, e.diag.Depth(startNode), 0)
	epochs.set(startNode, 0)

	sem := make(chan struct{}, e.opts.MaxConcurrentNodes)
	completions := make(chan completion, e.opts.MaxConcurrentNodes*2)

	var wg sync.WaitGroup
	inflight := 0
	steps := 0
	reason := emit.ReasonCompleted
	endpointReached := false
	var fatalErr error

	startEnv := envelope.New(initialVars, envelope.Object, string(startNode), nil)

run:
	for {
	dispatch:
		for queue.len() > 0 {
			select {
			case sem <- struct{}{}:
			default:
				break dispatch
			}
			item, ok := queue.pop()
			if !ok {
				<-sem
				break dispatch
			}

			steps++
			if steps > e.opts.MaxSteps {
				reason = emit.ReasonMaxSteps
				fatalErr = fmt.Errorf("%w: %d", ErrMaxStepsExceeded, e.opts.MaxSteps)
				<-sem
				cancel()
				break run
			}

			inflight++
			if e.opts.Metrics != nil {
				e.opts.Metrics.UpdateInflightNodes(inflight)
				e.opts.Metrics.UpdateQueueDepth(queue.len())
			}

			act := activation{node: item.node, epoch: statetracker.Epoch(item.epoch)}
			var seedEnv *envelope.Envelope
			if act.node == startNode {
				seedEnv = &startEnv
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				completions <- e.activate(runCtx, runID, act, seedEnv, initialVars)
			}()
		}

		if inflight == 0 && queue.len() == 0 {
			break run
		}

		select {
		case <-runCtx.Done():
			if reason == emit.ReasonCompleted {
				reason = emit.ReasonCancelled
				fatalErr = ErrCancelled
			}
			break run
		case c := <-completions:
			inflight--
			if e.handleCompletion(runID, c, queue, epochs, pipeline) {
				endpointReached = true
			}
			switch {
			case e.opts.FailFast && c.nodeErr != nil:
				reason = emit.ReasonFailed
				cancel()
				break run
			case endpointReached:
				// spec §4.7.6 termination condition #1: an ENDPOINT
				// completing ends the run immediately, regardless of what
				// else is still in flight on other branches.
				reason = emit.ReasonCompleted
				cancel()
				break run
			}
		}
	}

	// Drain any activations still in flight so their tracker/token-store
	// side effects are recorded even though the run already decided its
	// terminal reason. Handlers get CancellationGrace to honor ctx
	// cancellation before the drain gives up on them.
	graceCtx, graceCancel := context.WithTimeout(context.Background(), e.opts.CancellationGrace)
	defer graceCancel()
	go func() { wg.Wait(); close(completions) }()
drain:
	for {
		select {
		case c, ok := <-completions:
			if !ok {
				break drain
			}
			if e.handleCompletion(runID, c, queue, epochs, pipeline) {
				endpointReached = true
			}
		case <-graceCtx.Done():
			e.opts.Pipeline.Publish(emit.Event{
				Kind: emit.NodeError, RunID: runID, DiagramID: e.diag.ID,
				ErrorKind: string(KindTimeout), Message: "cancellation grace period elapsed; abandoning in-flight handlers", At: time.Now(),
			})
			if fatalErr == nil {
				fatalErr = ErrCancelled
			}
			break drain
		}
	}

	summary := e.tracker.GetExecutionSummary()
	if reason == emit.ReasonCompleted && !endpointReached && len(summary.FailedNodes) > 0 {
		reason = emit.ReasonFailed
		if fatalErr == nil {
			fatalErr = ErrNoProgress
		}
	}

	pipeline.Publish(emit.Event{Kind: emit.RunEnded, RunID: runID, DiagramID: e.diag.ID, Reason: reason, At: time.Now()})
	pipeline.Close(context.Background())

	return &Result{RunID: runID, Reason: reason, Summary: summary, Err: fatalErr}, fatalErr
}

// activate runs one node's handler to completion (or failure). seedEnv and
// seedBody, when non-nil, carry the START node's synthetic single input
// (the run's initial variables) instead of resolved tokens.
func (e *Engine) activate(ctx context.Context, runID string, act activation, seedEnv *envelope.Envelope, seedBody map[string]any) completion {
	node := e.diag.Nodes[act.node]

	var inputs *resolve.Resolved
	if seedEnv != nil {
		inputs = &resolve.Resolved{
			Envelopes: map[string]envelope.Envelope{diagram.DefaultHandle: *seedEnv},
			Bodies:    map[string]any{diagram.DefaultHandle: seedBody},
		}
	} else {
		consumed := e.tokens.Consume(act.node)
		resolved, err := resolve.Resolve(e.diag, act.node, consumed)
		if err != nil {
			e.tracker.TransitionToFailed(act.node, err.Error())
			return completion{node: act.node, epoch: act.epoch, nodeErr: &NodeError{
				NodeID: act.node, Kind: KindResolutionError, Message: err.Error(), Cause: err,
			}}
		}
		inputs = resolved
	}

	execNum, err := e.tracker.TransitionToRunning(act.node, act.epoch)
	if err != nil {
		return completion{node: act.node, epoch: act.epoch, nodeErr: &NodeError{
			NodeID: act.node, Kind: KindHandlerError, Message: "node already running", Cause: err,
		}}
	}
	e.opts.Pipeline.Publish(emit.Event{
		Kind: emit.NodeStateChanged, RunID: runID, DiagramID: e.diag.ID, NodeID: string(act.node),
		Epoch: int(act.epoch), FromStatus: string(statetracker.Pending), ToStatus: string(statetracker.Running), At: time.Now(),
	})

	handler, err := e.registry.Lookup(node.Type)
	if err != nil {
		e.tracker.TransitionToFailed(act.node, err.Error())
		return completion{node: act.node, epoch: act.epoch, nodeErr: &NodeError{
			NodeID: act.node, Kind: KindValidationError, Message: err.Error(), Cause: err,
		}}
	}

	execCtx := NewExecutionContext(ctx, runID, node, e.diag, act.epoch, inputs, e.tracker, e.resources, e.opts.DefaultNodeTimeout)
	defer execCtx.Release()

	start := time.Now()
	handlerErr := e.runHandler(handler, execCtx)
	latency := time.Since(start)
	if e.opts.Metrics != nil {
		status := "success"
		if handlerErr != nil {
			status = "error"
		}
		e.opts.Metrics.RecordStepLatency(runID, string(act.node), latency, status)
	}

	if handlerErr != nil {
		kind := KindHandlerError
		switch {
		case ctx.Err() != nil:
			kind = KindCancelled
		case execCtx.ctx.Err() != nil:
			kind = KindTimeout
		}
		e.tracker.TransitionToFailed(act.node, handlerErr.Error())
		e.opts.Pipeline.Publish(emit.Event{
			Kind: emit.NodeError, RunID: runID, DiagramID: e.diag.ID, NodeID: string(act.node),
			Epoch: int(act.epoch), ErrorKind: string(kind), Message: handlerErr.Error(), At: time.Now(),
		})
		return completion{node: act.node, epoch: act.epoch, nodeErr: &NodeError{
			NodeID: act.node, Kind: kind, Message: handlerErr.Error(), Cause: handlerErr,
		}}
	}

	outputs, emitted, emitErr := execCtx.emittedOutputs()
	if emitErr != nil {
		e.tracker.TransitionToFailed(act.node, emitErr.Error())
		ne, _ := emitErr.(*NodeError)
		return completion{node: act.node, epoch: act.epoch, nodeErr: ne}
	}
	if !emitted {
		msg := "handler returned without calling Emit"
		e.tracker.TransitionToFailed(act.node, msg)
		return completion{node: act.node, epoch: act.epoch, nodeErr: &NodeError{
			NodeID: act.node, Kind: KindHandlerContractError, Message: msg,
		}}
	}

	if execNum > 1 && !e.tracker.CanExecuteInLoop(act.node, act.epoch, node.MaxIteration) {
		out := outputs[diagram.DefaultHandle]
		e.tracker.TransitionToMaxIter(act.node, &out)
		return completion{node: act.node, epoch: act.epoch, outputs: outputs, nodeErr: &NodeError{
			NodeID: act.node, Kind: KindMaxIterationReached, Message: "iteration cap reached",
		}}
	}

	var primary *envelope.Envelope
	if out, ok := outputs[diagram.DefaultHandle]; ok {
		primary = &out
	}
	e.tracker.TransitionToCompleted(act.node, primary, nil)
	e.opts.Pipeline.Publish(emit.Event{
		Kind: emit.NodeStateChanged, RunID: runID, DiagramID: e.diag.ID, NodeID: string(act.node),
		Epoch: int(act.epoch), FromStatus: string(statetracker.Running), ToStatus: string(statetracker.Completed), At: time.Now(),
	})
	for _, out := range outputs {
		o := out
		e.opts.Pipeline.Publish(emit.Event{
			Kind: emit.NodeOutput, RunID: runID, DiagramID: e.diag.ID, NodeID: string(act.node),
			Epoch: int(act.epoch), Output: &o, At: time.Now(),
		})
	}
	return completion{node: act.node, epoch: act.epoch, outputs: outputs}
}

// runHandler invokes h.Handle and converts a panic into an error so one
// misbehaving handler cannot take down the scheduler goroutine.
func (e *Engine) runHandler(h Handler, execCtx *ExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(execCtx)
}

// handleCompletion is the Completion + Epoch-advancement + Skip-propagation
// steps from spec §4.7: it routes a finished activation's outputs onto
// outbound arrows, bumps the epoch on any back-edge crossed, propagates
// SKIPPED to the untaken side of a CONDITION, and re-queues every
// downstream node whose join policy became satisfied. It reports whether c
// was a successful completion of an ENDPOINT node, which the caller uses to
// end the run immediately per spec §4.7.6's first termination condition.
func (e *Engine) handleCompletion(runID string, c completion, queue *readyQueue, epochs *epochTable, pipeline *emit.Pipeline) bool {
	touched := map[diagram.NodeID]bool{}
	srcNode := e.diag.Nodes[c.node]
	endpointCompleted := c.nodeErr == nil && srcNode != nil && srcNode.Type == diagram.Endpoint

	for _, arrow := range e.diag.Outbound(c.node) {
		dst := arrow.DstNode

		if env, ok := c.outputs[arrow.SrcHandle]; ok {
			nextEpoch := c.epoch
			if e.diag.IsBackEdge(arrow.ID) {
				nextEpoch = epochs.bump(dst)
			} else {
				epochs.ensure(dst, nextEpoch)
			}
			e.tokens.Emit(arrow.ID, env, nextEpoch)
			touched[dst] = true
			continue
		}

		// This arrow's source handle never fired this activation: either an
		// unused output handle or the untaken branch of a CONDITION. Clear
		// any stale token from a prior epoch; a CONDITION's untaken branch
		// additionally propagates SKIPPED downstream.
		e.tokens.ClearFor(arrow.ID)
		if c.nodeErr == nil && srcNode != nil && srcNode.Type == diagram.Condition {
			e.propagateSkip(dst, pipeline, runID, c.epoch)
		}
	}

	if c.nodeErr != nil {
		for _, arrow := range e.diag.Outbound(c.node) {
			dstNode := e.diag.Nodes[arrow.DstNode]
			if dstNode != nil && dstNode.AcceptsError[arrow.DstHandle] {
				errEnv := envelope.New(c.nodeErr.Message, envelope.RawText, string(c.node), map[string]any{
					"error": true, "errorKind": string(c.nodeErr.Kind),
				})
				e.tokens.Emit(arrow.ID, errEnv, c.epoch)
				touched[arrow.DstNode] = true
			}
		}
	}

	for dst := range touched {
		if !e.tokens.Ready(dst) {
			continue
		}
		state := e.tracker.GetNodeState(dst)
		switch state.Status {
		case statetracker.Running, statetracker.Failed, statetracker.MaxIterReached:
			// Failed/MaxIterReached are terminal for this node outside the
			// core's retry scope; Running means it is already queued.
			continue
		case statetracker.Completed, statetracker.Skipped:
			// A node skipped by an earlier CONDITION pass (e.g. a loop exit
			// whose branch was untaken on prior iterations) runs once a later
			// pass delivers tokens that satisfy its join policy.
			e.tracker.ResetNode(dst)
		}
		queue.push(dst, e.diag.Depth(dst), epochs.get(dst))
	}

	return endpointCompleted
}

// propagateSkip marks node SKIPPED, drains its outbound arrows so the skip
// cannot strand a stale token, and recurses into any downstream node whose
// ALL_REQUIRED join policy can no longer be satisfied.
func (e *Engine) propagateSkip(node diagram.NodeID, pipeline *emit.Pipeline, runID string, epoch statetracker.Epoch) {
	state := e.tracker.GetNodeState(node)
	if state.Status.IsTerminal() {
		return
	}
	e.tracker.TransitionToSkipped(node)
	pipeline.Publish(emit.Event{
		Kind: emit.NodeStateChanged, RunID: runID, DiagramID: e.diag.ID, NodeID: string(node),
		Epoch: int(epoch), FromStatus: string(statetracker.Pending), ToStatus: string(statetracker.Skipped), At: time.Now(),
	})
	for _, arrow := range e.diag.Outbound(node) {
		e.tokens.ClearFor(arrow.ID)
		if e.diag.JoinPolicyFor(arrow.DstNode) == diagram.JoinAllRequired && !arrow.Optional {
			e.propagateSkip(arrow.DstNode, pipeline, runID, epoch)
		}
	}
}

// epochTable tracks each node's current epoch, bumping it whenever a
// back-edge delivers a fresh iteration.
type epochTable struct {
	mu sync.Mutex
	m  map[diagram.NodeID]statetracker.Epoch
}

func newEpochTable() *epochTable {
	return &epochTable{m: make(map[diagram.NodeID]statetracker.Epoch)}
}

func (t *epochTable) get(node diagram.NodeID) statetracker.Epoch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m[node]
}

func (t *epochTable) set(node diagram.NodeID, e statetracker.Epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[node] = e
}

func (t *epochTable) ensure(node diagram.NodeID, e statetracker.Epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.m[node]; !ok || e > cur {
		t.m[node] = e
	}
}

func (t *epochTable) bump(node diagram.NodeID) statetracker.Epoch {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[node]++
	return t.m[node]
}
