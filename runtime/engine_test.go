package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/emit"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/statetracker"
)

// echoHandler emits whatever arrived on the default handle, unchanged, on
// outHandle. Used for CODE_JOB stand-ins that just need to pass a token
// along a branch.
func echoHandler(outHandle string) HandlerFunc {
	return func(ctx *ExecutionContext) error {
		env, ok := ctx.Inputs.Envelopes[diagram.DefaultHandle]
		if !ok {
			env = envelope.New(nil, envelope.Object, string(ctx.Node.ID), nil)
		}
		return ctx.Emit(map[string]envelope.Envelope{outHandle: env})
	}
}

// joinHandler requires every handle in want to be present among the
// activation's resolved inputs and emits a single default-handle envelope
// summarizing the count. Used to exercise ALL_REQUIRED fan-in.
func joinHandler(want ...string) HandlerFunc {
	return func(ctx *ExecutionContext) error {
		for _, h := range want {
			if _, ok := ctx.Inputs.Envelopes[h]; !ok {
				return fmt.Errorf("join: missing expected input %q", h)
			}
		}
		env := envelope.New(len(ctx.Inputs.Envelopes), envelope.Object, string(ctx.Node.ID), nil)
		return ctx.Emit(map[string]envelope.Envelope{diagram.DefaultHandle: env})
	}
}

// failHandler always returns a handler error, modeling a node whose
// activation fails outright rather than tripping a contract or cap error.
func failHandler(msg string) HandlerFunc {
	return func(ctx *ExecutionContext) error {
		return fmt.Errorf("%s", msg)
	}
}

// loopCountHandler routes to condtrue while this node's own cumulative
// execution count is below limit, condfalse once it reaches it.
func loopCountHandler(limit int) HandlerFunc {
	return func(ctx *ExecutionContext) error {
		handle := diagram.HandleCondTrue
		if ctx.ExecutionCount(ctx.Node.ID) >= limit {
			handle = diagram.HandleCondFalse
		}
		env := envelope.New(ctx.ExecutionCount(ctx.Node.ID), envelope.Object, string(ctx.Node.ID), nil)
		return ctx.Emit(map[string]envelope.Envelope{handle: env})
	}
}

// alwaysLoopHandler never exits on its own; it keeps feeding its own
// back-edge, relying entirely on the node's iteration cap to stop it.
func alwaysLoopHandler() HandlerFunc {
	return func(ctx *ExecutionContext) error {
		env := envelope.New("again", envelope.RawText, string(ctx.Node.ID), nil)
		return ctx.Emit(map[string]envelope.Envelope{"loop": env})
	}
}

func runTestEngine(t *testing.T, d *diagram.Diagram, registry *Registry, opts ...Option) *Result {
	t.Helper()
	e := New(d, registry, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := e.Run(ctx, map[string]any{})
	if result == nil {
		t.Fatalf("Run returned nil result: %v", err)
	}
	return result
}

// TestEngineRunLinearPipeline covers spec §8's linear pipeline scenario:
// START -> CODE_JOB -> ENDPOINT with no branching or cycles.
func TestEngineRunLinearPipeline(t *testing.T) {
	d := &diagram.Diagram{
		ID: "linear",
		Nodes: map[diagram.NodeID]*diagram.Node{
			"start": {ID: "start", Type: diagram.Start},
			"code":  {ID: "code", Type: diagram.CodeJob},
			"end":   {ID: "end", Type: diagram.Endpoint},
		},
		Arrows: map[diagram.ArrowID]*diagram.Arrow{
			"s-c": {ID: "s-c", SrcNode: "start", SrcHandle: diagram.DefaultHandle, DstNode: "code", DstHandle: diagram.DefaultHandle},
			"c-e": {ID: "c-e", SrcNode: "code", SrcHandle: diagram.DefaultHandle, DstNode: "end", DstHandle: diagram.DefaultHandle},
		},
	}
	if err := diagram.Compile(d, []diagram.NodeID{"start", "code", "end"}); err != nil {
		t.Fatalf("compile: %v", err)
	}

	registry := NewRegistry()
	registry.Register(diagram.Start, echoHandler(diagram.DefaultHandle))
	registry.Register(diagram.CodeJob, echoHandler(diagram.DefaultHandle))
	registry.Register(diagram.Endpoint, echoHandler(diagram.DefaultHandle))

	result := runTestEngine(t, d, registry)

	if result.Reason != emit.ReasonCompleted {
		t.Fatalf("expected ReasonCompleted, got %v (err=%v)", result.Reason, result.Err)
	}
	if result.Summary.Completed != 3 {
		t.Fatalf("expected 3 completed nodes, got %d", result.Summary.Completed)
	}
	if len(result.Summary.FailedNodes) != 0 {
		t.Fatalf("expected no failed nodes, got %v", result.Summary.FailedNodes)
	}
}

// TestEngineRunConditionBranchSkipsUntakenSide covers spec §8's condition
// branch scenario: the untaken side of a CONDITION is marked SKIPPED rather
// than left PENDING forever.
func TestEngineRunConditionBranchSkipsUntakenSide(t *testing.T) {
	d := &diagram.Diagram{
		ID: "branch",
		Nodes: map[diagram.NodeID]*diagram.Node{
			"start":    {ID: "start", Type: diagram.Start},
			"cond":     {ID: "cond", Type: diagram.Condition},
			"approved": {ID: "approved", Type: diagram.CodeJob},
			"rejected": {ID: "rejected", Type: diagram.CodeJob},
			"end":      {ID: "end", Type: diagram.Endpoint},
		},
		Arrows: map[diagram.ArrowID]*diagram.Arrow{
			"s-c": {ID: "s-c", SrcNode: "start", SrcHandle: diagram.DefaultHandle, DstNode: "cond", DstHandle: diagram.DefaultHandle},
			"c-a": {ID: "c-a", SrcNode: "cond", SrcHandle: diagram.HandleCondTrue, DstNode: "approved", DstHandle: diagram.DefaultHandle},
			"c-r": {ID: "c-r", SrcNode: "cond", SrcHandle: diagram.HandleCondFalse, DstNode: "rejected", DstHandle: diagram.DefaultHandle},
			"a-e": {ID: "a-e", SrcNode: "approved", SrcHandle: diagram.DefaultHandle, DstNode: "end", DstHandle: diagram.DefaultHandle},
		},
	}
	if err := diagram.Compile(d, []diagram.NodeID{"start", "cond", "approved", "rejected", "end"}); err != nil {
		t.Fatalf("compile: %v", err)
	}

	registry := NewRegistry()
	registry.Register(diagram.Start, echoHandler(diagram.DefaultHandle))
	registry.Register(diagram.Condition, HandlerFunc(func(ctx *ExecutionContext) error {
		env := envelope.New(true, envelope.Object, "cond", nil)
		return ctx.Emit(map[string]envelope.Envelope{diagram.HandleCondTrue: env})
	}))
	registry.Register(diagram.CodeJob, echoHandler(diagram.DefaultHandle))
	registry.Register(diagram.Endpoint, echoHandler(diagram.DefaultHandle))

	e := New(d, registry)
	result, err := e.Run(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Reason != emit.ReasonCompleted {
		t.Fatalf("expected ReasonCompleted, got %v (err=%v)", result.Reason, result.Err)
	}
	states := e.Dump().NodeStates
	if states["rejected"].Status != statetracker.Skipped {
		t.Fatalf("expected rejected node SKIPPED, got %v", states["rejected"].Status)
	}
	if states["approved"].Status != statetracker.Completed {
		t.Fatalf("expected approved node COMPLETED, got %v", states["approved"].Status)
	}
	if states["end"].Status != statetracker.Completed {
		t.Fatalf("expected end node COMPLETED, got %v", states["end"].Status)
	}
}

// countedLoopDiagram builds the start -> body -> cond -> (body | end) shape
// shared by the counted-loop scenarios, with body able to re-fire off
// either its start token or the cond back-edge.
func countedLoopDiagram() *diagram.Diagram {
	d := &diagram.Diagram{
		ID: "loop",
		Nodes: map[diagram.NodeID]*diagram.Node{
			"start": {ID: "start", Type: diagram.Start},
			"body":  {ID: "body", Type: diagram.CodeJob},
			"cond":  {ID: "cond", Type: diagram.Condition},
			"end":   {ID: "end", Type: diagram.Endpoint},
		},
		Arrows: map[diagram.ArrowID]*diagram.Arrow{
			"s-b": {ID: "s-b", SrcNode: "start", SrcHandle: diagram.DefaultHandle, DstNode: "body", DstHandle: diagram.DefaultHandle},
			"b-c": {ID: "b-c", SrcNode: "body", SrcHandle: diagram.DefaultHandle, DstNode: "cond", DstHandle: diagram.DefaultHandle},
			"c-b": {ID: "c-b", SrcNode: "cond", SrcHandle: diagram.HandleCondTrue, DstNode: "body", DstHandle: diagram.DefaultHandle},
			"c-e": {ID: "c-e", SrcNode: "cond", SrcHandle: diagram.HandleCondFalse, DstNode: "end", DstHandle: diagram.DefaultHandle},
		},
		JoinPolicies: map[diagram.NodeID]diagram.JoinPolicy{
			"body": diagram.JoinAny,
		},
	}
	return d
}

// TestEngineRunCountedLoopBelowCapExitsNormally covers spec §8's counted
// loop scenario: the loop runs a bounded number of iterations and exits via
// CONDITION before ever approaching its iteration cap.
func TestEngineRunCountedLoopBelowCapExitsNormally(t *testing.T) {
	d := countedLoopDiagram()
	if err := diagram.Compile(d, []diagram.NodeID{"start", "body", "cond", "end"}); err != nil {
		t.Fatalf("compile: %v", err)
	}

	registry := NewRegistry()
	registry.Register(diagram.Start, echoHandler(diagram.DefaultHandle))
	registry.Register(diagram.CodeJob, echoHandler(diagram.DefaultHandle))
	registry.Register(diagram.Condition, loopCountHandler(3))
	registry.Register(diagram.Endpoint, echoHandler(diagram.DefaultHandle))

	e := New(d, registry)
	result, err := e.Run(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Reason != emit.ReasonCompleted {
		t.Fatalf("expected ReasonCompleted, got %v", result.Reason)
	}
	if got := e.tracker.GetExecutionCount("body"); got != 3 {
		t.Fatalf("expected body to run 3 times, got %d", got)
	}
	if got := e.tracker.GetExecutionCount("cond"); got != 3 {
		t.Fatalf("expected cond to run 3 times, got %d", got)
	}
	if e.Dump().NodeStates["end"].Status != statetracker.Completed {
		t.Fatal("expected end node COMPLETED")
	}
	if result.Summary.MaxIterReached != 0 {
		t.Fatalf("expected no node to hit its iteration cap, got %d", result.Summary.MaxIterReached)
	}
}

// TestEngineRunIterationCapTrips covers spec §8's iteration-cap scenario: a
// node with MaxIteration=1 that never decides to stop on its own is halted
// by the scheduler instead of looping forever, and MAXITER_REACHED is not
// counted as a failure.
func TestEngineRunIterationCapTrips(t *testing.T) {
	d := &diagram.Diagram{
		ID: "capped-loop",
		Nodes: map[diagram.NodeID]*diagram.Node{
			"start": {ID: "start", Type: diagram.Start},
			"body":  {ID: "body", Type: diagram.CodeJob, OutputHandles: []string{"loop"}, MaxIteration: 1},
		},
		Arrows: map[diagram.ArrowID]*diagram.Arrow{
			"s-b": {ID: "s-b", SrcNode: "start", SrcHandle: diagram.DefaultHandle, DstNode: "body", DstHandle: diagram.DefaultHandle},
			"loop": {ID: "loop", SrcNode: "body", SrcHandle: "loop", DstNode: "body", DstHandle: diagram.DefaultHandle},
		},
		JoinPolicies: map[diagram.NodeID]diagram.JoinPolicy{
			"body": diagram.JoinAny,
		},
	}
	if err := diagram.Compile(d, []diagram.NodeID{"start", "body"}); err != nil {
		t.Fatalf("compile: %v", err)
	}

	registry := NewRegistry()
	registry.Register(diagram.Start, echoHandler(diagram.DefaultHandle))
	registry.Register(diagram.CodeJob, alwaysLoopHandler())

	e := New(d, registry, WithMaxSteps(50))
	result, err := e.Run(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Reason != emit.ReasonCompleted {
		t.Fatalf("expected ReasonCompleted (MAXITER_REACHED is not a run-level failure), got %v, err=%v", result.Reason, result.Err)
	}
	if result.Summary.MaxIterReached != 1 {
		t.Fatalf("expected exactly 1 node to hit its iteration cap, got %d", result.Summary.MaxIterReached)
	}
	if len(result.Summary.FailedNodes) != 0 {
		t.Fatalf("expected MAXITER_REACHED to not be counted as failed, got %v", result.Summary.FailedNodes)
	}
	if got := e.Dump().NodeStates["body"].Status; got != statetracker.MaxIterReached {
		t.Fatalf("expected body MAXITER_REACHED, got %v", got)
	}
}

// TestEngineRunParallelFanOutFanIn covers spec §8's fan-out/fan-in scenario:
// a join node under the default ALL_REQUIRED policy only activates once
// every parallel branch has delivered its token.
func TestEngineRunParallelFanOutFanIn(t *testing.T) {
	d := &diagram.Diagram{
		ID: "fanout",
		Nodes: map[diagram.NodeID]*diagram.Node{
			"start":   {ID: "start", Type: diagram.Start},
			"branchA": {ID: "branchA", Type: diagram.CodeJob},
			"branchB": {ID: "branchB", Type: diagram.CodeJob},
			"join":    {ID: "join", Type: diagram.CodeJob, InputHandles: []string{"a", "b"}},
			"end":     {ID: "end", Type: diagram.Endpoint},
		},
		Arrows: map[diagram.ArrowID]*diagram.Arrow{
			"s-a": {ID: "s-a", SrcNode: "start", SrcHandle: diagram.DefaultHandle, DstNode: "branchA", DstHandle: diagram.DefaultHandle},
			"s-b": {ID: "s-b", SrcNode: "start", SrcHandle: diagram.DefaultHandle, DstNode: "branchB", DstHandle: diagram.DefaultHandle},
			"a-j": {ID: "a-j", SrcNode: "branchA", SrcHandle: diagram.DefaultHandle, DstNode: "join", DstHandle: "a"},
			"b-j": {ID: "b-j", SrcNode: "branchB", SrcHandle: diagram.DefaultHandle, DstNode: "join", DstHandle: "b"},
			"j-e": {ID: "j-e", SrcNode: "join", SrcHandle: diagram.DefaultHandle, DstNode: "end", DstHandle: diagram.DefaultHandle},
		},
	}
	if err := diagram.Compile(d, []diagram.NodeID{"start", "branchA", "branchB", "join", "end"}); err != nil {
		t.Fatalf("compile: %v", err)
	}

	registry := NewRegistry()
	registry.Register(diagram.Start, echoHandler(diagram.DefaultHandle))
	registry.Register(diagram.CodeJob, HandlerFunc(func(ctx *ExecutionContext) error {
		if ctx.Node.ID == "join" {
			return joinHandler("a", "b")(ctx)
		}
		return echoHandler(diagram.DefaultHandle)(ctx)
	}))
	registry.Register(diagram.Endpoint, echoHandler(diagram.DefaultHandle))

	result := runTestEngine(t, d, registry)

	if result.Reason != emit.ReasonCompleted {
		t.Fatalf("expected ReasonCompleted, got %v (err=%v)", result.Reason, result.Err)
	}
	if result.Summary.Completed != 5 {
		t.Fatalf("expected 5 completed nodes, got %d", result.Summary.Completed)
	}
}

// TestEngineRunIsolatedFailureDoesNotFailIndependentEndpoint covers spec
// §8's handler-failure-isolation scenario and regression-tests the FailFast
// default: one branch's handler fails outright, but an independent branch
// still reaches an ENDPOINT, so the run ends COMPLETED overall.
func TestEngineRunIsolatedFailureDoesNotFailIndependentEndpoint(t *testing.T) {
	d := &diagram.Diagram{
		ID: "isolated-failure",
		Nodes: map[diagram.NodeID]*diagram.Node{
			"start":      {ID: "start", Type: diagram.Start},
			"branchFail": {ID: "branchFail", Type: diagram.CodeJob},
			"branchOK":   {ID: "branchOK", Type: diagram.CodeJob},
			"end":        {ID: "end", Type: diagram.Endpoint},
		},
		Arrows: map[diagram.ArrowID]*diagram.Arrow{
			"s-f":  {ID: "s-f", SrcNode: "start", SrcHandle: diagram.DefaultHandle, DstNode: "branchFail", DstHandle: diagram.DefaultHandle},
			"s-ok": {ID: "s-ok", SrcNode: "start", SrcHandle: diagram.DefaultHandle, DstNode: "branchOK", DstHandle: diagram.DefaultHandle},
			"ok-e": {ID: "ok-e", SrcNode: "branchOK", SrcHandle: diagram.DefaultHandle, DstNode: "end", DstHandle: diagram.DefaultHandle},
		},
	}
	if err := diagram.Compile(d, []diagram.NodeID{"start", "branchFail", "branchOK", "end"}); err != nil {
		t.Fatalf("compile: %v", err)
	}

	registry := NewRegistry()
	registry.Register(diagram.Start, echoHandler(diagram.DefaultHandle))
	registry.Register(diagram.CodeJob, HandlerFunc(func(ctx *ExecutionContext) error {
		if ctx.Node.ID == "branchFail" {
			return failHandler("boom")(ctx)
		}
		return echoHandler(diagram.DefaultHandle)(ctx)
	}))
	registry.Register(diagram.Endpoint, echoHandler(diagram.DefaultHandle))

	result := runTestEngine(t, d, registry)

	if result.Reason != emit.ReasonCompleted {
		t.Fatalf("expected ReasonCompleted despite the isolated failure, got %v (err=%v)", result.Reason, result.Err)
	}
	if result.Err != nil {
		t.Fatalf("expected no fatal error for an isolated, non-FailFast failure, got %v", result.Err)
	}
	if len(result.Summary.FailedNodes) != 1 || result.Summary.FailedNodes[0] != "branchFail" {
		t.Fatalf("expected branchFail to be the sole failed node, got %v", result.Summary.FailedNodes)
	}
}

// TestEngineRunFailFastEndsRunOnFirstFailure regression-tests that
// FailFast=true still ends the run FAILED immediately, even though an
// independent branch could otherwise have reached an ENDPOINT.
func TestEngineRunFailFastEndsRunOnFirstFailure(t *testing.T) {
	d := &diagram.Diagram{
		ID: "fail-fast",
		Nodes: map[diagram.NodeID]*diagram.Node{
			"start":      {ID: "start", Type: diagram.Start},
			"branchFail": {ID: "branchFail", Type: diagram.CodeJob},
		},
		Arrows: map[diagram.ArrowID]*diagram.Arrow{
			"s-f": {ID: "s-f", SrcNode: "start", SrcHandle: diagram.DefaultHandle, DstNode: "branchFail", DstHandle: diagram.DefaultHandle},
		},
	}
	if err := diagram.Compile(d, []diagram.NodeID{"start", "branchFail"}); err != nil {
		t.Fatalf("compile: %v", err)
	}

	registry := NewRegistry()
	registry.Register(diagram.Start, echoHandler(diagram.DefaultHandle))
	registry.Register(diagram.CodeJob, failHandler("boom"))

	result := runTestEngine(t, d, registry, WithFailFast(true))

	if result.Reason != emit.ReasonFailed {
		t.Fatalf("expected ReasonFailed under FailFast, got %v", result.Reason)
	}
}
