package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/resolve"
	"github.com/dipeo/dipeo-engine/runtime"
	"github.com/dipeo/dipeo-engine/statetracker"
)

func newTestContext(t *testing.T, node *diagram.Node, inputs *resolve.Resolved) *runtime.ExecutionContext {
	t.Helper()
	tracker := statetracker.New(100)
	resources := runtime.NewResourceRegistry()
	execCtx := runtime.NewExecutionContext(context.Background(), "run-1", node, &diagram.Diagram{}, 0, inputs, tracker, resources, 0)
	t.Cleanup(execCtx.Release)
	return execCtx
}

func TestStartEmitsInputUnchanged(t *testing.T) {
	node := &diagram.Node{ID: "start", Type: diagram.Start}
	env := envelope.New(map[string]any{"x": 1.0}, envelope.Object, "run", nil)
	inputs := &resolve.Resolved{Envelopes: map[string]envelope.Envelope{diagram.DefaultHandle: env}}

	ctx := newTestContext(t, node, inputs)
	if err := (Start{}).Handle(ctx); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestConditionRoutesTrueBranch(t *testing.T) {
	node := &diagram.Node{ID: "cond", Type: diagram.Condition, Config: ConditionConfig{Expression: "input.approved == true"}}
	env := envelope.New(map[string]any{"approved": true}, envelope.Object, "run", nil)
	inputs := &resolve.Resolved{
		Envelopes: map[string]envelope.Envelope{diagram.DefaultHandle: env},
		Bodies:    map[string]any{diagram.DefaultHandle: map[string]any{"approved": true}},
	}

	ctx := newTestContext(t, node, inputs)
	c := NewCondition()
	if err := c.Handle(ctx); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestConditionRejectsNonBooleanExpression(t *testing.T) {
	node := &diagram.Node{ID: "cond", Type: diagram.Condition, Config: ConditionConfig{Expression: "input.approved"}}
	inputs := &resolve.Resolved{
		Envelopes: map[string]envelope.Envelope{},
		Bodies:    map[string]any{diagram.DefaultHandle: map[string]any{"approved": "yes"}},
	}

	ctx := newTestContext(t, node, inputs)
	c := NewCondition()
	if err := c.Handle(ctx); err == nil {
		t.Fatal("expected error for non-boolean CEL result")
	}
}

func TestAPIJobParsesJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	node := &diagram.Node{ID: "api", Type: diagram.APIJob, Config: APIJobConfig{Method: "GET", URL: srv.URL}}
	inputs := &resolve.Resolved{Envelopes: map[string]envelope.Envelope{}, Bodies: map[string]any{}}

	ctx := newTestContext(t, node, inputs)
	a := NewAPIJob()
	if err := a.Handle(ctx); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestAPIJobFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	node := &diagram.Node{ID: "api", Type: diagram.APIJob, Config: APIJobConfig{Method: "GET", URL: srv.URL}}
	inputs := &resolve.Resolved{Envelopes: map[string]envelope.Envelope{}, Bodies: map[string]any{}}

	ctx := newTestContext(t, node, inputs)
	a := NewAPIJob()
	if err := a.Handle(ctx); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestEndpointUsesResultBinding(t *testing.T) {
	node := &diagram.Node{ID: "end", Type: diagram.Endpoint, Config: EndpointConfig{ResultBinding: "result"}}
	env := envelope.New("done", envelope.RawText, "run", nil)
	inputs := &resolve.Resolved{Envelopes: map[string]envelope.Envelope{"result": env}}

	ctx := newTestContext(t, node, inputs)
	if err := (Endpoint{}).Handle(ctx); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}
