package handlers

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/runtime"
)

// ConditionConfig is the expected shape of a CONDITION node's Config: a CEL
// boolean expression evaluated against the node's resolved input bodies
// (bound as `inputs`) and, for convenience, the default-handle body bound
// as `input`.
type ConditionConfig struct {
	Expression string
}

// Condition evaluates a CEL expression and routes the default-handle
// envelope onto HandleCondTrue or HandleCondFalse, leaving the untaken
// branch unset so the scheduler's skip propagation fires for it.
type Condition struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCondition returns a Condition handler with an empty expression cache.
func NewCondition() *Condition {
	return &Condition{cache: make(map[string]cel.Program)}
}

func (c *Condition) Handle(ctx *runtime.ExecutionContext) error {
	cfg, ok := ctx.Node.Config.(ConditionConfig)
	if !ok {
		return fmt.Errorf("condition: node %q has no ConditionConfig", ctx.Node.ID)
	}

	prg, err := c.program(cfg.Expression)
	if err != nil {
		return fmt.Errorf("condition: compile %q: %w", cfg.Expression, err)
	}

	out, _, err := prg.Eval(map[string]any{
		"inputs": ctx.Inputs.Bodies,
		"input":  ctx.Inputs.Bodies[diagram.DefaultHandle],
	})
	if err != nil {
		return fmt.Errorf("condition: eval %q: %w", cfg.Expression, err)
	}
	taken, ok := out.Value().(bool)
	if !ok {
		return fmt.Errorf("condition: expression %q did not evaluate to a bool", cfg.Expression)
	}

	env := ctx.Inputs.Envelopes[diagram.DefaultHandle]
	handle := diagram.HandleCondFalse
	if taken {
		handle = diagram.HandleCondTrue
	}
	return ctx.Emit(map[string]envelope.Envelope{handle: env})
}

func (c *Condition) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.cache[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("inputs", cel.DynType),
		cel.Variable("input", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[expr] = prg
	c.mu.Unlock()
	return prg, nil
}
