package handlers

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/runtime"
)

// DiffPatchConfig is the expected shape of a DIFF_PATCH node's Config: an
// RFC 6902 JSON Patch document applied to the default-handle input body.
type DiffPatchConfig struct {
	Patch json.RawMessage
}

// DiffPatch applies a JSON Patch document to its input and emits the
// patched result as an OBJECT envelope.
type DiffPatch struct{}

func (DiffPatch) Handle(ctx *runtime.ExecutionContext) error {
	cfg, ok := ctx.Node.Config.(DiffPatchConfig)
	if !ok {
		return fmt.Errorf("diffpatch: node %q has no DiffPatchConfig", ctx.Node.ID)
	}

	env, ok := ctx.Inputs.Envelopes[diagram.DefaultHandle]
	if !ok {
		return fmt.Errorf("diffpatch: node %q has no default-handle input", ctx.Node.ID)
	}
	original, err := env.AsBytes()
	if err != nil {
		return fmt.Errorf("diffpatch: marshal input: %w", err)
	}

	patch, err := jsonpatch.DecodePatch(cfg.Patch)
	if err != nil {
		return fmt.Errorf("diffpatch: decode patch: %w", err)
	}
	patched, err := patch.Apply(original)
	if err != nil {
		return fmt.Errorf("diffpatch: apply patch: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(patched, &decoded); err != nil {
		return fmt.Errorf("diffpatch: unmarshal patched document: %w", err)
	}

	out := envelope.New(decoded, envelope.Object, string(ctx.Node.ID), nil)
	return ctx.Emit(map[string]envelope.Envelope{diagram.DefaultHandle: out})
}
