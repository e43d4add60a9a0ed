package handlers

import (
	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/runtime"
)

// Endpoint records the run's terminal output. Its default-handle input is
// whatever binding label the diagram's ENDPOINT config names as the final
// result; absent that config, the "default" binding is used, and if no
// envelope is bound under the chosen label, an arbitrary bound envelope is
// used instead.
type Endpoint struct{}

// EndpointConfig is the expected shape of an ENDPOINT node's Config.
type EndpointConfig struct {
	ResultBinding string
}

func (Endpoint) Handle(ctx *runtime.ExecutionContext) error {
	label := diagram.DefaultHandle
	if cfg, ok := ctx.Node.Config.(EndpointConfig); ok && cfg.ResultBinding != "" {
		label = cfg.ResultBinding
	}

	env, ok := ctx.Inputs.Envelopes[label]
	if !ok {
		for _, v := range ctx.Inputs.Envelopes {
			env = v
			break
		}
	}
	return ctx.Emit(map[string]envelope.Envelope{diagram.DefaultHandle: env})
}
