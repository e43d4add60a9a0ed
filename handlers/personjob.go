package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/dipeo/dipeo-engine/diagram"
	"github.com/dipeo/dipeo-engine/envelope"
	"github.com/dipeo/dipeo-engine/llm"
	"github.com/dipeo/dipeo-engine/runtime"
	"github.com/dipeo/dipeo-engine/usage"
)

// Service tags which LLM provider a PERSON_JOB node talks to.
type Service string

const (
	ServiceAnthropic Service = "anthropic"
	ServiceOpenAI    Service = "openai"
	ServiceGoogle    Service = "google"
)

// PersonJobConfig is the expected shape of a PERSON_JOB node's Config.
type PersonJobConfig struct {
	Service     Service
	Model       string
	Prompt      string
	System      string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

// ResourceChatModel is the resource-registry key under which a pre-built
// llm.ChatModel may be seeded for a run, bypassing per-node client
// construction. Keyed by Service so a run can mix providers across nodes.
func ResourceChatModel(s Service) string { return "handlers.llm." + string(s) }

// PersonJob activates a configured LLM against the node's resolved inputs
// rendered into its prompt template, recording token usage in the optional
// Tracker field when it is set.
type PersonJob struct {
	Tracker *usage.Tracker
}

func (p *PersonJob) Handle(ctx *runtime.ExecutionContext) error {
	cfg, ok := ctx.Node.Config.(PersonJobConfig)
	if !ok {
		return fmt.Errorf("personjob: node %q has no PersonJobConfig", ctx.Node.ID)
	}

	model, err := p.modelFor(ctx, cfg)
	if err != nil {
		return fmt.Errorf("personjob: %s: %w", cfg.Service, err)
	}

	prompt := renderPrompt(cfg.Prompt, ctx.Inputs.Bodies)
	messages := []llm.Message{}
	if cfg.System != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: cfg.System})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	out, err := model.Chat(ctx.Context(), messages, llm.Options{
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return fmt.Errorf("personjob: %s: %w", cfg.Service, err)
	}

	if p.Tracker != nil {
		p.Tracker.Record(ctx.Node.ID, cfg.Model, out.InputTokens, out.OutputTokens)
	}

	env := envelope.New(out.Text, envelope.RawText, string(ctx.Node.ID), map[string]any{
		"model":        cfg.Model,
		"service":      string(cfg.Service),
		"inputTokens":  out.InputTokens,
		"outputTokens": out.OutputTokens,
	})
	return ctx.Emit(map[string]envelope.Envelope{diagram.DefaultHandle: env})
}

// modelFor returns a ChatModel for cfg.Service: a resource seeded at
// ResourceChatModel(cfg.Service) if present, else a freshly constructed
// client using cfg.APIKey and cfg.Model.
func (p *PersonJob) modelFor(ctx *runtime.ExecutionContext, cfg PersonJobConfig) (llm.ChatModel, error) {
	if res, ok := ctx.Resource(ResourceChatModel(cfg.Service)); ok {
		if m, ok := res.(llm.ChatModel); ok {
			return m, nil
		}
		return nil, fmt.Errorf("resource %q is not an llm.ChatModel", ResourceChatModel(cfg.Service))
	}

	switch cfg.Service {
	case ServiceAnthropic:
		return llm.NewAnthropicModel(cfg.APIKey, cfg.Model), nil
	case ServiceOpenAI:
		return llm.NewOpenAIModel(cfg.APIKey, cfg.Model), nil
	case ServiceGoogle:
		return llm.NewGoogleModel(context.Background(), cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown service %q", cfg.Service)
	}
}

// renderPrompt does a minimal {{label}} substitution against resolved
// input bodies; a real diagram compiler would use a proper template
// engine, but PERSON_JOB prompts are typically short enough that this
// suffices.
func renderPrompt(template string, bodies map[string]any) string {
	out := template
	for label, body := range bodies {
		out = strings.ReplaceAll(out, "{{"+label+"}}", fmt.Sprintf("%v", body))
	}
	return out
}
