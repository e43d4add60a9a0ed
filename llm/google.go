package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleModel implements ChatModel for Google's Gemini API.
type GoogleModel struct {
	modelName string
	client    *genai.Client
}

// NewGoogleModel constructs a ChatModel backed by the Gemini SDK. An empty
// modelName defaults to gemini-1.5-flash.
func NewGoogleModel(ctx context.Context, apiKey, modelName string) (*GoogleModel, error) {
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	return &GoogleModel{modelName: modelName, client: client}, nil
}

func (m *GoogleModel) Chat(ctx context.Context, messages []Message, opts Options) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	system, rest := extractSystemPrompt(messages)
	model := m.client.GenerativeModel(m.modelName)
	if system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}
	if opts.MaxTokens > 0 {
		maxTokens := int32(opts.MaxTokens)
		model.MaxOutputTokens = &maxTokens
	}

	prompt := flattenUserTurns(rest)
	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return ChatOut{}, fmt.Errorf("google: %w", err)
	}

	var text string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				text += string(t)
			}
		}
	}

	var inTok, outTok int
	if resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return ChatOut{Text: text, InputTokens: inTok, OutputTokens: outTok}, nil
}

// flattenUserTurns joins non-system messages into a single prompt; Gemini's
// single-shot GenerateContent call doesn't take a structured role history
// the way the chat session API does, so multi-turn PERSON_JOB prompts are
// rendered as one block.
func flattenUserTurns(messages []Message) string {
	var out string
	for _, m := range messages {
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}
