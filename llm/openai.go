package llm

import (
	"context"
	"fmt"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIModel implements ChatModel for OpenAI's chat completions API.
type OpenAIModel struct {
	modelName string
	client    openaisdk.Client
}

// NewOpenAIModel constructs a ChatModel backed by the OpenAI SDK. An empty
// modelName defaults to gpt-4o. The SDK reads OPENAI_API_KEY from the
// environment when apiKey is empty.
func NewOpenAIModel(apiKey, modelName string) *OpenAIModel {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	var client openaisdk.Client
	if apiKey != "" {
		client = openaisdk.NewClient(option.WithAPIKey(apiKey))
	} else {
		client = openaisdk.NewClient()
	}
	return &OpenAIModel{modelName: modelName, client: client}
}

func (m *OpenAIModel) Chat(ctx context.Context, messages []Message, opts Options) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	resp, err := m.client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(m.modelName),
		Messages: convertOpenAIMessages(messages),
	})
	if err != nil {
		return ChatOut{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ChatOut{}, fmt.Errorf("openai: no choices returned")
	}

	return ChatOut{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

func convertOpenAIMessages(messages []Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, len(messages))
	for i, m := range messages {
		switch m.Role {
		case RoleSystem:
			out[i] = openaisdk.SystemMessage(m.Content)
		case RoleAssistant:
			out[i] = openaisdk.AssistantMessage(m.Content)
		default:
			out[i] = openaisdk.UserMessage(m.Content)
		}
	}
	return out
}
