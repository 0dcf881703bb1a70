package chat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
)

// langchainModel adapts a langchaingo model to Model.
type langchainModel struct {
	llm         llms.Model
	temperature float64
}

// NewModelFromEnv selects the generation backend from LLM_PROVIDER: "openai"
// (default, any OpenAI compatible endpoint), "ollama" or "anthropic".
func NewModelFromEnv() (Model, error) {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("LLM_PROVIDER")))
	modelID := strings.TrimSpace(os.Getenv("LLM_MODEL_ID"))

	switch provider {
	case "", "openai":
		return NewChatClientFromEnv()
	case "ollama":
		host := strings.TrimSpace(os.Getenv("OLLAMA_HOST"))
		if host == "" {
			host = "http://localhost:11434"
		}
		if modelID == "" {
			modelID = "llama3.2"
		}
		llm, err := ollama.New(ollama.WithModel(modelID), ollama.WithServerURL(host))
		if err != nil {
			return nil, fmt.Errorf("chat: create ollama model: %w", err)
		}
		return &langchainModel{llm: llm, temperature: readTemperature()}, nil
	case "anthropic":
		apiKey := strings.TrimSpace(os.Getenv("LLM_API_KEY"))
		if apiKey == "" {
			return nil, errors.New("chat: LLM_API_KEY environment variable is required")
		}
		opts := []anthropic.Option{anthropic.WithToken(apiKey)}
		if modelID != "" {
			opts = append(opts, anthropic.WithModel(modelID))
		}
		llm, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("chat: create anthropic model: %w", err)
		}
		return &langchainModel{llm: llm, temperature: readTemperature()}, nil
	default:
		return nil, fmt.Errorf("chat: unsupported LLM provider %q", provider)
	}
}

func (m *langchainModel) Chat(ctx context.Context, messages []ChatMessage) (ChatResult, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		content = append(content, llms.TextParts(messageType(msg.Role), text))
	}
	if len(content) == 0 {
		return ChatResult{}, errors.New("chat: messages contain no content")
	}

	response, err := m.llm.GenerateContent(ctx, content, llms.WithTemperature(m.temperature))
	if err != nil {
		return ChatResult{}, fmt.Errorf("chat: generate: %w", err)
	}
	if len(response.Choices) == 0 {
		return ChatResult{}, errors.New("chat: response contains no choices")
	}
	return ChatResult{Content: strings.TrimSpace(response.Choices[0].Content)}, nil
}

func messageType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
