package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAI calls the Chat Completions API of OpenAI or any compatible endpoint.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAI creates a new OpenAI client. An empty baseURL uses api.openai.com.
func NewOpenAI(apiKey, baseURL, model string, temperature float32, maxTokens int, timeout time.Duration) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAI{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

// Complete sends a system + user message pair to the chat completions endpoint.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	ccr := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   maxTokens(req, o.maxTokens),
		Temperature: o.temperature,
	}
	if req.JSON {
		ccr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := o.client.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return nil, fmt.Errorf("openai api: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api: empty response")
	}

	return &Response{
		Content:    resp.Choices[0].Message.Content,
		Provider:   "openai",
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}
