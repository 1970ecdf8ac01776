package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/config"
)

// Client is the interface for LLM providers.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is a single-turn completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int  // 0 uses the provider default
	JSON      bool // ask the provider for a JSON object when it supports it
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// ErrDisabled is returned by NewClient when the provider is "none".
var ErrDisabled = fmt.Errorf("llm provider disabled")

// NewClient creates an LLM client based on the config provider setting.
func NewClient(cfg config.LLMConfig) (Client, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	switch cfg.Provider {
	case "openai":
		if cfg.OpenAIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai provider requires OPENAI_API_KEY or llm.base_url")
		}
		model := cfg.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		return NewOpenAI(cfg.OpenAIKey, cfg.BaseURL, model, cfg.Temperature, cfg.MaxTokens, timeout), nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-haiku-4-5-20251001"
		}
		return NewAnthropic(cfg.AnthropicKey, model, cfg.Temperature, cfg.MaxTokens, timeout), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.Model
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model, cfg.Temperature, cfg.MaxTokens, timeout), nil
	case "none", "":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}

func maxTokens(req Request, fallback int) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if fallback > 0 {
		return fallback
	}
	return 512
}
