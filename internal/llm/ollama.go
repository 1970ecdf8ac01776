package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama calls a local Ollama instance.
type Ollama struct {
	url         string
	model       string
	temperature float32
	maxTokens   int
	client      *http.Client
}

// NewOllama creates a new Ollama client.
func NewOllama(url, model string, temperature float32, maxTokens int, timeout time.Duration) *Ollama {
	return &Ollama{
		url:         strings.TrimRight(url, "/"),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		client:      &http.Client{Timeout: timeout},
	}
}

// Complete sends a prompt to Ollama's generate endpoint.
func (o *Ollama) Complete(ctx context.Context, req Request) (*Response, error) {
	reqBody := map[string]any{
		"model":  o.model,
		"prompt": req.Prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": o.temperature,
			"num_predict": maxTokens(req, o.maxTokens),
		},
	}
	if req.System != "" {
		reqBody["system"] = req.System
	}
	if req.JSON {
		reqBody["format"] = "json"
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama api status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Response        string `json:"response"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Response{
		Content:    result.Response,
		Provider:   "ollama",
		TokensUsed: result.PromptEvalCount + result.EvalCount,
	}, nil
}
