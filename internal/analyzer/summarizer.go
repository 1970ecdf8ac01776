package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/llm"
)

const summaryMaxTokens = 200

// ErrEmptySummary is returned when the model replies with nothing usable.
var ErrEmptySummary = errors.New("empty summary")

// Summarizer keeps the running conversation summary up to date.
type Summarizer struct {
	client llm.Client
}

// NewSummarizer creates a Summarizer backed by client.
func NewSummarizer(client llm.Client) *Summarizer {
	return &Summarizer{client: client}
}

// Summarize implements engine.Summarizer.
func (s *Summarizer) Summarize(ctx context.Context, previous, message string) (string, error) {
	resp, err := s.client.Complete(ctx, llm.Request{
		System:    llm.SummarySystem,
		Prompt:    llm.SummaryPrompt(previous, message),
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", ErrEmptySummary
	}
	return out, nil
}
