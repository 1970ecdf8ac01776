// Package analyzer extracts topics, concepts and an intent from user messages
// and maintains the rolling conversation summary.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/llm"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/metrics"
)

// MaxTopics caps the topics kept from one message.
const MaxTopics = 3

const (
	analysisMaxTokens = 256
	defaultIntent     = "general_conversation"
)

// ErrMalformed is returned when the model reply cannot be decoded.
var ErrMalformed = errors.New("malformed analysis")

// LLM analyzes messages with a language model and falls back to the
// heuristic analyzer when the model fails or replies with garbage.
type LLM struct {
	client   llm.Client
	fallback engine.Analyzer
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewLLM creates an LLM analyzer. fallback may be nil, in which case model
// failures are returned to the caller.
func NewLLM(client llm.Client, fallback engine.Analyzer, log *zap.Logger, m *metrics.Metrics) *LLM {
	if log == nil {
		log = zap.NewNop()
	}
	return &LLM{client: client, fallback: fallback, log: log, metrics: m}
}

// Analyze implements engine.Analyzer.
func (a *LLM) Analyze(ctx context.Context, message string) (engine.Analysis, error) {
	resp, err := a.client.Complete(ctx, llm.Request{
		System:    llm.AnalysisSystem,
		Prompt:    llm.AnalysisPrompt(message),
		MaxTokens: analysisMaxTokens,
		JSON:      true,
	})
	if err == nil {
		var out engine.Analysis
		if out, err = ParseAnalysis(resp.Content); err == nil {
			return out, nil
		}
	}
	if a.fallback == nil || ctx.Err() != nil {
		return engine.Analysis{}, fmt.Errorf("analyze message: %w", err)
	}
	a.log.Warn("llm analysis failed, using heuristics", zap.Error(err))
	a.metrics.Fallback(metrics.FallbackAnalyzer)
	return a.fallback.Analyze(ctx, message)
}

type analysisReply struct {
	Topics   []string `json:"topics"`
	Concepts []string `json:"concepts"`
	Intent   string   `json:"intent"`
}

// ParseAnalysis decodes a model reply. Topics are capped at MaxTopics,
// blank and duplicate entries are dropped, and an unknown intent becomes
// general_conversation.
func ParseAnalysis(raw string) (engine.Analysis, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
		s = s[i : j+1]
	}

	var r analysisReply
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return engine.Analysis{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	topics := clean(r.Topics, true)
	if len(topics) > MaxTopics {
		topics = topics[:MaxTopics]
	}
	intent := strings.ToLower(strings.TrimSpace(r.Intent))
	if !slices.Contains(llm.Intents, intent) {
		intent = defaultIntent
	}
	return engine.Analysis{Topics: topics, Concepts: clean(r.Concepts, false), Intent: intent}, nil
}

func clean(in []string, lower bool) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if lower {
			s = strings.ToLower(s)
		}
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
