package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/llm"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/metrics"
)

// LLM is a Judge backed by an llm.Client.
type LLM struct {
	client  llm.Client
	limiter *rate.Limiter
	metrics *metrics.Metrics
	log     *zap.Logger
}

// LLMOption configures an LLM judge.
type LLMOption func(*LLM)

// WithRateLimit caps outbound judge calls. perSec <= 0 leaves calls unlimited.
func WithRateLimit(perSec float64, burst int) LLMOption {
	return func(j *LLM) {
		if perSec <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		j.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

// WithMetrics records call counts and latency.
func WithMetrics(m *metrics.Metrics) LLMOption {
	return func(j *LLM) { j.metrics = m }
}

// WithLogger sets the logger used for malformed responses.
func WithLogger(l *zap.Logger) LLMOption {
	return func(j *LLM) { j.log = l }
}

// NewLLM creates an LLM-backed judge.
func NewLLM(client llm.Client, opts ...LLMOption) *LLM {
	j := &LLM{client: client, log: zap.NewNop()}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Select asks the model for one option id. The returned id is always one of
// req.Options; anything else yields ErrInvalidSelection.
func (j *LLM) Select(ctx context.Context, req SelectRequest) (id string, err error) {
	start := time.Now()
	defer func() { j.metrics.ObserveJudge("select", err, time.Since(start)) }()

	if len(req.Options) == 0 {
		return "", ErrInvalidSelection
	}
	ids := make([]string, len(req.Options))
	descs := make([]string, len(req.Options))
	for i, o := range req.Options {
		ids[i] = o.ID
		descs[i] = o.Description
	}

	resp, err := j.complete(ctx, llm.Request{
		System:    llm.SelectionSystem,
		Prompt:    llm.SelectionPrompt(req.SystemContext, req.LatestSignal, ids, descs),
		MaxTokens: 64,
		JSON:      true,
	})
	if err != nil {
		return "", err
	}

	choice := parseChoice(resp.Content)
	if !Contains(req.Options, choice) {
		j.log.Debug("judge returned unknown option", zap.String("choice", choice))
		return "", fmt.Errorf("%w: %q", ErrInvalidSelection, choice)
	}
	return choice, nil
}

// Score asks the model for a relevance number; the first token is parsed and clamped.
func (j *LLM) Score(ctx context.Context, req ScoreRequest) (score float64, err error) {
	start := time.Now()
	defer func() { j.metrics.ObserveJudge("score", err, time.Since(start)) }()

	resp, err := j.complete(ctx, llm.Request{
		System:    llm.ScoreSystem,
		Prompt:    llm.ScorePrompt(req.Context, req.Candidate),
		MaxTokens: 16,
	})
	if err != nil {
		return 0, err
	}
	return ParseScore(resp.Content)
}

func (j *LLM) complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if j.limiter != nil {
		if err := j.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("judge rate limit: %w", err)
		}
	}
	resp, err := j.client.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("judge completion: %w", err)
	}
	return resp, nil
}

// ParseScore reads the leading number of a response and clamps it to [0,10].
func ParseScore(content string) (float64, error) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return 0, ErrNoScore
	}
	tok := strings.TrimRight(fields[0], ".,:;/")
	if i := strings.Index(tok, "/"); i > 0 {
		tok = tok[:i] // "7/10"
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q", ErrNoScore, fields[0])
	}
	return Clamp(v), nil
}

// parseChoice accepts {"choice": "..."} or a bare id, with optional code fences.
func parseChoice(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	content = strings.TrimSpace(content)

	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		var out struct {
			Choice   string `json:"choice"`
			ID       string `json:"id"`
			Category string `json:"category"`
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &out); err == nil {
			switch {
			case out.Choice != "":
				return strings.TrimSpace(out.Choice)
			case out.ID != "":
				return strings.TrimSpace(out.ID)
			default:
				return strings.TrimSpace(out.Category)
			}
		}
	}
	return strings.Trim(content, "\"' \n")
}
