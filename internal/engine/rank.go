package engine

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/judge"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/metrics"
)

// Ranking weights and thresholds.
const (
	weightMetadata = 0.3
	weightSemantic = 0.7

	confidenceBonusMin = 4.0
	confidenceBonus    = 1.1

	// DefaultSemanticScore stands in for a failed or unparsable judge score.
	DefaultSemanticScore = 5.0
	// DefaultMinFinalScore is the exclusive threshold applied by Top.
	DefaultMinFinalScore = 1.0
	// DefaultRankLimit caps Top when no limit is given.
	DefaultRankLimit = 3
)

// ScoreBreakdown explains how a final score was reached.
type ScoreBreakdown struct {
	MetadataScore     float64 `json:"metadata_score"`
	SemanticScore     float64 `json:"semantic_score"`
	SemanticFallback  bool    `json:"semantic_fallback,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	BaseScore         float64 `json:"base_score"`
	FinalScore        float64 `json:"final_score"`
	ConfidenceBonus   bool    `json:"confidence_bonus"`
	Reasoning         string  `json:"reasoning"`
}

// Ranked is a candidate with its score breakdown.
type Ranked struct {
	Candidate Candidate      `json:"candidate"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// Score combines the component scores. The penalty divides first and the
// confidence bonus multiplies second.
func Score(metadata, semantic, penalty, confidence float64) ScoreBreakdown {
	if penalty <= 0 {
		penalty = 1.0
	}
	base := weightMetadata*metadata + weightSemantic*semantic
	final := base / penalty
	bonus := confidence >= confidenceBonusMin
	if bonus {
		final *= confidenceBonus
	}
	return ScoreBreakdown{
		MetadataScore:     metadata,
		SemanticScore:     semantic,
		RepetitionPenalty: penalty,
		BaseScore:         base,
		FinalScore:        max(0, final),
		ConfidenceBonus:   bonus,
		Reasoning:         fmt.Sprintf("Metadata: %.1f, Semantic: %.1f, Penalty: %.1fx", metadata, semantic, penalty),
	}
}

// Ranker scores candidates with the judge and orders them by final score.
type Ranker struct {
	judge       judge.Judge
	penaltyBase float64
	concurrency int
	invoke      invoker
	log         *zap.Logger
	metrics     *metrics.Metrics
}

// RankerConfig configures a Ranker.
type RankerConfig struct {
	PenaltyBase float64
	Concurrency int
	Timeout     time.Duration
	Retries     int
}

// NewRanker creates a Ranker. log and m may be nil.
func NewRanker(j judge.Judge, cfg RankerConfig, log *zap.Logger, m *metrics.Metrics) *Ranker {
	if cfg.PenaltyBase <= 0 {
		cfg.PenaltyBase = DefaultPenaltyBase
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ranker{
		judge:       j,
		penaltyBase: cfg.PenaltyBase,
		concurrency: cfg.Concurrency,
		invoke:      newInvoker(cfg.Timeout, cfg.Retries),
		log:         log,
		metrics:     m,
	}
}

// Rank scores every item and returns them sorted by final score, descending.
// Equal scores keep input order. Judge failures fall back to the default
// semantic score; Rank itself never fails.
func (r *Ranker) Rank(ctx context.Context, items []Scored, snap Snapshot, history []UsageRecord, turn int) []Ranked {
	out := make([]Ranked, len(items))
	conversation := describeContext(snap)

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, it := range items {
		g.Go(func() error {
			semantic, fallback := r.semantic(ctx, conversation, it.Candidate)
			penalty := Penalty(history, it.Candidate.ID, turn, r.penaltyBase)
			b := Score(it.MetadataScore, semantic, penalty, it.Candidate.Confidence())
			b.SemanticFallback = fallback
			out[i] = Ranked{Candidate: it.Candidate, Breakdown: b}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	slices.SortStableFunc(out, func(a, b Ranked) int {
		switch {
		case a.Breakdown.FinalScore > b.Breakdown.FinalScore:
			return -1
		case a.Breakdown.FinalScore < b.Breakdown.FinalScore:
			return 1
		}
		return 0
	})

	for i, rk := range out {
		if i == 3 {
			break
		}
		r.log.Debug("ranked candidate",
			zap.Int("rank", i+1),
			zap.String("candidate_id", rk.Candidate.ID),
			zap.Float64("score", rk.Breakdown.FinalScore),
			zap.String("reasoning", rk.Breakdown.Reasoning))
	}
	return out
}

func (r *Ranker) semantic(ctx context.Context, conversation string, c Candidate) (float64, bool) {
	if r.judge == nil {
		return DefaultSemanticScore, true
	}
	s, err := call(ctx, r.invoke, func(ctx context.Context) (float64, error) {
		return r.judge.Score(ctx, judge.ScoreRequest{Context: conversation, Candidate: describeCandidate(c)})
	})
	if err != nil {
		r.log.Warn("judge score failed, using default",
			zap.String("candidate_id", c.ID), zap.Error(err))
		r.metrics.Fallback(metrics.FallbackJudgeScore)
		return DefaultSemanticScore, true
	}
	if math.IsNaN(s) || math.IsInf(s, 0) {
		r.log.Warn("judge score not finite, using default",
			zap.String("candidate_id", c.ID), zap.Float64("score", s))
		r.metrics.Fallback(metrics.FallbackJudgeScore)
		return DefaultSemanticScore, true
	}
	return judge.Clamp(s), false
}

// Top keeps ranked entries scoring above minScore, up to limit.
// A limit of zero or less uses DefaultRankLimit.
func Top(ranked []Ranked, minScore float64, limit int) []Ranked {
	if limit <= 0 {
		limit = DefaultRankLimit
	}
	var out []Ranked
	for _, r := range ranked {
		if len(out) >= limit {
			break
		}
		if r.Breakdown.FinalScore > minScore {
			out = append(out, r)
		}
	}
	return out
}
