package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/judge"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/metrics"
)

// Selection is the outcome of the two-stage selector.
type Selection struct {
	Candidate        Candidate `json:"candidate"`
	Category         string    `json:"category"`
	CategoryFallback bool      `json:"category_fallback,omitempty"`
	ItemFallback     bool      `json:"item_fallback,omitempty"`
}

// Selector picks a category and then an item, falling back to a uniform
// random choice whenever the judge fails or answers outside the options.
type Selector struct {
	judge   judge.Judge
	invoke  invoker
	log     *zap.Logger
	metrics *metrics.Metrics

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector creates a Selector. rng may be nil for a time-seeded source.
func NewSelector(j judge.Judge, timeout time.Duration, retries int, rng *rand.Rand, log *zap.Logger, m *metrics.Metrics) *Selector {
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>1|1))
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{judge: j, invoke: newInvoker(timeout, retries), rng: rng, log: log, metrics: m}
}

// Categories partitions candidates by category in order of first appearance.
func Categories(candidates []Candidate) ([]string, map[string][]Candidate) {
	var order []string
	groups := make(map[string][]Candidate)
	for _, c := range candidates {
		if _, ok := groups[c.Category]; !ok {
			order = append(order, c.Category)
		}
		groups[c.Category] = append(groups[c.Category], c)
	}
	return order, groups
}

// Select runs both stages. It returns false only when there are no candidates.
func (s *Selector) Select(ctx context.Context, candidates []Candidate, systemContext, latest string) (Selection, bool) {
	if len(candidates) == 0 {
		return Selection{}, false
	}
	order, groups := Categories(candidates)
	cat, catFallback := s.SelectCategory(ctx, order, groups, systemContext, latest)
	item, itemFallback := s.SelectItem(ctx, groups[cat], systemContext, latest)
	return Selection{
		Candidate:        item,
		Category:         cat,
		CategoryFallback: catFallback,
		ItemFallback:     itemFallback,
	}, true
}

// SelectCategory asks the judge for one of order. The bool reports a fallback.
func (s *Selector) SelectCategory(ctx context.Context, order []string, groups map[string][]Candidate, systemContext, latest string) (string, bool) {
	if len(order) == 1 {
		return order[0], false
	}
	opts := make([]judge.Option, len(order))
	for i, cat := range order {
		opts[i] = judge.Option{ID: cat, Description: describeCategory(groups[cat])}
	}

	choice, err := s.ask(ctx, judge.SelectRequest{SystemContext: systemContext, LatestSignal: latest, Options: opts})
	if err == nil && judge.Contains(opts, choice) {
		return choice, false
	}
	pick := order[s.intN(len(order))]
	s.log.Warn("category selection fell back to random",
		zap.String("choice", choice), zap.String("category", pick), zap.Error(err))
	s.metrics.Fallback(metrics.FallbackCategory)
	return pick, true
}

// SelectItem picks one item. A single item is returned without a judge call.
func (s *Selector) SelectItem(ctx context.Context, items []Candidate, systemContext, latest string) (Candidate, bool) {
	switch len(items) {
	case 0:
		return Candidate{}, true
	case 1:
		return items[0], false
	}
	opts := make([]judge.Option, len(items))
	for i, c := range items {
		opts[i] = judge.Option{ID: c.ID, Description: describeItem(c)}
	}

	choice, err := s.ask(ctx, judge.SelectRequest{SystemContext: systemContext, LatestSignal: latest, Options: opts})
	if err == nil {
		for _, c := range items {
			if c.ID == choice {
				return c, false
			}
		}
	}
	pick := items[s.intN(len(items))]
	s.log.Warn("item selection anomaly, picked at random",
		zap.String("choice", choice), zap.String("candidate_id", pick.ID), zap.Error(err))
	s.metrics.Fallback(metrics.FallbackItem)
	return pick, true
}

// FollowUpCategories returns up to n distinct categories other than current,
// in random order.
func (s *Selector) FollowUpCategories(categories []string, current string, n int) []string {
	var others []string
	seen := map[string]bool{current: true}
	for _, c := range categories {
		if !seen[c] {
			seen[c] = true
			others = append(others, c)
		}
	}
	s.mu.Lock()
	s.rng.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })
	s.mu.Unlock()
	if len(others) > n {
		others = others[:max(n, 0)]
	}
	return others
}

func (s *Selector) ask(ctx context.Context, req judge.SelectRequest) (string, error) {
	if s.judge == nil {
		return "", judge.ErrInvalidSelection
	}
	return call(ctx, s.invoke, func(ctx context.Context) (string, error) {
		return s.judge.Select(ctx, req)
	})
}

func (s *Selector) intN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}
