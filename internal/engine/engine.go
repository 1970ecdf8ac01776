package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/config"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/judge"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/metrics"
)

// Errors returned to callers of the engine. Collaborator failures are never
// returned from Turn; they degrade to fallbacks.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnknownChat    = errors.New("unknown chat")
)

// Item strategies for the second selection stage.
const (
	ItemByJudge = "judge"
	ItemByRank  = "rank"
)

const followUpCount = 2

// Config holds the engine tunables.
type Config struct {
	Limits           ContextLimits
	PenaltyBase      float64
	UsageHistory     int
	MinFinalScore    float64
	RankLimit        int
	ItemStrategy     string
	JudgeTimeout     time.Duration
	JudgeRetries     int
	JudgeConcurrency int
	StoreTimeout     time.Duration
	Summarize        bool
}

// DefaultConfig matches config.Default.
func DefaultConfig() Config {
	return ConfigFrom(config.Default())
}

// ConfigFrom maps loaded configuration onto engine tunables.
func ConfigFrom(c config.Config) Config {
	retries := min(c.Judge.Retries, 1)
	return Config{
		Limits: ContextLimits{
			TopicCap:       c.Engine.TopicCap,
			IntentCap:      c.Engine.IntentCap,
			DecayThreshold: c.Engine.ConceptDecayThreshold,
		},
		PenaltyBase:      c.Engine.RepetitionPenaltyBase,
		UsageHistory:     c.Engine.UsageHistory,
		MinFinalScore:    c.Engine.MinFinalScore,
		RankLimit:        c.Engine.RankLimit,
		ItemStrategy:     c.Engine.ItemStrategy,
		JudgeTimeout:     c.Judge.Timeout,
		JudgeRetries:     retries,
		JudgeConcurrency: c.Judge.Concurrency,
		StoreTimeout:     c.Engine.StoreTimeout,
		Summarize:        c.Engine.Summarize,
	}
}

// Deps are the engine's collaborators. Store is required; Judge, Analyzer
// and Summarizer may be nil.
type Deps struct {
	Store      Store
	Judge      judge.Judge
	Analyzer   Analyzer
	Summarizer Summarizer
	Log        *zap.Logger
	Metrics    *metrics.Metrics
	Rand       *rand.Rand
}

// Engine runs one decision per user turn. Turns for the same chat are
// serialised; different chats proceed in parallel.
type Engine struct {
	store      Store
	analyzer   Analyzer
	summarizer Summarizer
	ranker     *Ranker
	selector   *Selector
	cfg        Config
	storeCall  invoker
	log        *zap.Logger
	metrics    *metrics.Metrics

	locks *keyedMutex
	cache *sessionCache
}

// New creates an Engine.
func New(d Deps, cfg Config) *Engine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if cfg.ItemStrategy == "" {
		cfg.ItemStrategy = ItemByJudge
	}
	return &Engine{
		store:      d.Store,
		analyzer:   d.Analyzer,
		summarizer: d.Summarizer,
		ranker: NewRanker(d.Judge, RankerConfig{
			PenaltyBase: cfg.PenaltyBase,
			Concurrency: cfg.JudgeConcurrency,
			Timeout:     cfg.JudgeTimeout,
			Retries:     cfg.JudgeRetries,
		}, d.Log.Named("rank"), d.Metrics),
		selector:  NewSelector(d.Judge, cfg.JudgeTimeout, cfg.JudgeRetries, d.Rand, d.Log.Named("select"), d.Metrics),
		cfg:       cfg,
		storeCall: newInvoker(cfg.StoreTimeout, 1),
		log:       d.Log,
		metrics:   d.Metrics,
		locks:     newKeyedMutex(),
		cache:     newSessionCache(),
	}
}

// TurnRequest is one user message.
type TurnRequest struct {
	ChatID  string `json:"chat_id"`
	BotID   string `json:"bot_id"`
	Message string `json:"message"`
}

// WarmthGuidance tells the responder how far to escalate the next question.
type WarmthGuidance struct {
	Classified   WarmthLevel `json:"classified_level"`
	Max          WarmthLevel `json:"max_warmth_achieved"`
	Target       WarmthLevel `json:"target_level"`
	TargetName   string      `json:"target_name"`
	QuestionType string      `json:"question_type"`
}

// TurnResult is the engine's decision for one turn.
type TurnResult struct {
	RequestID          string         `json:"request_id"`
	ChatID             string         `json:"chat_id"`
	ConversationNumber int            `json:"conversation_number"`
	Turn               int            `json:"turn"`
	Analysis           Analysis       `json:"analysis"`
	Selection          *Selection     `json:"selection,omitempty"`
	Ranked             []Ranked       `json:"ranked,omitempty"`
	FollowUpCategories []string       `json:"follow_up_categories,omitempty"`
	Warmth             WarmthGuidance `json:"warmth"`
	MessageCount       int            `json:"message_count"`
	CTA                bool           `json:"cta"`
	ShouldReset        bool           `json:"should_reset"`
	Summary            string         `json:"summary"`
	Persisted          bool           `json:"persisted"`
}

// Turn processes one user message end to end. It fails only on invalid input
// or when ctx is cancelled while waiting for the chat's lock.
func (e *Engine) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	req.ChatID = strings.TrimSpace(req.ChatID)
	if req.ChatID == "" || strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: chat id and message are required", ErrInvalidRequest)
	}

	start := time.Now()
	unlock, err := e.locks.Lock(ctx, req.ChatID)
	if err != nil {
		return nil, fmt.Errorf("wait for chat %s: %w", req.ChatID, err)
	}
	defer unlock()

	log := e.log.With(zap.String("chat_id", req.ChatID))
	sess, durable := e.load(ctx, req.ChatID, req.BotID, log)
	state, cs := sess.state, sess.context
	if state.BotID == "" {
		state.BotID = req.BotID
	}

	res := &TurnResult{
		RequestID:          uuid.NewString(),
		ChatID:             req.ChatID,
		ConversationNumber: state.ConversationNumber,
	}

	analysis := e.analyze(ctx, req.Message, log)
	cs.NextTurn()
	cs.Ingest(analysis, e.cfg.Limits)
	res.Turn = cs.TurnCount
	res.Analysis = analysis
	snap := cs.Snapshot()

	candidates := e.candidates(ctx, state.BotID, log)
	pool := FilterByMetadata(candidates, snap)
	if len(pool) == 0 && len(candidates) > 0 {
		log.Info("no candidates passed metadata filtering, using all", zap.Int("candidates", len(candidates)))
		e.metrics.Fallback(metrics.FallbackEmptyFilter)
		pool = Unscored(candidates)
	}

	ranked := e.ranker.Rank(ctx, pool, snap, cs.Usage, cs.TurnCount)
	res.Ranked = Top(ranked, e.cfg.MinFinalScore, e.cfg.RankLimit)

	if sel, ok := e.selectCandidate(ctx, ranked, state.Summary, snap, req.Message); ok {
		res.Selection = &sel
		cs.Usage = RecordUsage(cs.Usage, UsageRecord{CandidateID: sel.Candidate.ID, Turn: cs.TurnCount}, e.cfg.UsageHistory)
		order, _ := Categories(candidates)
		res.FollowUpCategories = e.selector.FollowUpCategories(order, sel.Category, followUpCount)
	}

	level := ClassifyWarmth(req.Message)
	state.ApplyWarmth(level)
	e.metrics.Warmth(int(level))
	target := TargetLevel(state.CurrentWarmthLevel)
	res.Warmth = WarmthGuidance{
		Classified:   level,
		Max:          state.MaxWarmthAchieved,
		Target:       target,
		TargetName:   target.String(),
		QuestionType: target.QuestionType(),
	}

	if e.summarizer != nil && e.cfg.Summarize {
		summary, err := e.summarizer.Summarize(ctx, state.Summary, req.Message)
		if err != nil {
			log.Warn("summary update failed, keeping previous", zap.Error(err))
		} else if summary != "" {
			state.Summary = summary
		}
	}
	res.Summary = state.Summary

	count, err := call(ctx, e.storeCall, func(ctx context.Context) (int, error) {
		return e.store.CountUserMessages(ctx, req.ChatID, state.ConversationNumber)
	})
	if err != nil {
		log.Warn("message count unavailable, using warmth fallback for CTA", zap.Error(err))
		e.metrics.Fallback(metrics.FallbackMessageCount)
		res.CTA = CTAFallback(state.MaxWarmthAchieved)
	} else {
		res.MessageCount = count + 1 // includes this message
		res.CTA = CTAEligible(res.MessageCount)
	}
	if res.CTA {
		e.metrics.CTA()
	}
	res.ShouldReset = cs.ShouldReset()

	state.UpdatedAt = time.Now().UTC()
	if durable {
		res.Persisted = e.persist(ctx, session{state: state, context: cs}, &Message{
			ChatID:             req.ChatID,
			ConversationNumber: state.ConversationNumber,
			Role:               "user",
			Content:            req.Message,
			Turn:               cs.TurnCount,
			CreatedAt:          state.UpdatedAt,
		}, log)
	} else {
		log.Warn("stored state unreadable, turn not saved")
	}

	outcome := "ok"
	if !res.Persisted {
		outcome = "unpersisted"
	}
	e.metrics.ObserveTurn(outcome, time.Since(start))
	return res, nil
}

// selectCandidate runs the selector over the ranked pool.
func (e *Engine) selectCandidate(ctx context.Context, ranked []Ranked, summary string, snap Snapshot, latest string) (Selection, bool) {
	if len(ranked) == 0 {
		return Selection{}, false
	}
	pool := make([]Candidate, len(ranked))
	for i, r := range ranked {
		pool[i] = r.Candidate
	}
	systemContext := conversationContext(summary, snap)

	if e.cfg.ItemStrategy != ItemByRank {
		return e.selector.Select(ctx, pool, systemContext, latest)
	}

	order, groups := Categories(pool)
	cat, fallback := e.selector.SelectCategory(ctx, order, groups, systemContext, latest)
	// groups keep ranked order, so the first item is the best scored
	return Selection{Candidate: groups[cat][0], Category: cat, CategoryFallback: fallback}, true
}

// load returns a working copy of the chat's session: the committed cache entry,
// else the store's latest conversation, else a fresh one. The bool is false
// when the store could not be read; such a session must not be saved, since
// it would overwrite state that is still on disk.
func (e *Engine) load(ctx context.Context, chatID, botID string, log *zap.Logger) (session, bool) {
	if s, ok := e.cache.get(chatID); ok {
		return s, true
	}

	state, err := call(ctx, e.storeCall, func(ctx context.Context) (*ConversationState, error) {
		return e.store.LatestConversation(ctx, chatID)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return session{state: NewConversationState(chatID, botID, 1), context: NewContextState(chatID, 1)}, true
	case err != nil:
		log.Warn("load conversation failed, answering from a detached session", zap.Error(err))
		e.metrics.Fallback(metrics.FallbackPersistence)
		return session{state: NewConversationState(chatID, botID, 1), context: NewContextState(chatID, 1)}, false
	}
	state.Normalize()

	cs, err := call(ctx, e.storeCall, func(ctx context.Context) (*ContextState, error) {
		return e.store.LoadContext(ctx, chatID, state.ConversationNumber)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		cs = NewContextState(chatID, state.ConversationNumber)
	case err != nil:
		log.Warn("load context failed, answering from a detached session", zap.Error(err))
		e.metrics.Fallback(metrics.FallbackPersistence)
		return session{state: state, context: NewContextState(chatID, state.ConversationNumber)}, false
	}
	return session{state: state, context: cs}, true
}

func (e *Engine) analyze(ctx context.Context, message string, log *zap.Logger) Analysis {
	if e.analyzer == nil {
		return Analysis{Intent: "general_conversation"}
	}
	a, err := e.analyzer.Analyze(ctx, message)
	if err != nil {
		log.Warn("message analysis failed", zap.Error(err))
		e.metrics.Fallback(metrics.FallbackAnalyzer)
		return Analysis{Intent: "general_conversation"}
	}
	return a
}

func (e *Engine) candidates(ctx context.Context, botID string, log *zap.Logger) []Candidate {
	cs, err := call(ctx, e.storeCall, func(ctx context.Context) ([]Candidate, error) {
		return e.store.Candidates(ctx, botID, "")
	})
	if err != nil {
		log.Warn("load candidates failed", zap.String("bot_id", botID), zap.Error(err))
		e.metrics.Fallback(metrics.FallbackCandidateLoading)
		return nil
	}
	return cs
}

// persist writes the session and commits it to the cache on success.
// On failure the previously committed session stays authoritative.
func (e *Engine) persist(ctx context.Context, s session, msg *Message, log *zap.Logger) bool {
	err := run(ctx, e.storeCall, func(ctx context.Context) error {
		return e.store.SaveTurn(ctx, TurnWrite{State: *s.state, Context: *s.context, Message: msg})
	})
	if err != nil {
		log.Warn("persist turn failed, keeping last committed state", zap.Error(err))
		e.metrics.Fallback(metrics.FallbackPersistence)
		return false
	}
	e.cache.commit(s.state.ChatID, s)
	return true
}

// existing loads a session that must already exist.
func (e *Engine) existing(ctx context.Context, chatID string) (session, error) {
	if s, ok := e.cache.get(chatID); ok {
		return s, nil
	}
	state, err := call(ctx, e.storeCall, func(ctx context.Context) (*ConversationState, error) {
		return e.store.LatestConversation(ctx, chatID)
	})
	if errors.Is(err, ErrNotFound) {
		return session{}, fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
	}
	if err != nil {
		return session{}, fmt.Errorf("load conversation: %w", err)
	}
	state.Normalize()
	cs, err := call(ctx, e.storeCall, func(ctx context.Context) (*ContextState, error) {
		return e.store.LoadContext(ctx, chatID, state.ConversationNumber)
	})
	if errors.Is(err, ErrNotFound) {
		cs, err = NewContextState(chatID, state.ConversationNumber), nil
	}
	if err != nil {
		return session{}, fmt.Errorf("load context: %w", err)
	}
	return session{state: state, context: cs}, nil
}

// RecordUsage notes that candidateID was surfaced at the chat's current turn.
func (e *Engine) RecordUsage(ctx context.Context, chatID, candidateID string) error {
	if chatID == "" || candidateID == "" {
		return fmt.Errorf("%w: chat id and candidate id are required", ErrInvalidRequest)
	}
	unlock, err := e.locks.Lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := e.existing(ctx, chatID)
	if err != nil {
		return err
	}
	s.context.Usage = RecordUsage(s.context.Usage, UsageRecord{CandidateID: candidateID, Turn: s.context.TurnCount}, e.cfg.UsageHistory)
	s.state.UpdatedAt = time.Now().UTC()
	if !e.persist(ctx, s, nil, e.log.With(zap.String("chat_id", chatID))) {
		return fmt.Errorf("record usage for %s: not persisted", chatID)
	}
	return nil
}

// RecordResponse logs the assistant's reply and the follow-up questions it offered.
func (e *Engine) RecordResponse(ctx context.Context, chatID, content string, followUps []string) error {
	if chatID == "" || content == "" {
		return fmt.Errorf("%w: chat id and content are required", ErrInvalidRequest)
	}
	unlock, err := e.locks.Lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	s, err := e.existing(ctx, chatID)
	if err != nil {
		return err
	}
	s.state.FollowUpQuestions = append([]string(nil), followUps...)
	s.state.UpdatedAt = time.Now().UTC()
	msg := &Message{
		ChatID:             chatID,
		ConversationNumber: s.state.ConversationNumber,
		Role:               "assistant",
		Content:            content,
		Turn:               s.context.TurnCount,
		CreatedAt:          s.state.UpdatedAt,
	}
	if !e.persist(ctx, s, msg, e.log.With(zap.String("chat_id", chatID))) {
		return fmt.Errorf("record response for %s: not persisted", chatID)
	}
	return nil
}

// Reset starts a new conversation number for the chat. Earlier conversations
// stay in the store.
func (e *Engine) Reset(ctx context.Context, chatID, botID string) (*ConversationState, error) {
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrInvalidRequest)
	}
	unlock, err := e.locks.Lock(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	next := 1
	prev, err := e.existing(ctx, chatID)
	switch {
	case err == nil:
		next = prev.state.ConversationNumber + 1
		if botID == "" {
			botID = prev.state.BotID
		}
	case !errors.Is(err, ErrUnknownChat):
		return nil, err
	}

	s := session{state: NewConversationState(chatID, botID, next), context: NewContextState(chatID, next)}
	if !e.persist(ctx, s, nil, e.log.With(zap.String("chat_id", chatID))) {
		return nil, fmt.Errorf("reset %s: not persisted", chatID)
	}
	e.log.Info("conversation reset", zap.String("chat_id", chatID), zap.Int("conversation_number", next))
	return s.state.Clone(), nil
}

// State returns copies of the chat's committed conversation and context.
func (e *Engine) State(ctx context.Context, chatID string) (*ConversationState, *ContextState, error) {
	s, err := e.existing(ctx, chatID)
	if err != nil {
		return nil, nil, err
	}
	return s.state, s.context, nil
}

// Insights ranks the bot's candidates against the chat's current context
// without changing any state.
func (e *Engine) Insights(ctx context.Context, chatID string, limit int) (Insights, error) {
	s, err := e.existing(ctx, chatID)
	if err != nil {
		return Insights{}, err
	}
	snap := s.context.Snapshot()
	log := e.log.With(zap.String("chat_id", chatID))

	candidates := e.candidates(ctx, s.state.BotID, log)
	pool := FilterByMetadata(candidates, snap)
	filtered := len(pool)
	if filtered == 0 {
		pool = Unscored(candidates)
	}
	ranked := e.ranker.Rank(ctx, pool, snap, s.context.Usage, s.context.TurnCount)
	top := Top(ranked, e.cfg.MinFinalScore, limit)
	return BuildInsights(snap, len(candidates), filtered, top), nil
}
