package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/judge"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errStoreDown = errors.New("store down")

// memStore is an in-memory Store with failure switches.
type memStore struct {
	mu         sync.Mutex
	convs      map[string]map[int]ConversationState
	contexts   map[string]ContextState
	candidates []Candidate
	messages   []Message

	failLoad       bool
	failContext    bool
	failSave       bool
	failCount      bool
	failCandidates bool
	saves          int
}

func newMemStore(candidates ...Candidate) *memStore {
	return &memStore{
		convs:      make(map[string]map[int]ConversationState),
		contexts:   make(map[string]ContextState),
		candidates: candidates,
	}
}

func ctxKey(chatID string, n int) string { return fmt.Sprintf("%s#%d", chatID, n) }

func (s *memStore) LatestConversation(ctx context.Context, chatID string) (*ConversationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLoad {
		return nil, errStoreDown
	}
	var latest *ConversationState
	for n, c := range s.convs[chatID] {
		if latest == nil || n > latest.ConversationNumber {
			latest = c.Clone()
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (s *memStore) LoadContext(ctx context.Context, chatID string, n int) (*ContextState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failContext {
		return nil, errStoreDown
	}
	c, ok := s.contexts[ctxKey(chatID, n)]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *memStore) SaveTurn(ctx context.Context, w TurnWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errStoreDown
	}
	s.saves++
	if s.convs[w.State.ChatID] == nil {
		s.convs[w.State.ChatID] = make(map[int]ConversationState)
	}
	s.convs[w.State.ChatID][w.State.ConversationNumber] = *w.State.Clone()
	s.contexts[ctxKey(w.Context.ChatID, w.Context.ConversationNumber)] = *w.Context.Clone()
	if w.Message != nil {
		s.messages = append(s.messages, *w.Message)
	}
	return nil
}

func (s *memStore) Candidates(ctx context.Context, botID, category string) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCandidates {
		return nil, errStoreDown
	}
	var out []Candidate
	for _, c := range s.candidates {
		if c.BotID == botID && (category == "" || c.Category == category) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) CountUserMessages(ctx context.Context, chatID string, n int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCount {
		return 0, errStoreDown
	}
	count := 0
	for _, m := range s.messages {
		if m.ChatID == chatID && m.ConversationNumber == n && m.Role == "user" {
			count++
		}
	}
	return count, nil
}

func (s *memStore) set(f func(*memStore)) {
	s.mu.Lock()
	f(s)
	s.mu.Unlock()
}

type analyzerFunc func(ctx context.Context, msg string) (Analysis, error)

func (f analyzerFunc) Analyze(ctx context.Context, msg string) (Analysis, error) { return f(ctx, msg) }

type summarizerFunc func(ctx context.Context, prev, msg string) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, prev, msg string) (string, error) {
	return f(ctx, prev, msg)
}

func fixedAnalysis(a Analysis) Analyzer {
	return analyzerFunc(func(context.Context, string) (Analysis, error) { return a, nil })
}

func botStories() []Candidate {
	boss := workStory()
	boss.BotID = "b1"

	layoff := Candidate{
		ID: "s-layoff", BotID: "b1", Category: "career", Title: "The layoff",
		Body: "The whole team was let go on a Friday.",
		Extraction: &Extraction{
			Trigger:         &Trigger{Description: "company restructuring at work", Category: "Stressor"},
			Emotions:        []string{"shocked"},
			ConfidenceScore: 3,
		},
	}
	garden := Candidate{
		ID: "s-garden", BotID: "b1", Category: "family", Title: "Grandma's garden",
		Body: "Every summer we picked tomatoes together.",
	}
	other := Candidate{ID: "x-1", BotID: "b2", Category: "career", Title: "Someone else", Body: "not mine"}
	return []Candidate{boss, layoff, garden, other}
}

func newTestEngine(t *testing.T, st Store, a Analyzer, j judge.Judge) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.JudgeTimeout = time.Second
	cfg.StoreTimeout = time.Second
	return New(Deps{
		Store:    st,
		Judge:    j,
		Analyzer: a,
		Metrics:  metrics.New(),
		Rand:     seededRand(),
	}, cfg)
}

func firstOption() judge.Judge {
	return judge.Func{
		SelectFunc: func(_ context.Context, req judge.SelectRequest) (string, error) {
			return req.Options[0].ID, nil
		},
		ScoreFunc: func(_ context.Context, req judge.ScoreRequest) (float64, error) {
			return 8, nil
		},
	}
}

func TestTurnEndToEnd(t *testing.T) {
	st := newMemStore(botStories()...)
	e := newTestEngine(t, st, fixedAnalysis(Analysis{
		Topics:   []string{"work"},
		Concepts: []string{"promotion"},
		Intent:   "seek_advice",
	}), firstOption())

	res, err := e.Turn(context.Background(), TurnRequest{ChatID: "chat-1", BotID: "b1", Message: "Would you consider quitting?"})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, 1, res.ConversationNumber)
	assert.Equal(t, 1, res.Turn)
	assert.True(t, res.Persisted)
	assert.Equal(t, 1, res.MessageCount)
	assert.False(t, res.CTA)

	require.NotNil(t, res.Selection)
	assert.Equal(t, "career", res.Selection.Category)
	assert.Contains(t, []string{"s-boss", "s-layoff"}, res.Selection.Candidate.ID)
	assert.Equal(t, "b1", res.Selection.Candidate.BotID)

	// only the two stories with matching metadata survive filtering
	require.Len(t, res.Ranked, 2)
	assert.Equal(t, "s-boss", res.Ranked[0].Candidate.ID)

	assert.Equal(t, WarmthWOULD, res.Warmth.Classified)
	assert.Equal(t, WarmthMIGHT, res.Warmth.Target)
	assert.Equal(t, "Speculative", res.Warmth.QuestionType)
	assert.Equal(t, []string{"family"}, res.FollowUpCategories)

	state, cs, err := e.State(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "b1", state.BotID)
	assert.Equal(t, WarmthWOULD, state.MaxWarmthAchieved)
	assert.Equal(t, []string{"work"}, cs.CurrentTopics)
	require.Len(t, cs.Usage, 1)
	assert.Equal(t, UsageRecord{CandidateID: res.Selection.Candidate.ID, Turn: 1}, cs.Usage[0])
}

func TestTurnCTAAtFifthMessage(t *testing.T) {
	st := newMemStore(botStories()...)
	e := newTestEngine(t, st, nil, firstOption())
	ctx := context.Background()

	var last *TurnResult
	for i := 0; i < 5; i++ {
		res, err := e.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: fmt.Sprintf("message %d", i)})
		require.NoError(t, err)
		if i < 4 {
			assert.False(t, res.CTA, "turn %d", i+1)
		}
		last = res
	}
	assert.Equal(t, 5, last.MessageCount)
	assert.True(t, last.CTA)
}

func TestTurnCountFailureUsesWarmthFallback(t *testing.T) {
	st := newMemStore(botStories()...)
	st.failCount = true
	e := newTestEngine(t, st, nil, firstOption())

	res, err := e.Turn(context.Background(), TurnRequest{ChatID: "c", BotID: "b1", Message: "Might you move?"})
	require.NoError(t, err)
	assert.Zero(t, res.MessageCount)
	assert.True(t, res.CTA, "MIGHT reached, fallback should fire")
}

func TestTurnPersistenceFailureKeepsCommittedState(t *testing.T) {
	st := newMemStore(botStories()...)
	e := newTestEngine(t, st, fixedAnalysis(Analysis{Topics: []string{"work"}, Intent: "share_experience"}), firstOption())
	ctx := context.Background()

	_, err := e.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: "Is it hard?"})
	require.NoError(t, err)

	st.set(func(s *memStore) { s.failSave = true })
	res, err := e.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: "Might you leave?"})
	require.NoError(t, err, "store failures never fail a turn")
	assert.False(t, res.Persisted)
	assert.Equal(t, 2, res.Turn)

	state, cs, err := e.State(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, cs.TurnCount)
	assert.Equal(t, WarmthIS, state.MaxWarmthAchieved)

	st.set(func(s *memStore) { s.failSave = false })
	res, err = e.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: "ok"})
	require.NoError(t, err)
	assert.True(t, res.Persisted)
	assert.Equal(t, 2, res.Turn)
}

// storeWithHistory holds conversation 1 of chat "c" twelve turns in.
func storeWithHistory() *memStore {
	st := newMemStore(botStories()...)
	state := NewConversationState("c", "b1", 1)
	state.ApplyWarmth(WarmthWOULD)
	state.Summary = "long history"
	cs := NewContextState("c", 1)
	cs.TurnCount = 12
	st.convs["c"] = map[int]ConversationState{1: *state}
	st.contexts[ctxKey("c", 1)] = *cs
	return st
}

func TestTurnUnreadableStoreDoesNotOverwrite(t *testing.T) {
	tests := []struct {
		name string
		fail func(*memStore, bool)
	}{
		{"conversation", func(s *memStore, on bool) { s.failLoad = on }},
		{"context", func(s *memStore, on bool) { s.failContext = on }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := storeWithHistory()
			e := newTestEngine(t, st, nil, firstOption())
			ctx := context.Background()

			st.set(func(s *memStore) { tt.fail(s, true) })
			res, err := e.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: "Is it hard?"})
			require.NoError(t, err)
			assert.False(t, res.Persisted)

			st.set(func(s *memStore) { tt.fail(s, false) })
			assert.Zero(t, st.saves)
			assert.Empty(t, st.messages)
			stored := st.convs["c"][1]
			assert.Equal(t, WarmthWOULD, stored.MaxWarmthAchieved)
			assert.Equal(t, "long history", stored.Summary)
			assert.Equal(t, 12, st.contexts[ctxKey("c", 1)].TurnCount)

			// the detached session was not cached, so the next turn resumes from disk
			res, err = e.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: "ok"})
			require.NoError(t, err)
			assert.True(t, res.Persisted)
			assert.Equal(t, 13, res.Turn)
			assert.Equal(t, WarmthWOULD, res.Warmth.Max)
			assert.Equal(t, "long history", res.Summary)
		})
	}
}

func TestTurnCandidateLoadFailure(t *testing.T) {
	st := newMemStore(botStories()...)
	st.failCandidates = true
	e := newTestEngine(t, st, nil, firstOption())

	res, err := e.Turn(context.Background(), TurnRequest{ChatID: "c", BotID: "b1", Message: "hello"})
	require.NoError(t, err)
	assert.Nil(t, res.Selection)
	assert.Empty(t, res.Ranked)
	assert.True(t, res.Persisted)
}

func TestTurnEmptyFilterFallsBackToAll(t *testing.T) {
	st := newMemStore(botStories()...)
	e := newTestEngine(t, st, fixedAnalysis(Analysis{Topics: []string{"astronomy"}, Intent: "ask_question"}), firstOption())

	res, err := e.Turn(context.Background(), TurnRequest{ChatID: "c", BotID: "b1", Message: "Do you like stars?"})
	require.NoError(t, err)
	require.NotNil(t, res.Selection)
	assert.Len(t, res.Ranked, 3)
}

func TestTurnAnalyzerFailure(t *testing.T) {
	st := newMemStore(botStories()...)
	e := newTestEngine(t, st, analyzerFunc(func(context.Context, string) (Analysis, error) {
		return Analysis{}, errors.New("llm offline")
	}), firstOption())

	res, err := e.Turn(context.Background(), TurnRequest{ChatID: "c", BotID: "b1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "general_conversation", res.Analysis.Intent)
}

func TestTurnSummary(t *testing.T) {
	st := newMemStore(botStories()...)
	cfg := DefaultConfig()
	cfg.Summarize = true
	var fail atomic.Bool
	e := New(Deps{
		Store: st,
		Judge: firstOption(),
		Summarizer: summarizerFunc(func(_ context.Context, prev, msg string) (string, error) {
			if fail.Load() {
				return "", errors.New("boom")
			}
			return prev + "|" + msg, nil
		}),
		Rand: seededRand(),
	}, cfg)
	ctx := context.Background()

	res, err := e.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: "one"})
	require.NoError(t, err)
	assert.Equal(t, "|one", res.Summary)

	fail.Store(true)
	res, err = e.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: "two"})
	require.NoError(t, err)
	assert.Equal(t, "|one", res.Summary, "failed summary keeps the previous one")
}

func TestTurnRankStrategy(t *testing.T) {
	st := newMemStore(botStories()...)
	cfg := DefaultConfig()
	cfg.ItemStrategy = ItemByRank
	var selects atomic.Int32
	j := judge.Func{
		SelectFunc: func(_ context.Context, req judge.SelectRequest) (string, error) {
			selects.Add(1)
			return "career", nil
		},
		ScoreFunc: scoreBy(map[string]float64{"The review": 4, "The layoff": 9, "Grandma's garden": 6}).Score,
	}
	e := New(Deps{Store: st, Judge: j, Rand: seededRand()}, cfg)

	res, err := e.Turn(context.Background(), TurnRequest{ChatID: "c", BotID: "b1", Message: "hi"})
	require.NoError(t, err)
	require.NotNil(t, res.Selection)
	assert.Equal(t, "s-layoff", res.Selection.Candidate.ID)
	assert.EqualValues(t, 1, selects.Load(), "only the category stage asks the judge")
}

func TestTurnInvalidRequest(t *testing.T) {
	e := newTestEngine(t, newMemStore(), nil, nil)
	_, err := e.Turn(context.Background(), TurnRequest{ChatID: " ", Message: "hi"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = e.Turn(context.Background(), TurnRequest{ChatID: "c", Message: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTurnResumesFromStore(t *testing.T) {
	st := newMemStore(botStories()...)
	ctx := context.Background()
	first := newTestEngine(t, st, nil, firstOption())
	_, err := first.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: "Would you?"})
	require.NoError(t, err)

	// a fresh engine has an empty cache and must read the store
	second := newTestEngine(t, st, nil, firstOption())
	res, err := second.Turn(ctx, TurnRequest{ChatID: "c", Message: "ok"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Turn)
	assert.Equal(t, WarmthWOULD, res.Warmth.Max)
	assert.Equal(t, 2, res.MessageCount)
	require.NotNil(t, res.Selection)
	assert.Equal(t, "b1", res.Selection.Candidate.BotID)
}

func TestReset(t *testing.T) {
	st := newMemStore(botStories()...)
	e := newTestEngine(t, st, nil, firstOption())
	ctx := context.Background()

	_, err := e.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: "hi"})
	require.NoError(t, err)

	state, err := e.Reset(ctx, "c", "")
	require.NoError(t, err)
	assert.Equal(t, 2, state.ConversationNumber)
	assert.Equal(t, "b1", state.BotID)
	assert.Equal(t, WarmthIS, state.MaxWarmthAchieved)

	res, err := e.Turn(ctx, TurnRequest{ChatID: "c", Message: "again"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ConversationNumber)
	assert.Equal(t, 1, res.Turn)
	assert.Equal(t, 1, res.MessageCount)

	fresh, err := e.Reset(ctx, "new-chat", "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.ConversationNumber)
}

func TestRecordUsageAndResponse(t *testing.T) {
	st := newMemStore(botStories()...)
	e := newTestEngine(t, st, nil, firstOption())
	ctx := context.Background()

	assert.ErrorIs(t, e.RecordUsage(ctx, "missing", "s-boss"), ErrUnknownChat)
	assert.ErrorIs(t, e.RecordUsage(ctx, "c", ""), ErrInvalidRequest)

	_, err := e.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: "hi"})
	require.NoError(t, err)
	require.NoError(t, e.RecordUsage(ctx, "c", "s-garden"))
	require.NoError(t, e.RecordResponse(ctx, "c", "Let me tell you about my garden.", []string{"Did you garden too?"}))

	state, cs, err := e.State(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"Did you garden too?"}, state.FollowUpQuestions)
	assert.Equal(t, UsageRecord{CandidateID: "s-garden", Turn: 1}, cs.Usage[len(cs.Usage)-1])

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.messages, 2)
	assert.Equal(t, "assistant", st.messages[1].Role)
}

func TestInsights(t *testing.T) {
	st := newMemStore(botStories()...)
	e := newTestEngine(t, st, fixedAnalysis(Analysis{Topics: []string{"work"}, Intent: "seek_advice"}), firstOption())
	ctx := context.Background()

	_, err := e.Insights(ctx, "c", 3)
	assert.ErrorIs(t, err, ErrUnknownChat)

	_, err = e.Turn(ctx, TurnRequest{ChatID: "c", BotID: "b1", Message: "hi"})
	require.NoError(t, err)
	before := st.saves

	in, err := e.Insights(ctx, "c", 3)
	require.NoError(t, err)
	assert.Equal(t, InsightsOK, in.Status)
	assert.Equal(t, 3, in.Total)
	assert.Equal(t, 2, in.Filtered)
	assert.Equal(t, before, st.saves, "insights must not write")
}

func TestSameChatTurnsAreSerialised(t *testing.T) {
	st := newMemStore(botStories()...)
	var inFlight, peak atomic.Int32
	a := analyzerFunc(func(context.Context, string) (Analysis, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return Analysis{Intent: "general_conversation"}, nil
	})
	e := newTestEngine(t, st, a, firstOption())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Turn(context.Background(), TurnRequest{ChatID: "same", BotID: "b1", Message: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, peak.Load())
	_, cs, err := e.State(context.Background(), "same")
	require.NoError(t, err)
	assert.Equal(t, 8, cs.TurnCount)
	assert.Zero(t, e.locks.size())
}

func TestDifferentChatsRunInParallel(t *testing.T) {
	st := newMemStore(botStories()...)
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	a := analyzerFunc(func(ctx context.Context, _ string) (Analysis, error) {
		arrived <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Analysis{Intent: "general_conversation"}, nil
	})
	e := newTestEngine(t, st, a, firstOption())

	var wg sync.WaitGroup
	for _, chat := range []string{"a", "b"} {
		wg.Add(1)
		go func(chat string) {
			defer wg.Done()
			_, err := e.Turn(context.Background(), TurnRequest{ChatID: chat, BotID: "b1", Message: "hi"})
			assert.NoError(t, err)
		}(chat)
	}

	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-timeout:
			close(release)
			wg.Wait()
			t.Fatal("second chat blocked behind the first")
		}
	}
	close(release)
	wg.Wait()
	assert.Zero(t, e.locks.size())
}

func TestTurnCancelledWhileWaiting(t *testing.T) {
	e := newTestEngine(t, newMemStore(), nil, nil)
	unlock, err := e.locks.Lock(context.Background(), "c")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = e.Turn(ctx, TurnRequest{ChatID: "c", Message: "hi"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Zero(t, e.locks.size())
}
