package judge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/llm"
	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/metrics"
)

func TestParseScore(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"7", 7, false},
		{"8.5 strong thematic match", 8.5, false},
		{"7/10", 7, false},
		{"9.", 9, false},
		{"14", 10, false},
		{"-3", 0, false},
		{"", 0, true},
		{"high relevance", 0, true},
		{"NaN relevance", 0, true},
		{"nan", 0, true},
		{"+Inf", 0, true},
		{"-infinity", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseScore(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrNoScore) {
				t.Errorf("ParseScore(%q) err = %v, want ErrNoScore", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseScore(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseScore(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseChoice(t *testing.T) {
	tests := map[string]string{
		`{"choice": "career"}`:            "career",
		"```json\n{\"id\": \"s-2\"}\n```": "s-2",
		`"family"`:                        "family",
		`{"category":"travel"}`:           "travel",
	}
	for in, want := range tests {
		if got := parseChoice(in); got != want {
			t.Errorf("parseChoice(%q) = %q, want %q", in, got, want)
		}
	}
}

var opts = []Option{
	{ID: "career", Description: "stories about work, promotions and difficult bosses"},
	{ID: "family", Description: "stories about parents, siblings and growing up"},
}

func TestLLMSelect(t *testing.T) {
	mock := &llm.MockClient{Responses: []*llm.Response{{Content: `{"choice":"family"}`}}}
	j := NewLLM(mock, WithMetrics(metrics.New()))

	got, err := j.Select(context.Background(), SelectRequest{LatestSignal: "my dad", Options: opts})
	require.NoError(t, err)
	assert.Equal(t, "family", got)
	require.Len(t, mock.Calls, 1)
	assert.True(t, mock.Calls[0].JSON)
	assert.Contains(t, mock.Calls[0].Prompt, "my dad")
}

func TestLLMSelectUnknownOption(t *testing.T) {
	mock := &llm.MockClient{Responses: []*llm.Response{{Content: `{"choice":"sports"}`}}}
	j := NewLLM(mock)

	_, err := j.Select(context.Background(), SelectRequest{Options: opts})
	assert.ErrorIs(t, err, ErrInvalidSelection)
}

func TestLLMSelectNoOptions(t *testing.T) {
	mock := &llm.MockClient{}
	_, err := NewLLM(mock).Select(context.Background(), SelectRequest{})
	assert.ErrorIs(t, err, ErrInvalidSelection)
	assert.Zero(t, mock.CallCount())
}

func TestLLMScore(t *testing.T) {
	mock := &llm.MockClient{Responses: []*llm.Response{{Content: "12 very relevant"}}}
	got, err := NewLLM(mock).Score(context.Background(), ScoreRequest{Context: "c", Candidate: "s"})
	require.NoError(t, err)
	assert.Equal(t, 10.0, got)
}

func TestLLMClientError(t *testing.T) {
	boom := errors.New("boom")
	j := NewLLM(&llm.MockClient{Err: boom}, WithRateLimit(1000, 1))

	_, err := j.Score(context.Background(), ScoreRequest{})
	assert.ErrorIs(t, err, boom)
	_, err = j.Select(context.Background(), SelectRequest{Options: opts})
	assert.ErrorIs(t, err, boom)
}

func TestLLMRateLimitHonoursContext(t *testing.T) {
	j := NewLLM(&llm.MockClient{}, WithRateLimit(0.001, 1))
	// first call consumes the burst
	_, _ = j.Score(context.Background(), ScoreRequest{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := j.Score(ctx, ScoreRequest{})
	assert.Error(t, err)
}

func TestLexicalSelect(t *testing.T) {
	l := NewLexical([]string{opts[0].Description, opts[1].Description}, 0)

	got, err := l.Select(context.Background(), SelectRequest{
		SystemContext: "we talked about siblings",
		LatestSignal:  "my boss gave me a difficult review at work",
		Options:       opts,
	})
	require.NoError(t, err)
	assert.Equal(t, "career", got, "latest message should outrank history")
}

func TestLexicalSelectNoOverlap(t *testing.T) {
	l := NewLexical([]string{opts[0].Description, opts[1].Description}, 0)
	_, err := l.Select(context.Background(), SelectRequest{LatestSignal: "quantum", Options: opts})
	assert.ErrorIs(t, err, ErrInvalidSelection)
}

func TestLexicalScore(t *testing.T) {
	l := NewLexical([]string{"work stress deadline", "holiday beach sun"}, 0)

	hi, err := l.Score(context.Background(), ScoreRequest{Context: "deadline stress", Candidate: "work stress deadline"})
	require.NoError(t, err)
	lo, err := l.Score(context.Background(), ScoreRequest{Context: "deadline stress", Candidate: "holiday beach sun"})
	require.NoError(t, err)

	assert.Greater(t, hi, lo)
	assert.LessOrEqual(t, hi, MaxScore)
	assert.Zero(t, lo)
}

func TestLexicalEmptyCorpus(t *testing.T) {
	l := NewLexical(nil, 0)
	_, err := l.Score(context.Background(), ScoreRequest{Context: "a", Candidate: "b"})
	assert.ErrorIs(t, err, ErrNoScore)
}

func TestLexicalRefreshPicksUpNewDocuments(t *testing.T) {
	docs := []string{"work stress deadline"}
	loads := 0
	var loadErr error
	load := func(context.Context) ([]string, error) {
		loads++
		return docs, loadErr
	}

	clock := time.Unix(1000, 0)
	l := NewLexical(docs, 0)
	l.now = func() time.Time { return clock }
	l.Rebuild(docs)
	l.Refresh(load, time.Minute)

	ctx := context.Background()
	req := ScoreRequest{Context: "bakery floor", Candidate: "bakery floor at dawn"}
	score, err := l.Score(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, score, "bakery is not in the vocabulary yet")
	assert.Zero(t, loads)

	docs = append(docs, "bakery floor at dawn")
	clock = clock.Add(30 * time.Second)
	score, _ = l.Score(ctx, req)
	assert.Zero(t, score, "vocabulary is still fresh")

	clock = clock.Add(30 * time.Second)
	score, err = l.Score(ctx, req)
	require.NoError(t, err)
	assert.Greater(t, score, 0.0)
	assert.Equal(t, 1, loads)

	// a failing load keeps the vocabulary and waits a full interval
	loadErr = errors.New("db locked")
	docs = nil
	clock = clock.Add(time.Minute)
	score, _ = l.Score(ctx, req)
	assert.Greater(t, score, 0.0)
	score, _ = l.Score(ctx, req)
	assert.Greater(t, score, 0.0)
	assert.Equal(t, 2, loads)
}

func TestLexicalRefreshDisabled(t *testing.T) {
	l := NewLexical([]string{"work"}, 0).Refresh(func(context.Context) ([]string, error) {
		t.Fatal("load must not be called")
		return nil, nil
	}, 0)
	_, err := l.Score(context.Background(), ScoreRequest{Context: "work", Candidate: "work"})
	require.NoError(t, err)
}

func TestLexicalConcurrent(t *testing.T) {
	l := NewLexical([]string{opts[0].Description, opts[1].Description}, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Score(context.Background(), ScoreRequest{Context: "work", Candidate: opts[0].Description})
		}()
	}
	wg.Wait()
}

func TestFuncDefaults(t *testing.T) {
	var f Func
	_, err := f.Select(context.Background(), SelectRequest{})
	assert.ErrorIs(t, err, ErrInvalidSelection)
	_, err = f.Score(context.Background(), ScoreRequest{})
	assert.ErrorIs(t, err, ErrNoScore)
}
