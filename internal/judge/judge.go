// Package judge defines the relevance oracle used by the decision engine and
// provides an LLM-backed and a lexical implementation.
package judge

import (
	"context"
	"errors"
)

var (
	// ErrNoScore is returned when a scoring call produced no usable number.
	ErrNoScore = errors.New("judge: no score")
	// ErrInvalidSelection is returned when a selection falls outside the options.
	ErrInvalidSelection = errors.New("judge: invalid selection")
)

// MinScore and MaxScore bound every score a Judge returns.
const (
	MinScore = 0.0
	MaxScore = 10.0
)

// Option is one enumerated choice offered to Select.
type Option struct {
	ID          string
	Description string
}

// SelectRequest asks the judge to choose one option id. LatestSignal is the
// newest user message and outranks SystemContext.
type SelectRequest struct {
	SystemContext string
	LatestSignal  string
	Options       []Option
}

// ScoreRequest asks for a 0-10 relevance rating of one candidate.
type ScoreRequest struct {
	Context   string
	Candidate string
}

// Judge selects among candidates or scores their relevance.
// Implementations must be safe for concurrent use.
type Judge interface {
	Select(ctx context.Context, req SelectRequest) (string, error)
	Score(ctx context.Context, req ScoreRequest) (float64, error)
}

// Func adapts plain functions to the Judge interface. Nil functions fail with
// ErrInvalidSelection or ErrNoScore.
type Func struct {
	SelectFunc func(ctx context.Context, req SelectRequest) (string, error)
	ScoreFunc  func(ctx context.Context, req ScoreRequest) (float64, error)
}

func (f Func) Select(ctx context.Context, req SelectRequest) (string, error) {
	if f.SelectFunc == nil {
		return "", ErrInvalidSelection
	}
	return f.SelectFunc(ctx, req)
}

func (f Func) Score(ctx context.Context, req ScoreRequest) (float64, error) {
	if f.ScoreFunc == nil {
		return 0, ErrNoScore
	}
	return f.ScoreFunc(ctx, req)
}

// Clamp bounds a score to [MinScore, MaxScore].
func Clamp(s float64) float64 {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}

// Contains reports whether id names one of the options.
func Contains(opts []Option, id string) bool {
	for _, o := range opts {
		if o.ID == id {
			return true
		}
	}
	return false
}
