package engine

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Store when a record does not exist.
var ErrNotFound = errors.New("not found")

// Trigger is the situation that set a story in motion.
type Trigger struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Category    string `json:"category" yaml:"category"`
}

// Extraction is the structured analysis attached to a story.
type Extraction struct {
	Trigger           *Trigger `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Emotions          []string `json:"emotions,omitempty" yaml:"emotions,omitempty"`
	InternalMonologue string   `json:"internal_monologue,omitempty" yaml:"internal_monologue,omitempty"`
	ViolatedValue     string   `json:"violated_value,omitempty" yaml:"violated_value,omitempty"`
	ValueReasoning    string   `json:"value_reasoning,omitempty" yaml:"value_reasoning,omitempty"`
	ConfidenceScore   float64  `json:"confidence_score,omitempty" yaml:"confidence_score,omitempty"`
}

// Candidate is a story or content item that may be surfaced in a turn.
type Candidate struct {
	ID         string      `json:"id" yaml:"id"`
	BotID      string      `json:"bot_id" yaml:"bot_id"`
	Category   string      `json:"category" yaml:"category"`
	Title      string      `json:"title" yaml:"title"`
	Body       string      `json:"body" yaml:"body"`
	Summary    string      `json:"summary,omitempty" yaml:"summary,omitempty"`
	Extraction *Extraction `json:"extraction,omitempty" yaml:"extraction,omitempty"`
}

// Description returns the summary when present, else the body.
func (c Candidate) Description() string {
	if c.Summary != "" {
		return c.Summary
	}
	return c.Body
}

// Confidence returns the extraction confidence, or 0 when there is none.
func (c Candidate) Confidence() float64 {
	if c.Extraction == nil {
		return 0
	}
	return c.Extraction.ConfidenceScore
}

// UsageRecord notes that a candidate was surfaced at a turn.
type UsageRecord struct {
	CandidateID string `json:"candidate_id"`
	Turn        int    `json:"turn"`
}

// Analysis is what the message analyzer extracts from one user message.
type Analysis struct {
	Topics   []string `json:"topics"`
	Concepts []string `json:"concepts"`
	Intent   string   `json:"intent"`
}

// Message is one logged line of a conversation.
type Message struct {
	ChatID             string    `json:"chat_id"`
	ConversationNumber int       `json:"conversation_number"`
	Role               string    `json:"role"` // "user" or "assistant"
	Content            string    `json:"content"`
	Turn               int       `json:"turn"`
	CreatedAt          time.Time `json:"created_at"`
}

// Analyzer turns a raw user message into topics, concepts and an intent.
type Analyzer interface {
	Analyze(ctx context.Context, message string) (Analysis, error)
}

// Summarizer folds a new user message into the running conversation summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous, message string) (string, error)
}

// TurnWrite is everything one turn persists. Stores apply it atomically.
type TurnWrite struct {
	State   ConversationState
	Context ContextState
	Message *Message
}

// Store is the durable collaborator the engine reads from and writes to.
type Store interface {
	// LatestConversation returns the highest-numbered conversation for chatID,
	// or ErrNotFound.
	LatestConversation(ctx context.Context, chatID string) (*ConversationState, error)
	LoadContext(ctx context.Context, chatID string, conversationNumber int) (*ContextState, error)
	SaveTurn(ctx context.Context, w TurnWrite) error
	// Candidates lists a bot's candidates; an empty category means all.
	Candidates(ctx context.Context, botID, category string) ([]Candidate, error)
	CountUserMessages(ctx context.Context, chatID string, conversationNumber int) (int, error)
}
