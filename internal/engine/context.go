package engine

import "slices"

// ConceptMention tracks when a concept was first and last raised.
type ConceptMention struct {
	Concept   string `json:"concept"`
	Count     int    `json:"count"`
	FirstTurn int    `json:"first_turn"`
	LastTurn  int    `json:"last_turn"`
}

// ContextState is the rolling, turn-indexed context of one conversation.
// Concepts keep insertion order.
type ContextState struct {
	ChatID             string           `json:"chat_id"`
	ConversationNumber int              `json:"conversation_number"`
	TurnCount          int              `json:"turn_count"`
	CurrentTopics      []string         `json:"current_topics"`
	IntentHistory      []string         `json:"user_intent_history"`
	Concepts           []ConceptMention `json:"mentioned_concepts"`

	DominantTheme       string `json:"dominant_theme"`
	ThemeStabilityCount int    `json:"theme_stability_count"`
	LastTopicShiftTurn  int    `json:"last_topic_shift_turn"`

	Usage []UsageRecord `json:"retrieved_story_history"`
}

// ContextLimits are the caps and thresholds applied during ingestion.
type ContextLimits struct {
	TopicCap       int
	IntentCap      int
	DecayThreshold int
}

// DefaultContextLimits matches the engine defaults.
var DefaultContextLimits = ContextLimits{TopicCap: 5, IntentCap: 5, DecayThreshold: 5}

// resetAfterTurns is the turn count beyond which a context is considered exhausted.
const resetAfterTurns = 50

// NewContextState returns an empty context at turn 0.
func NewContextState(chatID string, conversationNumber int) *ContextState {
	return &ContextState{ChatID: chatID, ConversationNumber: conversationNumber}
}

// NextTurn advances the turn counter. It is called once per user message,
// before Ingest.
func (c *ContextState) NextTurn() {
	c.TurnCount++
}

// Ingest folds one message analysis into the context and sweeps stale concepts.
func (c *ContextState) Ingest(a Analysis, lim ContextLimits) {
	for _, t := range a.Topics {
		if t != "" && !slices.Contains(c.CurrentTopics, t) {
			c.CurrentTopics = append(c.CurrentTopics, t)
		}
	}
	c.CurrentTopics = lastN(c.CurrentTopics, lim.TopicCap)

	c.IntentHistory = lastN(append(c.IntentHistory, a.Intent), lim.IntentCap)

	for _, name := range a.Concepts {
		if name == "" {
			continue
		}
		if i := c.conceptIndex(name); i >= 0 {
			c.Concepts[i].Count++
			c.Concepts[i].LastTurn = c.TurnCount
			continue
		}
		c.Concepts = append(c.Concepts, ConceptMention{
			Concept:   name,
			Count:     1,
			FirstTurn: c.TurnCount,
			LastTurn:  c.TurnCount,
		})
	}

	if len(a.Topics) > 0 {
		c.updateTheme()
	}
	c.Sweep(lim.DecayThreshold)
}

// updateTheme takes the most recently added topic as the dominant theme.
func (c *ContextState) updateTheme() {
	if len(c.CurrentTopics) == 0 {
		return
	}
	theme := c.CurrentTopics[len(c.CurrentTopics)-1]
	if theme == c.DominantTheme {
		c.ThemeStabilityCount++
		return
	}
	c.DominantTheme = theme
	c.ThemeStabilityCount = 1
	c.LastTopicShiftTurn = c.TurnCount
}

func (c *ContextState) conceptIndex(name string) int {
	for i := range c.Concepts {
		if c.Concepts[i].Concept == name {
			return i
		}
	}
	return -1
}

// Concept returns the tracked mention for name.
func (c *ContextState) Concept(name string) (ConceptMention, bool) {
	if i := c.conceptIndex(name); i >= 0 {
		return c.Concepts[i], true
	}
	return ConceptMention{}, false
}

// Maturity labels.
const (
	MaturityNew         = "new"
	MaturityEstablished = "established"
)

// Snapshot is the read-only view consumed by filtering and ranking.
type Snapshot struct {
	Topics        []string `json:"current_topics"`
	DominantTheme string   `json:"dominant_theme"`
	RecentIntents []string `json:"recent_intents"`
	KeyConcepts   []string `json:"key_concepts"`
	Maturity      string   `json:"conversation_maturity"`
	TurnCount     int      `json:"turn_count"`
}

// Snapshot copies the current context.
func (c *ContextState) Snapshot() Snapshot {
	s := Snapshot{
		Topics:        slices.Clone(c.CurrentTopics),
		DominantTheme: c.DominantTheme,
		RecentIntents: slices.Clone(lastN(c.IntentHistory, 3)),
		Maturity:      MaturityNew,
		TurnCount:     c.TurnCount,
	}
	for _, m := range c.Concepts {
		s.KeyConcepts = append(s.KeyConcepts, m.Concept)
	}
	if c.TurnCount > 5 {
		s.Maturity = MaturityEstablished
	}
	return s
}

// ShouldReset reports whether the conversation has run long enough that a new
// conversation number is advisable. The engine reports it but never acts on it.
func (c *ContextState) ShouldReset() bool {
	return c.TurnCount > resetAfterTurns
}

// Clone returns a deep copy.
func (c *ContextState) Clone() *ContextState {
	cp := *c
	cp.CurrentTopics = slices.Clone(c.CurrentTopics)
	cp.IntentHistory = slices.Clone(c.IntentHistory)
	cp.Concepts = slices.Clone(c.Concepts)
	cp.Usage = slices.Clone(c.Usage)
	return &cp
}

func lastN(s []string, n int) []string {
	if n > 0 && len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
