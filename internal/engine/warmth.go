package engine

import (
	"regexp"
	"strings"
	"time"
)

// WarmthLevel is one rung of the question-escalation ladder.
type WarmthLevel int

const (
	WarmthIS WarmthLevel = iota + 1
	WarmthDID
	WarmthCAN
	WarmthWILL
	WarmthWOULD
	WarmthMIGHT
)

// MinWarmth and MaxWarmth bound the ladder.
const (
	MinWarmth = WarmthIS
	MaxWarmth = WarmthMIGHT
)

var warmthNames = [...]string{"", "IS", "DID", "CAN", "WILL", "WOULD", "MIGHT"}

var questionTypes = [...]string{"", "Factual", "Historical Factual", "Capability", "Intention", "Hypothetical", "Speculative"}

func (l WarmthLevel) String() string {
	if l < MinWarmth || l > MaxWarmth {
		return "UNKNOWN"
	}
	return warmthNames[l]
}

// QuestionType names the kind of question asked at this level.
func (l WarmthLevel) QuestionType() string {
	return questionTypes[clampWarmth(l)]
}

func clampWarmth(l WarmthLevel) WarmthLevel {
	return min(max(l, MinWarmth), MaxWarmth)
}

// TargetLevel is the level the next question should aim for: one above the
// current level, holding at MIGHT.
func TargetLevel(current WarmthLevel) WarmthLevel {
	return min(clampWarmth(current)+1, MaxWarmth)
}

// Leading words decide the level of a question. Order matters: the first
// pattern matching the opening of the message wins.
var leadingCues = []struct {
	re    *regexp.Regexp
	level WarmthLevel
}{
	{regexp.MustCompile(`^(might|what if|suppose)\b`), WarmthMIGHT},
	{regexp.MustCompile(`^(would|wouldn't|should)\b`), WarmthWOULD},
	{regexp.MustCompile(`^(will|won't|are you going to|do you plan)\b`), WarmthWILL},
	{regexp.MustCompile(`^(can|could|can't|are you able)\b`), WarmthCAN},
	{regexp.MustCompile(`^(did|didn't|have you|had you|were you|was it|was there)\b`), WarmthDID},
	{regexp.MustCompile(`^(is|isn't|are|aren't|what|who|where|when|which|how|do|does)\b`), WarmthIS},
}

// Embedded cues apply when the opening is not decisive or only marks a plain
// question (IS); the highest match wins.
var embeddedCues = []struct {
	re    *regexp.Regexp
	level WarmthLevel
}{
	{regexp.MustCompile(`\b(might|what if|suppose|perhaps)\b`), WarmthMIGHT},
	{regexp.MustCompile(`\b(would you|you would|you'd|if you were|imagine|i would|if i were)\b`), WarmthWOULD},
	{regexp.MustCompile(`\b(will you|you will|you'll|are you going to|plan to|going to)\b`), WarmthWILL},
	{regexp.MustCompile(`\b(can you|could you|you can|you could|i can|able to)\b`), WarmthCAN},
	{regexp.MustCompile(`\b(did you|have you|tell me more|i remember|back when)\b`), WarmthDID},
}

var leadingNoise = regexp.MustCompile(`^(so|and|but|well|ok|okay|hey|hi|um|uh|oh)[,\s]+`)

// ClassifyWarmth maps a user message to a warmth level from its phrasing.
// Unrecognised messages are IS.
func ClassifyWarmth(msg string) WarmthLevel {
	m := strings.ToLower(strings.TrimSpace(msg))
	for {
		stripped := leadingNoise.ReplaceAllString(m, "")
		if stripped == m {
			break
		}
		m = stripped
	}
	if m == "" {
		return WarmthIS
	}

	for _, c := range leadingCues {
		if c.re.MatchString(m) && c.level != WarmthIS {
			return c.level
		}
	}
	best := WarmthIS
	for _, c := range embeddedCues {
		if c.level > best && c.re.MatchString(m) {
			best = c.level
		}
	}
	return best
}

// ConversationState is the per-conversation warmth and summary record.
type ConversationState struct {
	ChatID             string      `json:"chat_id"`
	BotID              string      `json:"bot_id"`
	ConversationNumber int         `json:"conversation_number"`
	Summary            string      `json:"summary"`
	CurrentWarmthLevel WarmthLevel `json:"current_warmth_level"`
	MaxWarmthAchieved  WarmthLevel `json:"max_warmth_achieved"`
	FollowUpQuestions  []string    `json:"follow_up_questions"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// NewConversationState starts a conversation at IS. Conversation numbers start at 1.
func NewConversationState(chatID, botID string, number int) *ConversationState {
	if number < 1 {
		number = 1
	}
	now := time.Now().UTC()
	return &ConversationState{
		ChatID:             chatID,
		BotID:              botID,
		ConversationNumber: number,
		CurrentWarmthLevel: WarmthIS,
		MaxWarmthAchieved:  WarmthIS,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Normalize restores the level invariants on a loaded record: both levels in
// range and max never below current.
func (s *ConversationState) Normalize() {
	s.CurrentWarmthLevel = clampWarmth(s.CurrentWarmthLevel)
	s.MaxWarmthAchieved = max(clampWarmth(s.MaxWarmthAchieved), s.CurrentWarmthLevel)
}

// ApplyWarmth records the level of the latest user message.
func (s *ConversationState) ApplyWarmth(l WarmthLevel) {
	s.CurrentWarmthLevel = clampWarmth(l)
	s.MaxWarmthAchieved = max(s.MaxWarmthAchieved, s.CurrentWarmthLevel)
}

// Clone returns a deep copy.
func (s *ConversationState) Clone() *ConversationState {
	cp := *s
	cp.FollowUpQuestions = append([]string(nil), s.FollowUpQuestions...)
	return &cp
}

// CTAEligible reports whether a call to action is due after count user
// messages: count must be a Fibonacci number of at least 5.
func CTAEligible(count int) bool {
	if count < 5 {
		return false
	}
	a, b := 5, 8
	for a < count {
		a, b = b, a+b
	}
	return a == count
}

// CTAFallback is used when the message count is unavailable.
func CTAFallback(maxAchieved WarmthLevel) bool {
	return maxAchieved >= MaxWarmth
}
