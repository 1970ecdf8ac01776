package analyzer

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
)

// topicKeywords maps a topic to phrases that signal it.
var topicKeywords = []struct {
	topic    string
	keywords []string
}{
	{"work", []string{"work", "job", "boss", "manager", "office", "career", "colleague", "coworker", "promotion", "interview", "salary", "layoff", "meeting", "deadline"}},
	{"family", []string{"family", "mom", "mother", "dad", "father", "sister", "brother", "parents", "grandma", "grandpa", "kids", "son", "daughter"}},
	{"relationships", []string{"friend", "girlfriend", "boyfriend", "partner", "wife", "husband", "dating", "breakup", "marriage"}},
	{"health", []string{"health", "sick", "doctor", "hospital", "exercise", "gym", "sleep", "anxiety", "therapy"}},
	{"school", []string{"school", "university", "college", "exam", "teacher", "class", "study", "degree"}},
	{"travel", []string{"travel", "trip", "flight", "vacation", "holiday", "abroad", "visit"}},
	{"money", []string{"money", "rent", "debt", "savings", "invest", "budget", "bills"}},
	{"hobbies", []string{"hobby", "music", "guitar", "cooking", "reading", "game", "painting", "hiking", "sport"}},
}

// intentRules are checked in order; the first match wins.
var intentRules = []struct {
	intent string
	re     *regexp.Regexp
}{
	{"request_story", regexp.MustCompile(`\b(tell me (a|about|more)|a story|what happened when|share a time|have you ever)\b`)},
	{"seek_advice", regexp.MustCompile(`\b(should i|what should|advice|any tips|how do i|how can i|help me)\b`)},
	{"ask_opinion", regexp.MustCompile(`\b(what do you think|your opinion|your take|do you like|how do you feel about)\b`)},
	{"ask_clarification_question", regexp.MustCompile(`\b(what do you mean|can you clarify|i don't understand|meaning of|you mean)\b`)},
	{"express_emotion", regexp.MustCompile(`\b(i feel|i'm feeling|i am feeling|(i'm|i am) (so |really |very )?(sad|happy|angry|frustrated|stressed|anxious|excited|tired|lonely|scared|upset))\b`)},
	{"share_experience", regexp.MustCompile(`(^(i|my|we) |\b(when i|i remember|i once|last (week|year|month)|yesterday i)\b)`)},
}

var stopwords = map[string]bool{
	"I": true, "The": true, "A": true, "An": true, "And": true, "But": true, "So": true,
	"What": true, "When": true, "Where": true, "Why": true, "How": true, "Do": true, "Did": true,
	"Is": true, "Are": true, "It": true, "My": true, "You": true, "Your": true, "We": true,
}

// Heuristic is a keyword and pattern analyzer. It never fails and needs no
// network, so it doubles as the fallback for the LLM analyzer.
type Heuristic struct {
	MaxTopics int
}

// NewHeuristic returns a Heuristic capped at MaxTopics topics.
func NewHeuristic() *Heuristic {
	return &Heuristic{MaxTopics: MaxTopics}
}

// Analyze implements engine.Analyzer.
func (h *Heuristic) Analyze(_ context.Context, message string) (engine.Analysis, error) {
	lower := strings.ToLower(strings.TrimSpace(message))
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})

	var topics []string
	for _, tk := range topicKeywords {
		if len(topics) == h.MaxTopics {
			break
		}
		for _, kw := range tk.keywords {
			if slices.Contains(words, kw) {
				topics = append(topics, tk.topic)
				break
			}
		}
	}

	return engine.Analysis{
		Topics:   topics,
		Concepts: properNouns(message),
		Intent:   classifyIntent(lower),
	}, nil
}

func classifyIntent(lower string) string {
	for _, r := range intentRules {
		if r.re.MatchString(lower) {
			return r.intent
		}
	}
	if strings.HasSuffix(lower, "?") {
		return "ask_question"
	}
	return "general_conversation"
}

// properNouns returns capitalised words that do not open a sentence,
// in order of first appearance.
func properNouns(message string) []string {
	var out []string
	sentenceStart := true
	for _, w := range strings.Fields(message) {
		clean := strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) })
		first, _ := firstRune(clean)
		if !sentenceStart && unicode.IsUpper(first) && !stopwords[clean] && !slices.Contains(out, clean) {
			out = append(out, clean)
		}
		sentenceStart = strings.ContainsAny(w[len(w)-1:], ".!?")
	}
	return out
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}
