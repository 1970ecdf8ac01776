package llm

import (
	"fmt"
	"strings"
)

// Intents is the fixed label set the analyzer may return.
var Intents = []string{
	"request_story",
	"ask_opinion",
	"seek_advice",
	"ask_clarification_question",
	"share_experience",
	"general_conversation",
	"express_emotion",
	"ask_question",
}

// SelectionSystem instructs the model to choose exactly one option id.
const SelectionSystem = `You choose the single most relevant option for a conversation.
The LATEST USER MESSAGE is the primary signal and outranks the conversation history.
Respond with a JSON object {"choice": "<option id>"} and nothing else.`

// SelectionPrompt renders a choice among enumerated options.
// Each option is rendered as "- id: description".
func SelectionPrompt(systemContext, latest string, ids, descriptions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CONVERSATION CONTEXT:\n%s\n\n", orNone(systemContext))
	fmt.Fprintf(&b, "LATEST USER MESSAGE:\n%s\n\nOPTIONS:\n", orNone(latest))
	for i, id := range ids {
		desc := ""
		if i < len(descriptions) {
			desc = descriptions[i]
		}
		fmt.Fprintf(&b, "- %s: %s\n", id, desc)
	}
	b.WriteString("\nReturn the id of the best option.")
	return b.String()
}

// ScoreSystem instructs the model to answer with a bare relevance number.
const ScoreSystem = `You rate how relevant a story is to the current conversation.
Answer with a single number from 0 to 10 as the first token, optionally followed by a short reason.`

// ScorePrompt renders a relevance rating request for one candidate.
func ScorePrompt(conversation, candidate string) string {
	return fmt.Sprintf("CONVERSATION:\n%s\n\nSTORY:\n%s\n\nRelevance (0-10):", orNone(conversation), orNone(candidate))
}

// AnalysisSystem asks for topics, concepts and an intent label as JSON.
var AnalysisSystem = fmt.Sprintf(`You analyse a single chat message.
Return a JSON object {"topics": [...], "concepts": [...], "intent": "..."}.
topics: 1-3 short phrases. concepts: named entities or ideas. intent: one of %s.`,
	strings.Join(Intents, ", "))

// AnalysisPrompt wraps the raw user message.
func AnalysisPrompt(message string) string {
	return "MESSAGE:\n" + message
}

// SummarySystem asks for a rolling conversation summary.
const SummarySystem = `You maintain a short running summary of a conversation between a user and a digital twin.
Keep it under 120 words, third person, facts and feelings the user shared. Return only the summary.`

// SummaryPrompt merges the previous summary with the newest exchange.
func SummaryPrompt(previous, message string) string {
	return fmt.Sprintf("PREVIOUS SUMMARY:\n%s\n\nNEW USER MESSAGE:\n%s\n\nUpdated summary:", orNone(previous), message)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
