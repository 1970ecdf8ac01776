package engine

import (
	"fmt"
	"strings"
)

// describeContext renders a snapshot for the judge.
func describeContext(s Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current Topics: %s\n", strings.Join(s.Topics, ", "))
	fmt.Fprintf(&b, "Dominant Theme: %s\n", s.DominantTheme)
	fmt.Fprintf(&b, "Recent User Intents: %s\n", strings.Join(s.RecentIntents, ", "))
	fmt.Fprintf(&b, "Key Concepts: %s\n", strings.Join(s.KeyConcepts, ", "))
	fmt.Fprintf(&b, "Conversation Maturity: %s", s.Maturity)
	return b.String()
}

// describeCandidate renders a candidate and its analysis for scoring.
func describeCandidate(c Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nContent: %s\n", c.Title, truncateClean(c.Body, maxBodyChars))
	if x := c.Extraction; x != nil {
		b.WriteString("Analysis:\n")
		if x.Trigger != nil {
			fmt.Fprintf(&b, "- Trigger: %s\n", x.Trigger.Description)
		}
		if len(x.Emotions) > 0 {
			fmt.Fprintf(&b, "- Emotions: %s\n", strings.Join(x.Emotions, ", "))
		}
		if x.InternalMonologue != "" {
			fmt.Fprintf(&b, "- Internal Thought: %s\n", truncateClean(x.InternalMonologue, maxMonologueChars))
		}
		if x.ViolatedValue != "" {
			fmt.Fprintf(&b, "- Violated Value: %s\n", x.ViolatedValue)
		}
	}
	return strings.TrimSpace(b.String())
}

// describeCategory summarises one category: item count plus up to three samples.
func describeCategory(items []Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d item(s).", len(items))
	for i, c := range items {
		if i == categorySamples {
			break
		}
		fmt.Fprintf(&b, " [%s] %s", c.Title, truncateClean(c.Description(), maxSnippetChars))
	}
	return b.String()
}

// describeItem is the per-item option text for the item stage.
func describeItem(c Candidate) string {
	return fmt.Sprintf("%s: %s", c.Title, truncateClean(c.Description(), maxSummaryChars))
}

// conversationContext is the system context for selection: summary plus
// a compact view of the tracked context.
func conversationContext(summary string, s Snapshot) string {
	if strings.TrimSpace(summary) == "" {
		return describeContext(s)
	}
	return "Conversation summary: " + summary + "\n" + describeContext(s)
}
