package transcript

import (
	"strings"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
)

const (
	firstLastAssistantMax = 1000
	midAssistantMax       = 200
)

// Condense reduces a conversation log to its essential content:
// every user message in full, the first and last assistant replies up to
// 1000 bytes, and the replies in between up to 200 bytes.
func Condense(messages []engine.Message) string {
	if len(messages) == 0 {
		return ""
	}

	assistants := 0
	for _, m := range messages {
		if m.Role == "assistant" {
			assistants++
		}
	}

	var b strings.Builder
	seen := 0
	for _, m := range messages {
		switch m.Role {
		case "user":
			b.WriteString("[USER] ")
			b.WriteString(m.Content)
		case "assistant":
			limit := midAssistantMax
			if seen == 0 || seen == assistants-1 {
				limit = firstLastAssistantMax
			}
			seen++
			b.WriteString("[TWIN] ")
			b.WriteString(clip(m.Content, limit))
		default:
			continue
		}
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// clip cuts s to at most n bytes on a rune boundary and marks the cut.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
