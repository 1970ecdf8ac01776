// Package transcript reads chat logs for replay and renders stored
// conversations as condensed text.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// entry is one JSONL record: {"role": "user", "content": "..."}.
type entry struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []contentItem
}

// contentItem is a single content block of a multi-part message.
type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Line is one parsed message of a chat log.
type Line struct {
	Role string // "user" or "assistant"
	Text string
}

// ParseFile reads a chat log file.
func ParseFile(path string) ([]Line, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a chat log. Each non-empty line is either a JSON object with
// role and content, or plain text taken as a user message. Malformed JSON
// lines and lines with an unknown role are skipped.
func Parse(r io.Reader) ([]Line, error) {
	var lines []Line
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB line buffer

	for scanner.Scan() {
		if l, ok := parseLine(scanner.Text()); ok {
			lines = append(lines, l)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return lines, nil
}

// ParseLines parses chat log content from a string.
func ParseLines(content string) ([]Line, error) {
	return Parse(strings.NewReader(content))
}

func parseLine(raw string) (Line, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return Line{}, false
	}
	if !strings.HasPrefix(raw, "{") {
		return Line{Role: "user", Text: raw}, true
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Line{}, false
	}
	role := strings.ToLower(e.Role)
	if role != "user" && role != "assistant" {
		return Line{}, false
	}
	text := strings.TrimSpace(extractText(e.Content))
	if text == "" {
		return Line{}, false
	}
	return Line{Role: role, Text: text}, true
}

// extractText handles the polymorphic content field.
// It may be a plain string or an array of content items.
func extractText(raw json.RawMessage) string {
	// Try as string first
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	// Try as array of content items
	var items []contentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var texts []string
		for _, item := range items {
			if item.Type == "text" && item.Text != "" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n")
	}

	return ""
}

// UserMessages returns the text of every user line in order.
func UserMessages(lines []Line) []string {
	var out []string
	for _, l := range lines {
		if l.Role == "user" {
			out = append(out, l.Text)
		}
	}
	return out
}
