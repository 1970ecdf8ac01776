package engine

import (
	"fmt"
	"slices"
	"strings"
	"unicode"
)

// Text limits applied to judge descriptions and imported candidates.
const (
	maxBodyChars      = 800
	maxMonologueChars = 200
	maxSnippetChars   = 120
	maxSummaryChars   = 400
	categorySamples   = 3

	maxTitleChars      = 200
	maxStoredBodyChars = 40000
)

// validIDChar returns true if the character is allowed in a candidate id.
func validIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
}

// SanitizeID normalizes an id to [a-z0-9_-].
// Uppercase becomes lowercase, spaces/dots/slashes become single hyphens,
// other characters are dropped.
func SanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}

	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(id) {
		if validIDChar(r) {
			b.WriteRune(r)
			prevHyphen = r == '-'
		} else if r == ' ' || r == '.' || r == '/' {
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-_")
}

// ValidateCandidate checks an imported candidate and returns a cleaned copy.
func ValidateCandidate(c Candidate) (Candidate, error) {
	c.ID = SanitizeID(c.ID)
	if c.ID == "" {
		return c, fmt.Errorf("empty id after sanitization")
	}
	c.BotID = strings.TrimSpace(c.BotID)
	if c.BotID == "" {
		return c, fmt.Errorf("candidate %s: missing bot id", c.ID)
	}
	c.Category = strings.TrimSpace(c.Category)
	if c.Category == "" {
		return c, fmt.Errorf("candidate %s: missing category", c.ID)
	}
	c.Title = truncateClean(strings.TrimSpace(c.Title), maxTitleChars)
	c.Body = strings.TrimSpace(c.Body)
	c.Summary = strings.TrimSpace(c.Summary)
	if c.Body == "" && c.Summary == "" {
		return c, fmt.Errorf("candidate %s: empty body and summary", c.ID)
	}
	c.Body = truncateClean(c.Body, maxStoredBodyChars)

	if x := c.Extraction; x != nil {
		cp := *x
		cp.Emotions = slices.Clone(x.Emotions)
		if cp.ConfidenceScore < 0 || cp.ConfidenceScore > 5 {
			return c, fmt.Errorf("candidate %s: confidence %.1f outside [0,5]", c.ID, cp.ConfidenceScore)
		}
		for i, e := range cp.Emotions {
			cp.Emotions[i] = strings.ToLower(strings.TrimSpace(e))
		}
		c.Extraction = &cp
	}
	return c, nil
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	truncated := s[:maxLen]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen/2 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
