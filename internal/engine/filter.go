package engine

import (
	"slices"
	"strings"
)

// Metadata filter weights.
const (
	weightTriggerOverlap  = 2.0
	weightWorkStressor    = 1.5
	weightAdviceNegative  = 2.0
	weightStoryRequest    = 1.0
	weightValueConfidence = 0.5
	weightMonologue       = 1.0

	// minMetadataScore is exclusive: candidates must score above it.
	minMetadataScore = 0.5
)

var (
	stressorCategories = []string{"Social Interaction", "Stressor"}
	negativeEmotions   = []string{"frustrated", "angry", "stressed"}
)

// Scored pairs a candidate with its metadata score.
type Scored struct {
	Candidate     Candidate `json:"candidate"`
	MetadataScore float64   `json:"metadata_score"`
}

// FilterByMetadata scores candidates against the context snapshot and keeps
// those scoring above 0.5, in input order. It may return an empty slice; the
// caller decides whether to fall back to the unfiltered set.
func FilterByMetadata(candidates []Candidate, snap Snapshot) []Scored {
	var out []Scored
	for _, c := range candidates {
		if s := MetadataScore(c, snap); s > minMetadataScore {
			out = append(out, Scored{Candidate: c, MetadataScore: s})
		}
	}
	return out
}

// Unscored wraps candidates with a zero metadata score.
func Unscored(candidates []Candidate) []Scored {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = Scored{Candidate: c}
	}
	return out
}

// MetadataScore is the additive heuristic score of one candidate.
func MetadataScore(c Candidate, snap Snapshot) float64 {
	x := c.Extraction
	if x == nil {
		return 0
	}
	var score float64

	if x.Trigger != nil && len(snap.Topics) > 0 {
		desc := strings.ToLower(x.Trigger.Description)
		stressor := slices.Contains(stressorCategories, x.Trigger.Category)
		for _, topic := range snap.Topics {
			lt := strings.ToLower(topic)
			if anyWordIn(lt, desc) {
				score += weightTriggerOverlap
			}
			if stressor && strings.Contains(lt, "work") {
				score += weightWorkStressor
			}
		}
	}

	if len(x.Emotions) > 0 && len(snap.RecentIntents) > 0 {
		if slices.Contains(snap.RecentIntents, "seek_advice") && anyIn(x.Emotions, negativeEmotions) {
			score += weightAdviceNegative
		}
		if slices.Contains(snap.RecentIntents, "request_story") {
			score += weightStoryRequest
		}
	}

	if x.ViolatedValue != "" && len(snap.KeyConcepts) > 0 {
		violated := strings.ToLower(x.ViolatedValue)
		for _, concept := range snap.KeyConcepts {
			if strings.Contains(violated, strings.ToLower(concept)) {
				score += x.ConfidenceScore * weightValueConfidence
			}
		}
	}

	if x.InternalMonologue != "" && len(snap.KeyConcepts) > 0 {
		monologue := strings.ToLower(x.InternalMonologue)
		for _, concept := range snap.KeyConcepts {
			if strings.Contains(monologue, strings.ToLower(concept)) {
				score += weightMonologue
			}
		}
	}

	return max(score, 0)
}

// anyWordIn reports whether any whitespace-separated word of phrase occurs in text.
func anyWordIn(phrase, text string) bool {
	for _, w := range strings.Fields(phrase) {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func anyIn(have, want []string) bool {
	for _, h := range have {
		if slices.Contains(want, strings.ToLower(h)) {
			return true
		}
	}
	return false
}
