package engine

// Insight statuses.
const (
	InsightsOK   = "success"
	InsightsNone = "no_relevant_stories"
)

// InsightEntry is one row of the relevance report.
type InsightEntry struct {
	Rank        int            `json:"rank"`
	CandidateID string         `json:"story_id"`
	Title       string         `json:"title"`
	Score       float64        `json:"relevance_score"`
	Breakdown   ScoreBreakdown `json:"score_breakdown"`
	Reasoning   string         `json:"selection_reasoning"`
	HasAnalysis bool           `json:"has_analysis"`
}

// ScoreRange is the spread of scores in a report.
type ScoreRange struct {
	Highest float64 `json:"highest"`
	Lowest  float64 `json:"lowest"`
}

// Insights is a relevance report for debugging ranking behaviour.
type Insights struct {
	Status     string         `json:"status"`
	Context    Snapshot       `json:"conversation_context"`
	Total      int            `json:"total_candidates"`
	Filtered   int            `json:"filtered_candidates"`
	ScoreRange *ScoreRange    `json:"score_range,omitempty"`
	Top        []InsightEntry `json:"top_stories"`
}

// BuildInsights turns the thresholded top list into a report.
func BuildInsights(snap Snapshot, total, filtered int, top []Ranked) Insights {
	in := Insights{Status: InsightsNone, Context: snap, Total: total, Filtered: filtered}
	if len(top) == 0 {
		return in
	}

	in.Status = InsightsOK
	rng := ScoreRange{Highest: top[0].Breakdown.FinalScore, Lowest: top[0].Breakdown.FinalScore}
	for i, r := range top {
		s := r.Breakdown.FinalScore
		rng.Highest = max(rng.Highest, s)
		rng.Lowest = min(rng.Lowest, s)

		title := r.Candidate.Title
		if title == "" {
			title = "Untitled"
		}
		if runes := []rune(title); len(runes) > 50 {
			title = string(runes[:50])
		}
		in.Top = append(in.Top, InsightEntry{
			Rank:        i + 1,
			CandidateID: r.Candidate.ID,
			Title:       title,
			Score:       s,
			Breakdown:   r.Breakdown,
			Reasoning:   r.Breakdown.Reasoning,
			HasAnalysis: r.Candidate.Extraction != nil,
		})
	}
	in.ScoreRange = &rng
	return in
}
