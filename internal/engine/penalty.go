package engine

// DefaultPenaltyBase is the base multiplier for recently surfaced candidates.
const DefaultPenaltyBase = 2.0

// Penalty returns the repetition multiplier for candidateID at currentTurn.
// Candidates never surfaced get 1.0. Otherwise the most recent surfacing
// decides the tier, with the lower tier inclusive at each boundary.
func Penalty(history []UsageRecord, candidateID string, currentTurn int, base float64) float64 {
	last, ok := lastSurfaced(history, candidateID)
	if !ok {
		return 1.0
	}

	gap := currentTurn - last
	switch {
	case gap <= 2:
		return base * 3.0
	case gap <= 5:
		return base * 2.0
	case gap <= 10:
		return base * 1.5
	default:
		return base * 1.0
	}
}

func lastSurfaced(history []UsageRecord, candidateID string) (int, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].CandidateID == candidateID {
			return history[i].Turn, true
		}
	}
	return 0, false
}

// RecordUsage appends rec and keeps only the limit most recent records.
func RecordUsage(history []UsageRecord, rec UsageRecord, limit int) []UsageRecord {
	history = append(history, rec)
	if limit > 0 && len(history) > limit {
		history = append([]UsageRecord(nil), history[len(history)-limit:]...)
	}
	return history
}
