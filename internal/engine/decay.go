package engine

// Concept decay:
//   - a concept survives while turn_count - last_turn <= threshold
//   - mentioning it again resets last_turn
//   - topics are not decayed here; they roll off through the topic cap
//   - the sweep runs at the end of every Ingest

// Sweep removes concepts not mentioned within threshold turns.
// It returns the number removed.
func (c *ContextState) Sweep(threshold int) int {
	kept := c.Concepts[:0]
	removed := 0
	for _, m := range c.Concepts {
		if c.TurnCount-m.LastTurn > threshold {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	c.Concepts = kept
	return removed
}
