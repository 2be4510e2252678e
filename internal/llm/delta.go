package llm

// TrimOverlap computes the fresh portion of incoming relative to the text
// accumulated so far. Some gateways resend the full accumulated string on
// every chunk instead of a true delta; emitting the raw chunk would repeat
// text. The longest suffix of accumulated that is also a prefix of incoming is
// dropped; when no overlap exists the whole chunk is treated as fresh rather
// than silently discarded.
func TrimOverlap(accumulated, incoming string) string {
	if incoming == "" {
		return ""
	}
	if accumulated == "" {
		return incoming
	}
	max := len(accumulated)
	if len(incoming) < max {
		max = len(incoming)
	}
	for n := max; n > 0; n-- {
		if accumulated[len(accumulated)-n:] == incoming[:n] {
			return incoming[n:]
		}
	}
	return incoming
}

// deltaTracker folds TrimOverlap over a stream of chunks.
type deltaTracker struct {
	accumulated string
}

// Push returns the deduplicated delta for chunk and advances the accumulator.
func (t *deltaTracker) Push(chunk string) string {
	delta := TrimOverlap(t.accumulated, chunk)
	t.accumulated += delta
	return delta
}

func (t *deltaTracker) Text() string { return t.accumulated }
