package llm

import "sync"

// HistoryStore keeps the canonical client-side transcript for providers
// without server-side conversation state. Entries are keyed by the
// continuation token the adapter issued; each merge records a mark so the
// most recent turn can be rolled back when the caller discards it. Providers
// with native chaining bypass this store entirely.
//
// One store instance belongs to one conversation session; it is passed to the
// adapters by reference, not shared process-wide.
type HistoryStore struct {
	mu    sync.Mutex
	turns map[string][]Item
	marks map[string][]int
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{turns: map[string][]Item{}, marks: map[string][]int{}}
}

// MergeTurn appends the turn's request items and assistant reply under token
// and returns a copy of the merged history.
func (s *HistoryStore) MergeTurn(token string, newItems, reply []Item) []Item {
	if s == nil || token == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := s.turns[token]
	s.marks[token] = append(s.marks[token], len(merged))
	merged = append(merged, newItems...)
	merged = append(merged, reply...)
	s.turns[token] = merged
	out := make([]Item, len(merged))
	copy(out, merged)
	return out
}

// RollbackLastTurn removes the most recent MergeTurn under token, restoring
// the entry to its pre-merge shape. Rolling back past the first merge removes
// the entry entirely; unknown tokens are a no-op.
func (s *HistoryStore) RollbackLastTurn(token string) {
	if s == nil || token == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	marks := s.marks[token]
	if len(marks) == 0 {
		return
	}
	mark := marks[len(marks)-1]
	if mark == 0 {
		delete(s.turns, token)
		delete(s.marks, token)
		return
	}
	s.turns[token] = s.turns[token][:mark]
	s.marks[token] = marks[:len(marks)-1]
}

// History returns a copy of the stored history for token, nil when unknown.
func (s *HistoryStore) History(token string) []Item {
	if s == nil || token == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.turns[token]
	if !ok {
		return nil
	}
	out := make([]Item, len(entry))
	copy(out, entry)
	return out
}

// Clear removes the named entries, or every entry when none are given.
func (s *HistoryStore) Clear(tokens ...string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(tokens) == 0 {
		s.turns = map[string][]Item{}
		s.marks = map[string][]int{}
		return
	}
	for _, token := range tokens {
		delete(s.turns, token)
		delete(s.marks, token)
	}
}
