package agent

import (
	"errors"
	"sync"

	"aide/internal/llm"
	"aide/internal/types"
)

// decision is the terminal resolution of one suspended tool call.
type decision struct {
	approved bool
	reason   string
}

// approvalHandle is a single-resolution continuation for one suspended call.
// Approve/Reject may race or repeat; only the first resolution sticks.
type approvalHandle struct {
	once     sync.Once
	resolved chan decision
}

func newApprovalHandle() *approvalHandle {
	return &approvalHandle{resolved: make(chan decision, 1)}
}

func (h *approvalHandle) resolve(d decision) {
	h.once.Do(func() { h.resolved <- d })
}

// take returns the decision if the handle has been resolved.
func (h *approvalHandle) take() (decision, bool) {
	select {
	case d := <-h.resolved:
		return d, true
	default:
		return decision{}, false
	}
}

// RunState is the opaque resumption token handed to the caller when a run
// suspends on an approval. It owns the suspended-task table and everything the
// run loop needs to pick up where it left off.
type RunState struct {
	mu sync.Mutex

	token   string         // continuation token for the next round-trip
	queue   []llm.ToolCall // current turn's remaining tool calls, pending head first
	outputs []llm.Item     // function_call_output items gathered this turn
	turn    int            // round-trips consumed so far
	handles map[string]*approvalHandle
}

func newRunState(token string) *RunState {
	return &RunState{token: token, handles: map[string]*approvalHandle{}}
}

func (s *RunState) handleFor(callID string) *approvalHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.handles[callID]; h != nil {
		return h
	}
	h := newApprovalHandle()
	s.handles[callID] = h
	return h
}

// Approve resolves the interruption's suspended call as approved. Subsequent
// resolutions of the same call are ignored.
func (s *RunState) Approve(interruption *types.Interruption) {
	if interruption == nil {
		return
	}
	s.handleFor(interruption.CallID).resolve(decision{approved: true})
}

// Reject resolves the interruption's suspended call as rejected.
func (s *RunState) Reject(interruption *types.Interruption, reason string) {
	if interruption == nil {
		return
	}
	s.handleFor(interruption.CallID).resolve(decision{approved: false, reason: reason})
}

// takeDecision pops the resolved decision for callID. It is an error to
// resume a run whose pending call was never resolved.
func (s *RunState) takeDecision(callID string) (decision, error) {
	d, ok := s.handleFor(callID).take()
	if !ok {
		return decision{}, errors.New("pending tool call was not approved or rejected")
	}
	return d, nil
}
