package agent

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"aide/internal/llm"
	"aide/internal/logging"
	"aide/internal/types"
)

type State string

const (
	StateIdle            State = "idle"
	StateStreaming       State = "streaming"
	StateApprovalPending State = "approval_pending"
)

// ContinuePrompt is the canned user turn sent when the user accepts the
// max-turns continuation prompt.
const ContinuePrompt = "Please continue with your previous task."

// errStreamTruncated reports a run stream that closed without delivering its
// terminal RunDone or RunError. A user abort never takes this path; aborts
// deliver a cancellation RunError before the channel closes.
var errStreamTruncated = errors.New("run stream ended without a result")

type OutcomeKind string

const (
	OutcomeResponse         OutcomeKind = "response"
	OutcomeApprovalRequired OutcomeKind = "approval_required"
)

// TurnOutcome is what a completed SendMessage or HandleApprovalDecision call
// reports back: either a finished response or a pending approval.
type TurnOutcome struct {
	Kind          OutcomeKind
	Approval      *types.ApprovalRequest
	FinalText     string
	ReasoningText string
	Commands      []*types.CommandResult
}

type pendingApproval struct {
	interruption *types.Interruption
	state        *RunState
	messageID    string
	isMaxTurns   bool
}

// Snapshot is a point-in-time copy of the conversation for rendering. Live
// buffers still being streamed are appended as trailing partial messages.
type Snapshot struct {
	Messages []types.Message
	State    State
	Usage    types.Usage
}

type SessionConfig struct {
	Runner               *RunClient
	Logger               logging.Logger
	HallucinationRetries int
	FailureThreshold     int
}

// Session is the conversation state machine: idle, streaming, or waiting on
// an approval. It owns the message list; the run client owns the wire. One
// session serves one logical user, callers serialize turn-starting calls.
type Session struct {
	runner           *RunClient
	logger           logging.Logger
	retries          int
	failureThreshold int

	mu            sync.Mutex
	state         State
	messages      []types.Message
	liveText      strings.Builder
	liveReasoning strings.Builder
	liveCommand   string
	emitted       map[string]bool
	pending       *pendingApproval
	usage         types.Usage
	failures      int
}

func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	retries := cfg.HallucinationRetries
	if retries < 0 {
		retries = 0
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Session{
		runner:           cfg.Runner,
		logger:           logger,
		retries:          retries,
		failureThreshold: threshold,
		state:            StateIdle,
		emitted:          map[string]bool{},
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot copies the current conversation, with any partially streamed
// reasoning and text shown as trailing in-progress messages.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := append([]types.Message{}, s.messages...)
	if text := s.liveReasoning.String(); strings.TrimSpace(text) != "" {
		messages = append(messages, types.Message{ID: "live-reasoning", Sender: types.SenderReasoning, Text: text})
	}
	if text := s.liveText.String(); strings.TrimSpace(text) != "" {
		messages = append(messages, types.Message{ID: "live-text", Sender: types.SenderBot, Text: text})
	}
	if s.liveCommand != "" {
		messages = append(messages, types.Message{
			ID:      "live-command",
			Sender:  types.SenderCommand,
			Command: &types.CommandResult{Command: s.liveCommand},
		})
	}
	return Snapshot{Messages: messages, State: s.state, Usage: s.usage}
}

func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message{}, s.messages...)
}

// SendMessage runs one user turn to completion or to an approval pause.
// Empty input is a no-op. A stale pending approval from an aborted or
// superseded turn is rejected first so the suspended run releases its
// resources.
func (s *Session) SendMessage(ctx context.Context, text string) (*TurnOutcome, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	s.rejectStalePending("superseded by a new user message")

	s.mu.Lock()
	s.state = StateStreaming
	s.messages = append(s.messages, types.Message{ID: uuid.NewString(), Sender: types.SenderUser, Text: text})
	s.mu.Unlock()

	return s.runWithRetry(ctx, func() *RunStream {
		return s.runner.StartStream(ctx, text)
	})
}

// HandleApprovalDecision resolves the pending approval. answer is "y" or
// anything else (treated as rejection). Returns nil when nothing is pending.
func (s *Session) HandleApprovalDecision(ctx context.Context, answer, rejectionReason string) (*TurnOutcome, error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending == nil {
		return nil, nil
	}
	approved := strings.EqualFold(strings.TrimSpace(answer), "y")
	s.answerApprovalMessage(pending.messageID, answer, rejectionReason)

	if pending.isMaxTurns {
		if !approved {
			s.setState(StateIdle)
			return nil, nil
		}
		return s.SendMessage(ctx, ContinuePrompt)
	}

	if approved {
		pending.state.Approve(pending.interruption)
	} else {
		pending.state.Reject(pending.interruption, rejectionReason)
	}
	s.setState(StateStreaming)
	return s.runWithRetry(ctx, func() *RunStream {
		return s.runner.ContinueRunStream(ctx, pending.state)
	})
}

// Abort cancels the in-flight operation and releases any pending approval.
// Safe to call when idle.
func (s *Session) Abort() {
	s.rejectStalePending("aborted by the user")
	s.runner.Abort()
	s.mu.Lock()
	s.liveText.Reset()
	s.liveReasoning.Reset()
	s.liveCommand = ""
	s.state = StateIdle
	s.mu.Unlock()
}

// Reset aborts anything in flight, clears the transcript, and drops the
// provider-side continuation so the next turn starts a fresh conversation.
func (s *Session) Reset() {
	s.Abort()
	s.runner.ClearHistory()
	s.mu.Lock()
	s.messages = nil
	s.emitted = map[string]bool{}
	s.usage = types.Usage{}
	s.failures = 0
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) rejectStalePending(reason string) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending == nil {
		return
	}
	if pending.state != nil {
		// The suspended run never resumes, so its unanswered calls must be
		// settled here or the provider history keeps a tool call with no
		// result and rejects the next request.
		s.runner.AbandonRun(pending.state, reason)
	}
	s.answerApprovalMessage(pending.messageID, "n", reason)
}

func (s *Session) answerApprovalMessage(messageID, answer, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Answer = answer
			s.messages[i].Rejection = reason
			return
		}
	}
}

// runWithRetry consumes run segments, retrying the whole start from scratch
// when the model hallucinated a tool reference. Only that specific fault
// class is retried; everything else propagates after one attempt.
func (s *Session) runWithRetry(ctx context.Context, start func() *RunStream) (*TurnOutcome, error) {
	attempts := s.retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		outcome, err := s.consumeRun(ctx, start())
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if !IsHallucinatedToolCall(err) || attempt == attempts-1 {
			break
		}
		s.logger.Warn("hallucinated_tool_retry", logging.F("attempt", attempt+1))
		s.discardLive()
	}
	s.finishWithError(lastErr)
	return nil, lastErr
}

func (s *Session) consumeRun(ctx context.Context, stream *RunStream) (*TurnOutcome, error) {
	outcome := &TurnOutcome{Kind: OutcomeResponse}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case event, ok := <-stream.Events():
			if !ok {
				return nil, errStreamTruncated
			}
			switch event.Type {
			case RunTextDelta:
				s.mu.Lock()
				s.liveText.WriteString(event.Text)
				s.mu.Unlock()
			case RunReasoningDelta:
				s.mu.Lock()
				s.liveReasoning.WriteString(event.Text)
				s.mu.Unlock()
			case RunCommandPending:
				s.mu.Lock()
				s.liveCommand = event.Text
				s.mu.Unlock()
			case RunItem:
				if err := s.onCommandItem(event.Item, event.Command, outcome); err != nil {
					s.runner.Abort()
					return nil, err
				}
			case RunDone:
				return s.onRunDone(event.Result, outcome)
			case RunError:
				var maxTurns *MaxTurnsError
				if errors.As(event.Err, &maxTurns) {
					return s.onMaxTurns(outcome, maxTurns.Usage), nil
				}
				return nil, event.Err
			}
		}
	}
}

// onCommandItem seals accumulated reasoning and text before the command so
// the transcript never shows tool output ahead of the generation that caused
// it, then records the command under its composite id.
func (s *Session) onCommandItem(item *llm.Item, command *types.CommandResult, outcome *TurnOutcome) error {
	if item == nil {
		return nil
	}
	s.mu.Lock()
	s.flushReasoningLocked(outcome)
	s.flushTextLocked(outcome)
	s.liveCommand = ""
	id := compositeCallID(item.CallID, item.OutputIndex)
	if s.emitted[id] {
		s.mu.Unlock()
		return nil
	}
	s.emitted[id] = true
	s.messages = append(s.messages, types.Message{ID: id, Sender: types.SenderCommand, Command: command})
	outcome.Commands = append(outcome.Commands, command)

	failed := item.Success != nil && !*item.Success
	if failed && (command == nil || !command.IsApprovalRejection) {
		s.failures++
	} else if !failed {
		s.failures = 0
	}
	failures := s.failures
	s.mu.Unlock()

	if failures >= s.failureThreshold {
		return &ConsecutiveFailureError{Count: failures}
	}
	return nil
}

func (s *Session) onRunDone(result *RunResult, outcome *TurnOutcome) (*TurnOutcome, error) {
	if result == nil {
		return outcome, nil
	}
	if result.Interruption != nil {
		approval := &types.ApprovalRequest{
			AgentName:     result.Interruption.AgentName,
			ToolName:      result.Interruption.ToolName,
			ArgumentsText: result.Interruption.Arguments,
			Interruption:  result.Interruption,
		}
		messageID := uuid.NewString()
		s.mu.Lock()
		s.flushReasoningLocked(outcome)
		s.flushTextLocked(outcome)
		s.liveCommand = ""
		s.messages = append(s.messages, types.Message{ID: messageID, Sender: types.SenderApproval, Approval: approval})
		s.pending = &pendingApproval{
			interruption: result.Interruption,
			state:        result.State,
			messageID:    messageID,
		}
		s.state = StateApprovalPending
		s.usage.Add(result.Usage)
		s.mu.Unlock()
		outcome.Kind = OutcomeApprovalRequired
		outcome.Approval = approval
		return outcome, nil
	}

	s.mu.Lock()
	s.flushReasoningLocked(outcome)
	s.flushTextLocked(outcome)
	s.liveCommand = ""
	for _, item := range result.NewItems {
		if item.Type != llm.ItemFunctionCallOutput {
			continue
		}
		id := compositeCallID(item.CallID, item.OutputIndex)
		if s.emitted[id] {
			continue
		}
		s.emitted[id] = true
		command := &types.CommandResult{
			Command: item.Name,
			Output:  item.Output,
			Success: item.Success,
		}
		s.messages = append(s.messages, types.Message{ID: id, Sender: types.SenderCommand, Command: command})
		outcome.Commands = append(outcome.Commands, command)
	}
	s.usage.Add(result.Usage)
	s.state = StateIdle
	s.mu.Unlock()
	return outcome, nil
}

func (s *Session) onMaxTurns(outcome *TurnOutcome, usage types.Usage) *TurnOutcome {
	approval := &types.ApprovalRequest{
		AgentName:        "aide",
		ToolName:         "continue",
		ArgumentsText:    "The agent reached its turn limit. Continue working on the task?",
		IsMaxTurnsPrompt: true,
	}
	messageID := uuid.NewString()
	s.mu.Lock()
	s.flushReasoningLocked(outcome)
	s.flushTextLocked(outcome)
	s.messages = append(s.messages, types.Message{ID: messageID, Sender: types.SenderApproval, Approval: approval})
	s.pending = &pendingApproval{messageID: messageID, isMaxTurns: true}
	s.state = StateApprovalPending
	s.usage.Add(usage)
	s.liveCommand = ""
	s.mu.Unlock()
	outcome.Kind = OutcomeApprovalRequired
	outcome.Approval = approval
	return outcome
}

func (s *Session) finishWithError(err error) {
	s.discardLive()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	if err == nil || llm.IsCancellation(err) {
		return
	}
	s.messages = append(s.messages, types.Message{
		ID:     uuid.NewString(),
		Sender: types.SenderSystem,
		Text:   "Error: " + err.Error(),
	})
}

// discardLive drops partially accumulated stream text. Messages already
// committed stay.
func (s *Session) discardLive() {
	s.mu.Lock()
	s.liveText.Reset()
	s.liveReasoning.Reset()
	s.liveCommand = ""
	s.mu.Unlock()
}

func (s *Session) flushReasoningLocked(outcome *TurnOutcome) {
	text := s.liveReasoning.String()
	s.liveReasoning.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	s.messages = append(s.messages, types.Message{ID: uuid.NewString(), Sender: types.SenderReasoning, Text: text})
	if outcome != nil {
		if outcome.ReasoningText != "" {
			outcome.ReasoningText += "\n\n"
		}
		outcome.ReasoningText += text
	}
}

func (s *Session) flushTextLocked(outcome *TurnOutcome) {
	text := s.liveText.String()
	s.liveText.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	s.messages = append(s.messages, types.Message{ID: uuid.NewString(), Sender: types.SenderBot, Text: text})
	if outcome != nil {
		if outcome.FinalText != "" {
			outcome.FinalText += "\n\n"
		}
		outcome.FinalText += text
	}
}

func compositeCallID(callID string, outputIndex int) string {
	return callID + "#" + strconv.Itoa(outputIndex)
}
