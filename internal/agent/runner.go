package agent

import (
	"context"
	"errors"
	"strings"
	"sync"

	"aide/internal/llm"
	"aide/internal/logging"
	"aide/internal/types"
)

type RunEventType string

const (
	RunTextDelta      RunEventType = "run_text_delta"
	RunReasoningDelta RunEventType = "run_reasoning_delta"
	RunCommandPending RunEventType = "run_command_pending"
	RunItem           RunEventType = "run_item"
	RunDone           RunEventType = "run_done"
	RunError          RunEventType = "run_error"
)

// RunEvent is one entry in a run's event stream. RunCommandPending announces
// a tool call the model is composing or that awaits execution, with Text as
// its display form. RunItem events carry a finalized function_call_output
// item together with its display form; the stream terminates with exactly one
// RunDone or RunError.
type RunEvent struct {
	Type    RunEventType
	Text    string
	Item    *llm.Item
	Command *types.CommandResult
	Result  *RunResult
	Err     error
}

// RunResult closes one run segment. A non-nil Interruption means the run
// suspended on an approval and must be resumed through ContinueRunStream with
// the same State after the interruption is resolved.
type RunResult struct {
	NewItems     []llm.Item
	Usage        types.Usage
	Token        string
	Interruption *types.Interruption
	State        *RunState
}

// RunStream is one live run segment.
type RunStream struct {
	events <-chan RunEvent
}

func (s *RunStream) Events() <-chan RunEvent {
	return s.events
}

type RunConfig struct {
	Name         string
	Instructions string
	Model        llm.Model
	Tools        []*Tool
	Settings     llm.Settings
	MaxTurns     int
	Backoff      llm.Backoff
	Logger       logging.Logger
}

// RunClient wraps the agent loop: provider round-trips interleaved with tool
// execution until the model stops calling tools, the turn budget runs out, or
// a call suspends on approval. One operation is in flight at a time; starting
// a new one cancels its predecessor.
type RunClient struct {
	name         string
	instructions string
	model        llm.Model
	tools        map[string]*Tool
	defs         []llm.ToolDef
	settings     llm.Settings
	maxTurns     int
	backoff      llm.Backoff
	logger       logging.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	token     string
	carryover []llm.Item
}

func NewRunClient(cfg RunConfig) *RunClient {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "aide"
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 20
	}
	tools := make(map[string]*Tool, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		tools[tool.Name] = tool
	}
	return &RunClient{
		name:         name,
		instructions: cfg.Instructions,
		model:        cfg.Model,
		tools:        tools,
		defs:         Defs(cfg.Tools),
		settings:     cfg.Settings,
		maxTurns:     maxTurns,
		backoff:      cfg.Backoff,
		logger:       logger,
	}
}

// StartStream begins a fresh run from one user message, chaining onto the
// prior turn's continuation token when one exists. Outputs carried over from
// an abandoned run ride ahead of the message so the provider history never
// holds an unanswered tool call.
func (r *RunClient) StartStream(ctx context.Context, text string) *RunStream {
	runCtx := r.beginOperation(ctx)
	state := newRunState(r.continuationToken())
	input := append(r.takeCarryover(), llm.UserMessage(text))
	events := make(chan RunEvent, 64)
	go r.loop(runCtx, state, input, events)
	return &RunStream{events: events}
}

// ContinueRunStream resumes a run suspended on an approval. The pending
// call's decision must already be resolved on state.
func (r *RunClient) ContinueRunStream(ctx context.Context, state *RunState) *RunStream {
	runCtx := r.beginOperation(ctx)
	events := make(chan RunEvent, 64)
	go r.loop(runCtx, state, r.takeCarryover(), events)
	return &RunStream{events: events}
}

// Abort cancels the in-flight operation, if any. Safe to call when idle.
func (r *RunClient) Abort() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AbandonRun resolves a suspended run that will never be resumed. Outputs the
// run produced but had not yet delivered, plus synthetic rejections for every
// call still queued, are carried into the next turn's input so the
// continuation state is not left with unanswered tool calls.
func (r *RunClient) AbandonRun(state *RunState, reason string) {
	if state == nil {
		return
	}
	items := append([]llm.Item{}, state.outputs...)
	for _, call := range state.queue {
		item, _ := rejectionResult(r.tools[call.Name], call, reason)
		items = append(items, item)
	}
	state.queue = nil
	state.outputs = nil
	if len(items) == 0 {
		return
	}
	r.mu.Lock()
	r.carryover = append(r.carryover, items...)
	r.mu.Unlock()
}

// stashOutputs keeps executed-but-undelivered tool outputs for the next
// turn's input. The last committed provider turn ends with the calls these
// answer; dropping them would leave the continuation state rejecting every
// subsequent request.
func (r *RunClient) stashOutputs(items []llm.Item) {
	var keep []llm.Item
	for _, item := range items {
		if item.Type == llm.ItemFunctionCallOutput {
			keep = append(keep, item)
		}
	}
	if len(keep) == 0 {
		return
	}
	r.mu.Lock()
	r.carryover = append(r.carryover, keep...)
	r.mu.Unlock()
}

func (r *RunClient) takeCarryover() []llm.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.carryover
	r.carryover = nil
	return items
}

// ClearHistory forgets the continuation token and, for providers keeping
// client-side canonical history, drops that history too.
func (r *RunClient) ClearHistory() {
	r.mu.Lock()
	token := r.token
	r.token = ""
	r.carryover = nil
	r.mu.Unlock()
	if token == "" {
		return
	}
	if clearer, ok := r.model.(llm.HistoryClearer); ok {
		clearer.ClearHistory(token)
	}
}

func (r *RunClient) beginOperation(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	prev := r.cancel
	r.cancel = cancel
	r.mu.Unlock()
	if prev != nil {
		prev()
	}
	return runCtx
}

func (r *RunClient) continuationToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

func (r *RunClient) setContinuationToken(token string) {
	r.mu.Lock()
	r.token = token
	r.mu.Unlock()
}

// loop drives one run segment: drain any suspended tool queue, then alternate
// provider round-trips with tool execution. It suspends by emitting a RunDone
// whose Result carries the interruption and state.
func (r *RunClient) loop(ctx context.Context, state *RunState, input []llm.Item, events chan<- RunEvent) {
	defer close(events)

	logger := logging.WithCorrelation(r.logger, logging.NewCorrelationID())
	emit := func(event RunEvent) bool {
		select {
		case events <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}
	// Terminal events must reach a consumer even when the context is already
	// cancelled; the buffered channel absorbs them so a closed stream always
	// carried its verdict first.
	terminal := func(event RunEvent) {
		select {
		case events <- event:
		case <-ctx.Done():
			select {
			case events <- event:
			default:
			}
		}
	}
	fail := func(err error) {
		if llm.IsCancellation(err) {
			logger.Debug("run_cancelled")
		} else {
			logger.Error("run_failed", logging.F("error", err.Error()))
		}
		terminal(RunEvent{Type: RunError, Err: err})
	}

	var collected []llm.Item
	var usage types.Usage
	startToken := state.token
	var firstInput []llm.Item
	committed := 0

	for {
		interruption, err := r.drainQueue(ctx, state, &collected, emit)
		if err != nil {
			r.stashOutputs(state.outputs)
			state.outputs = nil
			fail(err)
			return
		}
		if interruption != nil {
			logger.Info("run_suspended",
				logging.F("tool", interruption.ToolName),
				logging.F("call_id", interruption.CallID),
			)
			terminal(RunEvent{Type: RunDone, Result: &RunResult{
				NewItems:     collected,
				Usage:        usage,
				Token:        state.token,
				Interruption: interruption,
				State:        state,
			}})
			return
		}
		input = append(input, state.outputs...)
		state.outputs = nil

		if state.turn >= r.maxTurns {
			r.stashOutputs(input)
			fail(&MaxTurnsError{Limit: r.maxTurns, Usage: usage})
			return
		}
		state.turn++

		if committed == 0 {
			firstInput = append([]llm.Item{}, input...)
		}
		response, err := r.roundTrip(ctx, state.token, input, logger, emit)
		if err != nil {
			r.stashOutputs(input)
			fail(err)
			return
		}
		state.token = response.ID
		r.setContinuationToken(response.ID)
		collected = append(collected, response.Output...)
		usage.Add(response.Usage)
		committed++
		input = nil

		calls := functionCalls(response.Output)
		if len(calls) == 0 {
			terminal(RunEvent{Type: RunDone, Result: &RunResult{
				NewItems: collected,
				Usage:    usage,
				Token:    state.token,
				State:    state,
			}})
			return
		}
		for _, call := range calls {
			if _, ok := r.tools[call.Name]; !ok {
				r.rewindSegment(state, startToken, committed, firstInput)
				fail(NewHallucinatedToolError(call.Name, r.name))
				return
			}
		}
		state.queue = calls
	}
}

// rewindSegment undoes a run segment the session is about to retry from
// scratch. Client-side history drops the segment's committed turns and the
// continuation token reverts to the segment's start, so the retry neither
// replays an unanswered tool call nor duplicates the user message. Tool
// outputs from the segment's opening input answer calls that predate the
// segment and go back into the carryover for the retry to resend; the user
// message itself is re-supplied by the retry, and outputs consumed by later
// round-trips answered calls the rewind just erased, so they are dropped
// with them.
func (r *RunClient) rewindSegment(state *RunState, startToken string, committed int, firstInput []llm.Item) {
	if rollbacker, ok := r.model.(llm.TurnRollbacker); ok {
		for i := 0; i < committed; i++ {
			rollbacker.RollbackTurn(state.token)
		}
	}
	state.token = startToken
	r.setContinuationToken(startToken)

	var restore []llm.Item
	for _, item := range firstInput {
		if item.Type == llm.ItemMessage && item.Role != "assistant" {
			continue
		}
		restore = append(restore, item)
	}
	if len(restore) == 0 {
		return
	}
	r.mu.Lock()
	r.carryover = append(restore, r.carryover...)
	r.mu.Unlock()
}

// drainQueue works through the current turn's remaining tool calls. It
// returns a non-nil interruption when the head call needs approval and has no
// resolved decision yet.
func (r *RunClient) drainQueue(ctx context.Context, state *RunState, collected *[]llm.Item, emit func(RunEvent) bool) (*types.Interruption, error) {
	for len(state.queue) > 0 {
		call := state.queue[0]
		tool := r.tools[call.Name]
		if tool == nil {
			return nil, NewHallucinatedToolError(call.Name, r.name)
		}

		var item llm.Item
		var command *types.CommandResult
		if tool.needsApproval(call.Arguments) {
			d, ok := state.handleFor(call.CallID).take()
			if !ok {
				return &types.Interruption{
					CallID:      call.CallID,
					AgentName:   r.name,
					ToolName:    call.Name,
					Arguments:   call.Arguments,
					OutputIndex: call.OutputIndex,
				}, nil
			}
			if d.approved {
				r.logger.Security("tool_approved", logging.F("tool", call.Name), logging.F("call_id", call.CallID))
				item, command = r.execute(ctx, tool, call)
			} else {
				r.logger.Security("tool_rejected", logging.F("tool", call.Name), logging.F("call_id", call.CallID))
				item, command = rejectionResult(tool, call, d.reason)
			}
		} else {
			item, command = r.execute(ctx, tool, call)
		}

		state.queue = state.queue[1:]
		state.outputs = append(state.outputs, item)
		*collected = append(*collected, item)
		itemCopy := item
		if !emit(RunEvent{Type: RunItem, Item: &itemCopy, Command: command}) {
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

func (r *RunClient) execute(ctx context.Context, tool *Tool, call llm.ToolCall) (llm.Item, *types.CommandResult) {
	output, err := tool.Execute(ctx, call.Arguments)
	success := err == nil
	failureReason := ""
	if err != nil {
		failureReason = err.Error()
		if strings.TrimSpace(output) == "" {
			output = "Error: " + err.Error()
		}
	}
	item := llm.Item{
		Type:        llm.ItemFunctionCallOutput,
		CallID:      call.CallID,
		Name:        call.Name,
		Output:      output,
		OutputIndex: call.OutputIndex,
		Success:     types.BoolPtr(success),
	}
	return item, CommandOf(tool, call, output, types.BoolPtr(success), failureReason)
}

func rejectionResult(tool *Tool, call llm.ToolCall, reason string) (llm.Item, *types.CommandResult) {
	output := "Tool execution was rejected by the user."
	if reason = strings.TrimSpace(reason); reason != "" {
		output += " Reason: " + reason
	}
	item := llm.Item{
		Type:        llm.ItemFunctionCallOutput,
		CallID:      call.CallID,
		Name:        call.Name,
		Output:      output,
		OutputIndex: call.OutputIndex,
		Success:     types.BoolPtr(false),
	}
	command := CommandOf(tool, call, output, types.BoolPtr(false), reason)
	command.IsApprovalRejection = true
	return item, command
}

// roundTrip performs one provider call, forwarding deltas live. Transient
// failures are retried with backoff, but only while nothing user-visible has
// been emitted for this round-trip.
func (r *RunClient) roundTrip(ctx context.Context, token string, input []llm.Item, logger logging.Logger, emit func(RunEvent) bool) (*llm.Response, error) {
	req := llm.Request{
		SystemInstructions: r.instructions,
		Input:              input,
		Settings:           r.settings,
		Tools:              r.defs,
		PreviousResponseID: token,
	}
	attempts := r.backoff.Attempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			logger.Warn("stream_retry", logging.F("attempt", attempt))
			if err := llm.Sleep(ctx, r.backoff.Delay(attempt-1, llm.RetryAfterOf(lastErr))); err != nil {
				return nil, err
			}
		}
		logger.Debug("stream_start", logging.F("items", len(input)))
		stream, err := r.model.Stream(ctx, req)
		if err != nil {
			lastErr = err
			if llm.IsRetryable(err) {
				continue
			}
			return nil, err
		}
		response, emitted, err := r.consume(ctx, stream, emit)
		if err != nil {
			lastErr = err
			if !emitted && llm.IsRetryable(err) {
				continue
			}
			return nil, err
		}
		logger.Debug("stream_end", logging.F("response_id", response.ID))
		return response, nil
	}
	return nil, lastErr
}

func (r *RunClient) consume(ctx context.Context, stream <-chan llm.StreamEvent, emit func(RunEvent) bool) (*llm.Response, bool, error) {
	emitted := false
	var response *llm.Response
	for {
		select {
		case <-ctx.Done():
			return nil, emitted, ctx.Err()
		case event, ok := <-stream:
			if !ok {
				if response == nil {
					return nil, emitted, errors.New("stream closed without a terminal event")
				}
				return response, emitted, nil
			}
			switch event.Type {
			case llm.EventTextDelta:
				emitted = true
				if !emit(RunEvent{Type: RunTextDelta, Text: event.Text}) {
					return nil, emitted, ctx.Err()
				}
			case llm.EventReasoningDelta:
				emitted = true
				if !emit(RunEvent{Type: RunReasoningDelta, Text: event.Text}) {
					return nil, emitted, ctx.Err()
				}
			case llm.EventToolCallStart, llm.EventToolCallDone:
				if event.Call == nil {
					continue
				}
				// Announce the call so the UI can show what is about to run;
				// the arguments firm up between start and done.
				text := event.Call.Name
				if tool := r.tools[event.Call.Name]; tool != nil {
					text = tool.commandText(event.Call.Arguments)
				}
				if !emit(RunEvent{Type: RunCommandPending, Text: text}) {
					return nil, emitted, ctx.Err()
				}
			case llm.EventResponseDone:
				response = event.Response
			case llm.EventError:
				return nil, emitted, event.Err
			}
		}
	}
}

func functionCalls(items []llm.Item) []llm.ToolCall {
	var out []llm.ToolCall
	for _, item := range items {
		if item.Type != llm.ItemFunctionCall {
			continue
		}
		out = append(out, llm.ToolCall{
			CallID:      item.CallID,
			Name:        item.Name,
			Arguments:   item.Arguments,
			OutputIndex: item.OutputIndex,
		})
	}
	return out
}
