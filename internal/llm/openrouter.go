package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"aide/internal/logging"
	"aide/internal/types"
)

const openRouterStreamDone = "[DONE]"

// OpenRouterModel speaks OpenRouter's OpenAI-compatible Chat Completions API
// over SSE. OpenRouter has no server-side conversation chaining, so the full
// history is rebuilt from the injected HistoryStore on every turn.
type OpenRouterModel struct {
	apiKey     string
	baseURL    string
	model      string
	effort     string
	httpClient *http.Client
	backoff    Backoff
	logger     logging.Logger
	history    *HistoryStore
}

func NewOpenRouterModel(deps Deps) (Model, error) {
	key := deps.Settings.OpenRouterAPIKey()
	if key == "" {
		return nil, &ConfigurationError{Provider: "openrouter", Setting: "providers.openrouter.api_key"}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	history := deps.History
	if history == nil {
		history = NewHistoryStore()
	}
	return &OpenRouterModel{
		apiKey:  key,
		baseURL: deps.Settings.OpenRouterBaseURL(),
		model:   deps.Settings.OpenRouterModel(),
		effort:  deps.Settings.OpenRouterReasoningEffort(),
		httpClient: &http.Client{
			Timeout: 0, // streaming; per-request lifetime comes from ctx
		},
		backoff: Backoff{
			Base:        deps.Settings.RetryBackoffBase(),
			Cap:         deps.Settings.RetryBackoffCap(),
			MaxAttempts: deps.Settings.RetryMaxAttempts(),
		},
		logger:  logger.With(logging.F("provider", "openrouter")),
		history: history,
	}, nil
}

func (m *OpenRouterModel) ClearHistory(token string) {
	if token == "" {
		m.history.Clear()
		return
	}
	m.history.Clear(token)
}

// RollbackTurn undoes the latest committed turn for token so a retried
// request does not replay a response the consumer rejected.
func (m *OpenRouterModel) RollbackTurn(token string) {
	m.history.RollbackLastTurn(token)
}

func (m *OpenRouterModel) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	token := strings.TrimSpace(req.PreviousResponseID)
	if token == "" {
		token = "or_" + uuid.NewString()
	}
	prior := m.history.History(token)
	full := make([]Item, 0, len(prior)+len(req.Input))
	full = append(full, prior...)
	full = append(full, req.Input...)

	model := strings.TrimSpace(req.Settings.Model)
	if model == "" {
		model = m.model
	}
	body := chatRequest{
		Model:            model,
		Messages:         buildChatMessages(req.SystemInstructions, full, model),
		Stream:           true,
		StreamOptions:    &chatStreamOptions{IncludeUsage: true},
		Temperature:      req.Settings.Temperature,
		TopP:             req.Settings.TopP,
		FrequencyPenalty: req.Settings.FrequencyPenalty,
		PresencePenalty:  req.Settings.PresencePenalty,
		Tools:            buildChatTools(req.Tools),
	}
	if req.Settings.MaxTokens > 0 {
		body.MaxTokens = req.Settings.MaxTokens
	}
	if effort := openRouterEffort(req.Settings.ReasoningEffort, m.effort); effort != "" {
		body.Reasoning = &chatReasoning{Effort: effort}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 64)
	go m.run(ctx, token, req.Input, payload, events)
	return events, nil
}

func (m *OpenRouterModel) run(ctx context.Context, token string, input []Item, payload []byte, events chan<- StreamEvent) {
	defer close(events)

	var lastErr error
	for attempt := 0; attempt < m.backoff.Attempts(); attempt++ {
		if attempt > 0 {
			delay := m.backoff.Delay(attempt-1, RetryAfterOf(lastErr))
			m.logger.Warn("stream_retry",
				logging.F("attempt", attempt),
				logging.F("delay", delay),
				logging.F("error", lastErr),
			)
			if err := Sleep(ctx, delay); err != nil {
				events <- StreamEvent{Type: EventError, Err: err}
				return
			}
		}
		emitted, err := m.attempt(ctx, token, input, payload, events)
		if err == nil {
			return
		}
		if emitted || !IsRetryable(err) {
			// Retrying after events reached the consumer would duplicate text.
			events <- StreamEvent{Type: EventError, Err: err}
			return
		}
		lastErr = err
	}
	events <- StreamEvent{Type: EventError, Err: lastErr}
}

// attempt performs one request/stream cycle. It reports whether any event was
// emitted so the caller can decide if a retry is still safe.
func (m *OpenRouterModel) attempt(ctx context.Context, token string, input []Item, payload []byte, events chan<- StreamEvent) (bool, error) {
	url := m.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return false, &ProviderError{
			Message: strings.TrimSpace(extractChatError(raw)),
			Status:  resp.StatusCode,
			Headers: resp.Header.Clone(),
			Body:    string(raw),
		}
	}

	acc := newChatAccumulator(token)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var dataLines []string
	emitted := false
	done := false

	flush := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		data := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		if strings.TrimSpace(data) == openRouterStreamDone {
			done = true
			return nil
		}
		outs, err := acc.consume([]byte(data))
		if err != nil {
			return err
		}
		for _, event := range outs {
			emitted = true
			select {
			case events <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return emitted, err
			}
			if done {
				break
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(line[len("data:"):]))
		}
	}
	if err := scanner.Err(); err != nil {
		return emitted, err
	}
	if !done {
		if err := flush(); err != nil {
			return emitted, err
		}
	}

	response := acc.finish()
	m.history.MergeTurn(token, input, response.Output)
	m.logger.Debug("stream_done",
		logging.F("duration", time.Since(start)),
		logging.F("input_tokens", response.Usage.InputTokens),
		logging.F("output_tokens", response.Usage.OutputTokens),
	)
	select {
	case events <- StreamEvent{Type: EventResponseDone, Response: response}:
	case <-ctx.Done():
		return true, ctx.Err()
	}
	return true, nil
}

func openRouterEffort(requested, configured string) string {
	effort := strings.ToLower(strings.TrimSpace(requested))
	if effort == "" {
		effort = strings.ToLower(strings.TrimSpace(configured))
	}
	// OpenRouter has no "default" effort; normalize to the mid tier instead of
	// dropping the field.
	if effort == ReasoningEffortDefault {
		return "medium"
	}
	return effort
}

// --- wire shapes ---

type chatRequest struct {
	Model            string             `json:"model"`
	Messages         []chatMessage      `json:"messages"`
	Stream           bool               `json:"stream"`
	StreamOptions    *chatStreamOptions `json:"stream_options,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	MaxTokens        int                `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	Tools            []chatTool         `json:"tools,omitempty"`
	Reasoning        *chatReasoning     `json:"reasoning,omitempty"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatReasoning struct {
	Effort string `json:"effort"`
}

type chatTool struct {
	Type     string          `json:"type"`
	Function chatFunctionDef `json:"function"`
}

type chatFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatMessage struct {
	Role             string            `json:"role"`
	Content          any               `json:"content,omitempty"`
	ToolCalls        []chatToolCall    `json:"tool_calls,omitempty"`
	ToolCallID       string            `json:"tool_call_id,omitempty"`
	ReasoningDetails []ReasoningDetail `json:"reasoning_details,omitempty"`
}

type chatContentPart struct {
	Type         string            `json:"type"`
	Text         string            `json:"text"`
	CacheControl *chatCacheControl `json:"cache_control,omitempty"`
}

type chatCacheControl struct {
	Type string `json:"type"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatStreamChunk struct {
	ID      string             `json:"id"`
	Choices []chatStreamChoice `json:"choices"`
	Usage   *wireUsage         `json:"usage,omitempty"`
	Error   *chatStreamError   `json:"error,omitempty"`
}

type chatStreamError struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

type chatStreamChoice struct {
	Delta        chatStreamDelta `json:"delta"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

type chatStreamDelta struct {
	Content          string               `json:"content,omitempty"`
	Reasoning        string               `json:"reasoning,omitempty"`
	ReasoningDetails []ReasoningDetail    `json:"reasoning_details,omitempty"`
	ToolCalls        []chatStreamToolCall `json:"tool_calls,omitempty"`
}

type chatStreamToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function chatFunctionCall `json:"function"`
}

func extractChatError(raw []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return string(raw)
}

// buildChatTools forwards only function-typed tools; built-in SDK tools have
// no representation in a plain function-calling wire format.
func buildChatTools(defs []ToolDef) []chatTool {
	defs = FunctionTools(defs)
	out := make([]chatTool, 0, len(defs))
	for _, def := range defs {
		out = append(out, chatTool{
			Type: "function",
			Function: chatFunctionDef{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}

// buildChatMessages walks the internal items into Chat Completions messages.
// Reasoning items are not representable as standalone messages; their
// reasoning_details ride on the nearest following assistant message so
// providers that validate reasoning continuity accept the replay.
func buildChatMessages(systemInstructions string, items []Item, model string) []chatMessage {
	anchored := useCacheAnchors(model)
	out := make([]chatMessage, 0, len(items)+1)
	if text := strings.TrimSpace(systemInstructions); text != "" {
		msg := chatMessage{Role: "system", Content: text}
		if anchored {
			msg.Content = []chatContentPart{{Type: "text", Text: text, CacheControl: &chatCacheControl{Type: "ephemeral"}}}
		}
		out = append(out, msg)
	}

	var pendingDetails []ReasoningDetail
	var pendingCalls []chatToolCall

	flushCalls := func() {
		if len(pendingCalls) == 0 {
			return
		}
		msg := chatMessage{Role: "assistant", ToolCalls: pendingCalls}
		if len(pendingDetails) > 0 {
			msg.ReasoningDetails = pendingDetails
			pendingDetails = nil
		}
		out = append(out, msg)
		pendingCalls = nil
	}

	for _, item := range items {
		switch item.Type {
		case ItemMessage:
			flushCalls()
			if strings.TrimSpace(item.Text) == "" {
				continue
			}
			msg := chatMessage{Role: item.Role, Content: item.Text}
			if msg.Role == "" {
				msg.Role = "user"
			}
			if msg.Role == "assistant" && len(pendingDetails) > 0 {
				msg.ReasoningDetails = pendingDetails
				pendingDetails = nil
			}
			out = append(out, msg)
		case ItemFunctionCall:
			pendingCalls = append(pendingCalls, chatToolCall{
				ID:   item.CallID,
				Type: "function",
				Function: chatFunctionCall{
					Name:      item.Name,
					Arguments: nonEmptyArgs(item.Arguments),
				},
			})
		case ItemFunctionCallOutput:
			flushCalls()
			output := item.Output
			if output == "" {
				output = "{}"
			}
			out = append(out, chatMessage{Role: "tool", Content: output, ToolCallID: item.CallID})
		case ItemReasoning:
			if len(item.ReasoningDetails) > 0 {
				pendingDetails = append(pendingDetails, item.ReasoningDetails...)
			}
		}
	}
	flushCalls()

	if anchored {
		markLastUserAnchor(out)
	}
	return out
}

// useCacheAnchors reports whether the target model family benefits from
// explicit prompt-cache breakpoints.
func useCacheAnchors(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "anthropic/")
}

// markLastUserAnchor marks the most recent user message as a cache anchor.
// Together with the system message that makes at most two anchors regardless
// of conversation length.
func markLastUserAnchor(messages []chatMessage) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != "user" {
			continue
		}
		if text, ok := messages[i].Content.(string); ok {
			messages[i].Content = []chatContentPart{{
				Type:         "text",
				Text:         text,
				CacheControl: &chatCacheControl{Type: "ephemeral"},
			}}
		}
		return
	}
}

func nonEmptyArgs(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	return args
}

// --- streaming reconstruction ---

type chatPartialCall struct {
	index     int
	id        string
	name      string
	arguments strings.Builder
	announced bool
	finished  bool
}

// chatAccumulator folds stream chunks into normalized events and the final
// response. Content chunks are deduplicated against the accumulated text
// because some gateways resend the whole string each chunk.
type chatAccumulator struct {
	token     string
	text      deltaTracker
	reasoning deltaTracker
	details   []ReasoningDetail
	calls     map[int]*chatPartialCall
	usage     types.Usage
}

func newChatAccumulator(token string) *chatAccumulator {
	return &chatAccumulator{token: token, calls: map[int]*chatPartialCall{}}
}

func (a *chatAccumulator) consume(data []byte) ([]StreamEvent, error) {
	var chunk chatStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Tolerate comment/keepalive payloads.
		return nil, nil
	}
	if chunk.Error != nil && chunk.Error.Message != "" {
		return nil, &ProviderError{Message: chunk.Error.Message, Status: http.StatusBadGateway}
	}
	var out []StreamEvent
	if chunk.Usage != nil {
		a.usage = NormalizeUsage(chunk.Usage)
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Reasoning != "" {
			if delta := a.reasoning.Push(choice.Delta.Reasoning); delta != "" {
				out = append(out, StreamEvent{Type: EventReasoningDelta, Text: delta})
			}
		}
		if len(choice.Delta.ReasoningDetails) > 0 {
			a.details = append(a.details, choice.Delta.ReasoningDetails...)
		}
		if choice.Delta.Content != "" {
			if delta := a.text.Push(choice.Delta.Content); delta != "" {
				out = append(out, StreamEvent{Type: EventTextDelta, Text: delta})
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			call := a.calls[tc.Index]
			if call == nil {
				call = &chatPartialCall{index: tc.Index}
				a.calls[tc.Index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.arguments.WriteString(tc.Function.Arguments)
			}
			if !call.announced && call.id != "" && call.name != "" {
				call.announced = true
				out = append(out, StreamEvent{Type: EventToolCallStart, Call: &ToolCall{
					CallID:      call.id,
					Name:        call.name,
					OutputIndex: call.index,
				}})
			}
		}
		if choice.FinishReason != "" {
			for _, call := range a.orderedCalls() {
				if call.finished {
					continue
				}
				call.finished = true
				out = append(out, StreamEvent{Type: EventToolCallDone, Call: &ToolCall{
					CallID:      call.id,
					Name:        call.name,
					Arguments:   nonEmptyArgs(call.arguments.String()),
					OutputIndex: call.index,
				}})
			}
		}
	}
	return out, nil
}

func (a *chatAccumulator) orderedCalls() []*chatPartialCall {
	out := make([]*chatPartialCall, 0, len(a.calls))
	for _, call := range a.calls {
		if call.id == "" || call.name == "" {
			continue
		}
		out = append(out, call)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

func (a *chatAccumulator) finish() *Response {
	var output []Item
	if len(a.details) > 0 || a.reasoning.Text() != "" {
		output = append(output, Item{
			Type:             ItemReasoning,
			Summary:          a.reasoning.Text(),
			ReasoningDetails: a.details,
		})
	}
	if text := a.text.Text(); text != "" {
		output = append(output, AssistantMessage(text))
	}
	for _, call := range a.orderedCalls() {
		output = append(output, Item{
			Type:        ItemFunctionCall,
			CallID:      call.id,
			Name:        call.name,
			Arguments:   nonEmptyArgs(call.arguments.String()),
			OutputIndex: call.index,
		})
	}
	return &Response{ID: a.token, Output: output, Usage: a.usage}
}

var _ HistoryClearer = (*OpenRouterModel)(nil)
var _ TurnRollbacker = (*OpenRouterModel)(nil)
