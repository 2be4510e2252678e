package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"aide/internal/logging"
	"aide/internal/types"
)

// AnthropicModel speaks the Messages API through the official SDK. Anthropic
// has no server-side turn chaining, so full prior turns come from the shared
// history store keyed by the continuation token we hand back in Response.ID.
type AnthropicModel struct {
	client    anthropic.Client
	model     string
	maxTokens int
	history   *HistoryStore
	logger    logging.Logger
}

func NewAnthropicModel(deps Deps) (Model, error) {
	key := deps.Settings.AnthropicAPIKey()
	if key == "" {
		return nil, &ConfigurationError{Provider: "anthropic", Setting: "providers.anthropic.api_key"}
	}
	if deps.History == nil {
		return nil, errors.New("anthropic model requires a history store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	opts := []aoption.RequestOption{
		aoption.WithAPIKey(key),
		aoption.WithMaxRetries(deps.Settings.RetryMaxAttempts()),
	}
	if baseURL := deps.Settings.AnthropicBaseURL(); baseURL != "" {
		opts = append(opts, aoption.WithBaseURL(baseURL))
	}
	return &AnthropicModel{
		client:    anthropic.NewClient(opts...),
		model:     deps.Settings.AnthropicModel(),
		maxTokens: deps.Settings.AnthropicMaxTokens(),
		history:   deps.History,
		logger:    logger.With(logging.F("provider", "anthropic")),
	}, nil
}

func (m *AnthropicModel) ClearHistory(token string) {
	if token == "" {
		return
	}
	m.history.Clear(token)
}

// RollbackTurn undoes the latest committed turn for token so a retried
// request does not replay a response the consumer rejected.
func (m *AnthropicModel) RollbackTurn(token string) {
	m.history.RollbackLastTurn(token)
}

func (m *AnthropicModel) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	token := strings.TrimSpace(req.PreviousResponseID)
	if token == "" {
		token = "an_" + uuid.NewString()
	}
	prior := m.history.History(token)
	merged := append(append([]Item{}, prior...), req.Input...)

	model := strings.TrimSpace(req.Settings.Model)
	if model == "" {
		model = m.model
	}
	maxTokens := req.Settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  buildAnthropicMessages(merged),
	}
	if system := strings.TrimSpace(req.SystemInstructions); system != "" {
		params.System = []anthropic.TextBlockParam{{
			Text:         system,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}
	if req.Settings.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Settings.Temperature)
	}
	if req.Settings.TopP != nil {
		params.TopP = anthropic.Float(*req.Settings.TopP)
	}
	if budget := anthropicThinkingBudget(req.Settings.ReasoningEffort); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	if tools := buildAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	events := make(chan StreamEvent, 64)
	go m.run(ctx, token, req.Input, params, events)
	return events, nil
}

func (m *AnthropicModel) run(ctx context.Context, token string, input []Item, params anthropic.MessageNewParams, events chan<- StreamEvent) {
	defer close(events)

	emit := func(event StreamEvent) bool {
		select {
		case events <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	stream := m.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	starts := map[int64]anthropic.ContentBlockStartEvent{}
	args := map[int64]*strings.Builder{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			emit(StreamEvent{Type: EventError, Err: err})
			return
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			starts[ev.Index] = ev
			if ev.ContentBlock.Type == "tool_use" {
				args[ev.Index] = &strings.Builder{}
				ok := emit(StreamEvent{Type: EventToolCallStart, Call: &ToolCall{
					CallID:      ev.ContentBlock.ID,
					Name:        ev.ContentBlock.Name,
					Arguments:   "{}",
					OutputIndex: int(ev.Index),
				}})
				if !ok {
					return
				}
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" && !emit(StreamEvent{Type: EventTextDelta, Text: delta.Text}) {
					return
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking != "" && !emit(StreamEvent{Type: EventReasoningDelta, Text: delta.Thinking}) {
					return
				}
			case anthropic.InputJSONDelta:
				if buf := args[ev.Index]; buf != nil {
					buf.WriteString(delta.PartialJSON)
				}
			}
		case anthropic.ContentBlockStopEvent:
			start, ok := starts[ev.Index]
			if !ok || start.ContentBlock.Type != "tool_use" {
				continue
			}
			arguments := "{}"
			if buf := args[ev.Index]; buf != nil {
				arguments = nonEmptyArgs(buf.String())
			}
			ok = emit(StreamEvent{Type: EventToolCallDone, Call: &ToolCall{
				CallID:      start.ContentBlock.ID,
				Name:        start.ContentBlock.Name,
				Arguments:   arguments,
				OutputIndex: int(ev.Index),
			}})
			if !ok {
				return
			}
		}
	}
	if err := stream.Err(); err != nil {
		emit(StreamEvent{Type: EventError, Err: mapAnthropicError(err)})
		return
	}

	output := convertAnthropicOutput(message)
	response := &Response{
		ID:     token,
		Output: output,
		Usage: types.Usage{
			InputTokens:  message.Usage.InputTokens,
			OutputTokens: message.Usage.OutputTokens,
			TotalTokens:  message.Usage.InputTokens + message.Usage.OutputTokens,
		},
	}
	m.history.MergeTurn(token, input, output)
	m.logger.Debug("stream_done",
		logging.F("token", token),
		logging.F("stop_reason", string(message.StopReason)),
		logging.F("input_tokens", response.Usage.InputTokens),
		logging.F("output_tokens", response.Usage.OutputTokens),
	)
	emit(StreamEvent{Type: EventResponseDone, Response: response})
}

func anthropicThinkingBudget(effort string) int64 {
	switch strings.ToLower(strings.TrimSpace(effort)) {
	case "low", "minimal":
		return 1024
	case "medium", ReasoningEffortDefault:
		return 4096
	case "high":
		return 16384
	default:
		return 0
	}
}

// buildAnthropicMessages folds the item list into alternating message params.
// Assistant-side items (thinking, text, tool_use) coalesce into one assistant
// message so a tool_use block keeps its preceding thinking block, as the API
// requires when thinking is enabled.
func buildAnthropicMessages(items []Item) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var assistant []anthropic.ContentBlockParamUnion
	var user []anthropic.ContentBlockParamUnion

	flushAssistant := func() {
		if len(assistant) > 0 {
			out = append(out, anthropic.NewAssistantMessage(assistant...))
			assistant = nil
		}
	}
	flushUser := func() {
		if len(user) > 0 {
			out = append(out, anthropic.NewUserMessage(user...))
			user = nil
		}
	}

	for _, item := range items {
		switch item.Type {
		case ItemMessage:
			text := strings.TrimSpace(item.Text)
			if text == "" {
				continue
			}
			if item.Role == "assistant" {
				flushUser()
				assistant = append(assistant, anthropic.NewTextBlock(item.Text))
			} else {
				flushAssistant()
				user = append(user, anthropic.NewTextBlock(item.Text))
			}
		case ItemReasoning:
			if item.Encrypted != "" {
				flushUser()
				assistant = append(assistant, anthropic.ContentBlockParamUnion{
					OfRedactedThinking: &anthropic.RedactedThinkingBlockParam{
						Data: item.Encrypted,
					},
				})
				continue
			}
			if strings.TrimSpace(item.Summary) == "" || strings.TrimSpace(item.Signature) == "" {
				continue
			}
			flushUser()
			assistant = append(assistant, anthropic.ContentBlockParamUnion{
				OfThinking: &anthropic.ThinkingBlockParam{
					Thinking:  item.Summary,
					Signature: item.Signature,
				},
			})
		case ItemFunctionCall:
			flushUser()
			assistant = append(assistant, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    item.CallID,
					Name:  item.Name,
					Input: json.RawMessage(nonEmptyArgs(item.Arguments)),
				},
			})
		case ItemFunctionCallOutput:
			flushAssistant()
			isError := item.Success != nil && !*item.Success
			toolResult := anthropic.NewToolResultBlock(item.CallID)
			toolResult.OfToolResult.Content = []anthropic.ToolResultBlockParamContentUnion{
				{OfText: &anthropic.TextBlockParam{Text: item.Output}},
			}
			toolResult.OfToolResult.IsError = anthropic.Bool(isError)
			user = append(user, toolResult)
		}
	}
	flushAssistant()
	flushUser()
	markLastUserTextAnchor(out)
	return out
}

// markLastUserTextAnchor sets an ephemeral cache point on the final user text
// block so the prefix up to the latest turn is reusable on the next request.
func markLastUserTextAnchor(messages []anthropic.MessageParam) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != anthropic.MessageParamRoleUser {
			continue
		}
		blocks := messages[i].Content
		for j := len(blocks) - 1; j >= 0; j-- {
			if blocks[j].OfText != nil {
				blocks[j].OfText.CacheControl = anthropic.NewCacheControlEphemeralParam()
				return
			}
		}
		return
	}
}

func buildAnthropicTools(defs []ToolDef) []anthropic.ToolUnionParam {
	defs = FunctionTools(defs)
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		if len(def.Parameters) > 0 {
			_ = json.Unmarshal(def.Parameters, &schema)
		}
		tool := &anthropic.ToolParam{
			Name: def.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}
		if desc := strings.TrimSpace(def.Description); desc != "" {
			tool.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: tool})
	}
	return out
}

func convertAnthropicOutput(message anthropic.Message) []Item {
	var out []Item
	for i, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.ThinkingBlock:
			out = append(out, Item{
				Type:      ItemReasoning,
				Summary:   variant.Thinking,
				Signature: variant.Signature,
			})
		case anthropic.RedactedThinkingBlock:
			// Opaque to us, but the API requires it back verbatim when the
			// turn goes on to call a tool.
			out = append(out, Item{
				Type:      ItemReasoning,
				Encrypted: variant.Data,
			})
		case anthropic.TextBlock:
			if strings.TrimSpace(variant.Text) == "" {
				continue
			}
			out = append(out, AssistantMessage(variant.Text))
		case anthropic.ToolUseBlock:
			out = append(out, Item{
				Type:        ItemFunctionCall,
				CallID:      variant.ID,
				Name:        variant.Name,
				Arguments:   nonEmptyArgs(string(variant.Input)),
				OutputIndex: i,
			})
		}
	}
	return out
}

func mapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	out := &ProviderError{
		Message: apiErr.Error(),
		Status:  apiErr.StatusCode,
	}
	if apiErr.Response != nil {
		out.Headers = apiErr.Response.Header.Clone()
	}
	return out
}

var _ HistoryClearer = (*AnthropicModel)(nil)
var _ TurnRollbacker = (*AnthropicModel)(nil)
