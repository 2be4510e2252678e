package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"aide/internal/logging"
	"aide/internal/types"
)

// OpenAIModel speaks the OpenAI Responses API. The provider chains turns
// server-side via previous_response_id, so the history store is bypassed and
// reasoning continuity is the server's problem rather than ours.
type OpenAIModel struct {
	client openai.Client
	model  string
	effort string
	logger logging.Logger
}

func NewOpenAIModel(deps Deps) (Model, error) {
	key := deps.Settings.OpenAIAPIKey()
	if key == "" {
		return nil, &ConfigurationError{Provider: "openai", Setting: "providers.openai.api_key"}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	opts := []ooption.RequestOption{
		ooption.WithAPIKey(key),
		ooption.WithMaxRetries(deps.Settings.RetryMaxAttempts()),
	}
	if baseURL := deps.Settings.OpenAIBaseURL(); baseURL != "" {
		opts = append(opts, ooption.WithBaseURL(baseURL))
	}
	return &OpenAIModel{
		client: openai.NewClient(opts...),
		model:  deps.Settings.OpenAIModel(),
		effort: deps.Settings.OpenAIReasoningEffort(),
		logger: logger.With(logging.F("provider", "openai")),
	}, nil
}

func (m *OpenAIModel) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	model := strings.TrimSpace(req.Settings.Model)
	if model == "" {
		model = m.model
	}
	params := oresponses.ResponseNewParams{
		Model: oshared.ResponsesModel(model),
	}
	if instructions := strings.TrimSpace(req.SystemInstructions); instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	if prev := strings.TrimSpace(req.PreviousResponseID); prev != "" {
		params.PreviousResponseID = openai.String(prev)
	}
	if req.Settings.Temperature != nil {
		params.Temperature = openai.Float(*req.Settings.Temperature)
	}
	if req.Settings.TopP != nil {
		params.TopP = openai.Float(*req.Settings.TopP)
	}
	if req.Settings.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.Settings.MaxTokens))
	}
	// For this provider an absent effort means "use the provider default", so
	// both "" and "default" leave the field unset.
	if effort := strings.ToLower(strings.TrimSpace(req.Settings.ReasoningEffort)); effort != "" && effort != ReasoningEffortDefault {
		params.Reasoning = oshared.ReasoningParam{Effort: oshared.ReasoningEffort(effort)}
	} else if m.effort != "" && m.effort != ReasoningEffortDefault {
		params.Reasoning = oshared.ReasoningParam{Effort: oshared.ReasoningEffort(m.effort)}
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: buildResponsesInput(req.Input)}
	if tools := buildResponsesTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	events := make(chan StreamEvent, 64)
	go m.run(ctx, params, events)
	return events, nil
}

func (m *OpenAIModel) run(ctx context.Context, params oresponses.ResponseNewParams, events chan<- StreamEvent) {
	defer close(events)

	stream := m.client.Responses.NewStreaming(ctx, params)
	emit := func(event StreamEvent) bool {
		select {
		case events <- event:
			return true
		case <-ctx.Done():
			return false
		}
	}

	partials := map[string]*responsesPartialCall{}
	partial := func(itemID string) *responsesPartialCall {
		itemID = strings.TrimSpace(itemID)
		if itemID == "" {
			return nil
		}
		if pc := partials[itemID]; pc != nil {
			return pc
		}
		pc := &responsesPartialCall{itemID: itemID, callID: itemID, outputIndex: -1}
		partials[itemID] = pc
		return pc
	}

	var completed oresponses.Response
	gotCompleted := false

	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			if delta := event.Delta.OfString; delta != "" {
				if !emit(StreamEvent{Type: EventTextDelta, Text: delta}) {
					return
				}
			}
		case "response.reasoning_summary_text.delta":
			if delta := event.Delta.OfString; delta != "" {
				if !emit(StreamEvent{Type: EventReasoningDelta, Text: delta}) {
					return
				}
			}
		case "response.output_item.added":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := partial(item.ID)
			if pc == nil {
				continue
			}
			if pc.outputIndex < 0 {
				pc.outputIndex = int(event.OutputIndex)
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.callID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.name = name
			}
			if !pc.started && pc.name != "" {
				pc.started = true
				if !emit(StreamEvent{Type: EventToolCallStart, Call: pc.toolCall()}) {
					return
				}
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" {
				pc.arguments.WriteString(raw)
			}
		case "response.function_call_arguments.delta":
			pc := partial(event.ItemID)
			if pc == nil {
				continue
			}
			if delta := event.Delta.OfString; delta != "" {
				pc.arguments.WriteString(delta)
			}
		case "response.function_call_arguments.done":
			pc := partial(event.ItemID)
			if pc == nil {
				continue
			}
			if raw := strings.TrimSpace(event.Arguments.OfString); raw != "" {
				pc.arguments.Reset()
				pc.arguments.WriteString(raw)
			}
		case "response.output_item.done":
			item := event.Item
			if strings.TrimSpace(item.Type) != "function_call" {
				continue
			}
			pc := partial(item.ID)
			if pc == nil || pc.done {
				continue
			}
			if cid := strings.TrimSpace(item.CallID); cid != "" {
				pc.callID = cid
			}
			if name := strings.TrimSpace(item.Name); name != "" {
				pc.name = name
			}
			if raw := strings.TrimSpace(item.Arguments); raw != "" && strings.TrimSpace(pc.arguments.String()) == "" {
				pc.arguments.WriteString(raw)
			}
			pc.done = true
			if !emit(StreamEvent{Type: EventToolCallDone, Call: pc.toolCall()}) {
				return
			}
		case "response.completed":
			completed = event.Response
			gotCompleted = true
		}
	}
	if err := stream.Err(); err != nil {
		emit(StreamEvent{Type: EventError, Err: mapOpenAIError(err)})
		return
	}
	if !gotCompleted {
		emit(StreamEvent{Type: EventError, Err: errors.New("stream ended without response.completed")})
		return
	}

	response := &Response{
		ID:     completed.ID,
		Output: convertResponsesOutput(completed),
		Usage: types.Usage{
			InputTokens:  completed.Usage.InputTokens,
			OutputTokens: completed.Usage.OutputTokens,
			TotalTokens:  completed.Usage.TotalTokens,
		},
	}
	if response.Usage.TotalTokens == 0 {
		response.Usage.TotalTokens = response.Usage.InputTokens + response.Usage.OutputTokens
	}
	m.logger.Debug("stream_done",
		logging.F("response_id", response.ID),
		logging.F("input_tokens", response.Usage.InputTokens),
		logging.F("output_tokens", response.Usage.OutputTokens),
	)
	emit(StreamEvent{Type: EventResponseDone, Response: response})
}

type responsesPartialCall struct {
	itemID      string
	callID      string
	name        string
	outputIndex int
	arguments   strings.Builder
	started     bool
	done        bool
}

func (pc *responsesPartialCall) toolCall() *ToolCall {
	index := pc.outputIndex
	if index < 0 {
		index = 0
	}
	return &ToolCall{
		CallID:      pc.callID,
		Name:        pc.name,
		Arguments:   nonEmptyArgs(pc.arguments.String()),
		OutputIndex: index,
	}
}

func buildResponsesInput(items []Item) oresponses.ResponseInputParam {
	out := make(oresponses.ResponseInputParam, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case ItemMessage:
			role := oresponses.EasyInputMessageRoleUser
			if item.Role == "assistant" {
				role = oresponses.EasyInputMessageRoleAssistant
			}
			if strings.TrimSpace(item.Text) == "" {
				continue
			}
			out = append(out, oresponses.ResponseInputItemParamOfMessage(item.Text, role))
		case ItemFunctionCall:
			out = append(out, oresponses.ResponseInputItemParamOfFunctionCall(nonEmptyArgs(item.Arguments), item.CallID, item.Name))
		case ItemFunctionCallOutput:
			out = append(out, oresponses.ResponseInputItemParamOfFunctionCallOutput(item.CallID, item.Output))
		case ItemReasoning:
			// Reasoning continuity is held server-side by previous_response_id;
			// nothing to replay here.
		}
	}
	return out
}

func buildResponsesTools(defs []ToolDef) []oresponses.ToolUnionParam {
	defs = FunctionTools(defs)
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := map[string]any{}
		if len(def.Parameters) > 0 {
			_ = json.Unmarshal(def.Parameters, &schema)
		}
		out = append(out, oresponses.ToolParamOfFunction(def.Name, schema, false))
	}
	return out
}

func convertResponsesOutput(completed oresponses.Response) []Item {
	var out []Item
	for _, item := range completed.Output {
		switch strings.TrimSpace(item.Type) {
		case "message":
			var text strings.Builder
			for _, content := range item.Content {
				if strings.TrimSpace(content.Type) != "output_text" {
					continue
				}
				text.WriteString(content.Text)
			}
			if text.Len() == 0 {
				continue
			}
			out = append(out, AssistantMessage(text.String()))
		case "function_call":
			callID := strings.TrimSpace(item.CallID)
			if callID == "" {
				callID = strings.TrimSpace(item.ID)
			}
			out = append(out, Item{
				Type:      ItemFunctionCall,
				CallID:    callID,
				Name:      strings.TrimSpace(item.Name),
				Arguments: nonEmptyArgs(item.Arguments),
			})
		case "reasoning":
			var summary strings.Builder
			for _, part := range item.Summary {
				if summary.Len() > 0 {
					summary.WriteString("\n\n")
				}
				summary.WriteString(part.Text)
			}
			out = append(out, Item{
				Type:      ItemReasoning,
				Summary:   summary.String(),
				Encrypted: item.EncryptedContent,
			})
		}
	}
	return out
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
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
