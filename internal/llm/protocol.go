package llm

import (
	"context"
	"encoding/json"

	"aide/internal/types"
)

// The internal item model. Every adapter translates between its provider's
// wire format and these items; raw provider shapes never leak past the
// adapter boundary.

type ItemType string

const (
	ItemMessage            ItemType = "message"
	ItemFunctionCall       ItemType = "function_call"
	ItemFunctionCallOutput ItemType = "function_call_output"
	ItemReasoning          ItemType = "reasoning"
)

type Item struct {
	Type ItemType `json:"type"`

	// message
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// function_call / function_call_output
	CallID      string `json:"call_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Arguments   string `json:"arguments,omitempty"`
	Output      string `json:"output,omitempty"`
	OutputIndex int    `json:"output_index,omitempty"`
	Success     *bool  `json:"success,omitempty"`

	// reasoning. Summary is display text; Encrypted and ReasoningDetails are
	// opaque provider payloads that must be replayed verbatim on the next turn.
	Summary          string            `json:"summary,omitempty"`
	Encrypted        string            `json:"encrypted,omitempty"`
	Signature        string            `json:"signature,omitempty"`
	ReasoningDetails []ReasoningDetail `json:"reasoning_details,omitempty"`
}

// ReasoningDetail mirrors OpenRouter's reasoning_details entries bit-exact so
// they can round-trip through history replay without loss.
type ReasoningDetail struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Data      string `json:"data,omitempty"`
	ID        string `json:"id,omitempty"`
	Format    string `json:"format,omitempty"`
	Index     *int   `json:"index,omitempty"`
	Signature string `json:"signature,omitempty"`
}

func UserMessage(text string) Item {
	return Item{Type: ItemMessage, Role: "user", Text: text}
}

func AssistantMessage(text string) Item {
	return Item{Type: ItemMessage, Role: "assistant", Text: text}
}

// ToolDef describes one callable tool in provider-neutral terms. Only
// function-typed tools reach the wire; anything else is filtered by the
// adapters.
type ToolDef struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func (t ToolDef) IsFunction() bool {
	return t.Type == "" || t.Type == "function"
}

// FunctionTools filters defs down to the function-typed entries adapters may
// forward.
func FunctionTools(defs []ToolDef) []ToolDef {
	out := make([]ToolDef, 0, len(defs))
	for _, def := range defs {
		if def.IsFunction() && def.Name != "" {
			out = append(out, def)
		}
	}
	return out
}

// ReasoningEffortDefault marks "use a provider-meaningful default". Whether
// that means sending a concrete value or omitting the field is a per-provider
// policy.
const ReasoningEffortDefault = "default"

type Settings struct {
	Model            string
	Temperature      *float64
	TopP             *float64
	MaxTokens        int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	ReasoningEffort  string
}

type Request struct {
	SystemInstructions string
	Input              []Item
	Settings           Settings
	Tools              []ToolDef
	// PreviousResponseID is the continuation token from the prior turn. For
	// providers with native chaining it goes on the wire; for the rest it keys
	// the client-side history store.
	PreviousResponseID string
}

type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallDone   EventType = "tool_call_done"
	EventResponseDone   EventType = "response_done"
	EventError          EventType = "error"
)

// StreamEvent is the tagged union every adapter produces. A successful stream
// carries exactly one EventResponseDone as its final event; a failed stream
// ends with exactly one EventError.
type StreamEvent struct {
	Type     EventType
	Text     string
	Call     *ToolCall
	Response *Response
	Err      error
}

type ToolCall struct {
	CallID      string
	Name        string
	Arguments   string
	OutputIndex int
}

type Response struct {
	// ID is the continuation token for the next turn.
	ID     string
	Output []Item
	Usage  types.Usage
}

// Model is one provider adapter. The returned channel is closed after the
// terminal event; cancelling ctx aborts the stream.
type Model interface {
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// HistoryClearer is implemented by adapters that keep client-side canonical
// history in place of server-side state.
type HistoryClearer interface {
	ClearHistory(token string)
}

// TurnRollbacker is implemented by adapters whose canonical history lives
// client-side and can drop the most recently committed turn. Providers with
// server-side chaining never mutate past responses, so reverting the
// continuation token is enough for them.
type TurnRollbacker interface {
	RollbackTurn(token string)
}
