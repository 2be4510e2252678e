package agent

import (
	"context"
	"encoding/json"
	"strings"

	"aide/internal/llm"
	"aide/internal/types"
)

// Tool is one callable capability offered to the model. The run loop never
// inspects a tool's internals: it asks NeedsApproval, calls Execute, and lets
// FormatCommand decide how the invocation reads in the transcript.
type Tool struct {
	Name        string
	Description string
	// Parameters is the JSON schema for the tool's arguments.
	Parameters json.RawMessage

	// NeedsApproval decides whether this specific invocation pauses for user
	// consent. A nil func means never.
	NeedsApproval func(arguments string) bool

	// Execute runs the tool. A returned error marks the invocation failed; its
	// message is still fed back to the model as the tool output.
	Execute func(ctx context.Context, arguments string) (string, error)

	// FormatCommand renders the invocation for display. A nil func falls back
	// to "name(arguments)".
	FormatCommand func(arguments string) string
}

func (t *Tool) needsApproval(arguments string) bool {
	return t.NeedsApproval != nil && t.NeedsApproval(arguments)
}

func (t *Tool) commandText(arguments string) string {
	if t.FormatCommand != nil {
		if text := strings.TrimSpace(t.FormatCommand(arguments)); text != "" {
			return text
		}
	}
	return t.Name + "(" + strings.TrimSpace(arguments) + ")"
}

// Defs converts the tool set into the provider-neutral schema list.
func Defs(tools []*Tool) []llm.ToolDef {
	out := make([]llm.ToolDef, 0, len(tools))
	for _, tool := range tools {
		out = append(out, llm.ToolDef{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return out
}

// CommandOf renders a finalized tool invocation as a command record.
func CommandOf(tool *Tool, call llm.ToolCall, output string, success *bool, failureReason string) *types.CommandResult {
	command := call.Name + "(" + strings.TrimSpace(call.Arguments) + ")"
	if tool != nil {
		command = tool.commandText(call.Arguments)
	}
	return &types.CommandResult{
		Command:       command,
		Output:        output,
		Success:       success,
		FailureReason: failureReason,
	}
}
