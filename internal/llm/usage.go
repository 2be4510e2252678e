package llm

import "aide/internal/types"

// wireUsage accepts both upstream accounting shapes:
// {prompt_tokens, completion_tokens, total_tokens} and
// {input_tokens, output_tokens}.
type wireUsage struct {
	PromptTokens     *int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64 `json:"completion_tokens,omitempty"`
	TotalTokens      *int64 `json:"total_tokens,omitempty"`
	InputTokens      *int64 `json:"input_tokens,omitempty"`
	OutputTokens     *int64 `json:"output_tokens,omitempty"`
}

// NormalizeUsage maps either shape to the internal counters, computing the
// total when absent. A missing usage block normalizes to all zeros.
func NormalizeUsage(u *wireUsage) types.Usage {
	if u == nil {
		return types.Usage{}
	}
	out := types.Usage{}
	switch {
	case u.InputTokens != nil:
		out.InputTokens = *u.InputTokens
	case u.PromptTokens != nil:
		out.InputTokens = *u.PromptTokens
	}
	switch {
	case u.OutputTokens != nil:
		out.OutputTokens = *u.OutputTokens
	case u.CompletionTokens != nil:
		out.OutputTokens = *u.CompletionTokens
	}
	if u.TotalTokens != nil {
		out.TotalTokens = *u.TotalTokens
	} else {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	return out
}
