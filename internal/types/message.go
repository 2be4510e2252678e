package types

type Sender string

const (
	SenderUser      Sender = "user"
	SenderBot       Sender = "bot"
	SenderReasoning Sender = "reasoning"
	SenderApproval  Sender = "approval"
	SenderCommand   Sender = "command"
	SenderSystem    Sender = "system"
)

// Message is the union of everything that can appear in the chat transcript,
// tagged by Sender. Exactly one of Approval/Command is set for those senders.
type Message struct {
	ID            string           `json:"id"`
	Sender        Sender           `json:"sender"`
	Text          string           `json:"text,omitempty"`
	ReasoningText string           `json:"reasoning_text,omitempty"`
	Approval      *ApprovalRequest `json:"approval,omitempty"`
	Answer        string           `json:"answer,omitempty"`
	Rejection     string           `json:"rejection_reason,omitempty"`
	Command       *CommandResult   `json:"command,omitempty"`
}

type ApprovalRequest struct {
	AgentName        string        `json:"agent_name"`
	ToolName         string        `json:"tool_name"`
	ArgumentsText    string        `json:"arguments_text,omitempty"`
	Interruption     *Interruption `json:"interruption,omitempty"`
	IsMaxTurnsPrompt bool          `json:"is_max_turns_prompt,omitempty"`
}

// CommandResult records one finalized tool invocation (or its rejection).
// Immutable once emitted.
type CommandResult struct {
	Command             string `json:"command"`
	Output              string `json:"output,omitempty"`
	Success             *bool  `json:"success,omitempty"`
	FailureReason       string `json:"failure_reason,omitempty"`
	IsApprovalRejection bool   `json:"is_approval_rejection,omitempty"`
}

func BoolPtr(v bool) *bool { return &v }
