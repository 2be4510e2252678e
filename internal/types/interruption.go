package types

// Interruption is a paused tool invocation awaiting a user decision before the
// underlying run can resume. CallID keys the suspended continuation inside the
// run state; the session treats the rest as display data.
type Interruption struct {
	CallID      string `json:"call_id"`
	AgentName   string `json:"agent_name"`
	ToolName    string `json:"tool_name"`
	Arguments   string `json:"arguments,omitempty"`
	OutputIndex int    `json:"output_index,omitempty"`
}
