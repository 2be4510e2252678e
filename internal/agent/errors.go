package agent

import (
	"errors"
	"fmt"
	"strings"

	"aide/internal/types"
)

// ModelBehaviorError reports that the model produced output the run loop
// cannot act on, such as a call to a tool that was never offered.
type ModelBehaviorError struct {
	Message string
}

func (e *ModelBehaviorError) Error() string {
	return e.Message
}

func NewHallucinatedToolError(toolName, agentName string) *ModelBehaviorError {
	return &ModelBehaviorError{
		Message: fmt.Sprintf("Tool %s not found in agent %s", toolName, agentName),
	}
}

// IsHallucinatedToolCall reports whether err is the specific model-behavior
// fault where the model invoked a tool missing from the offered set. The
// substring match mirrors the upstream SDK wording; it is a provisional
// heuristic kept behind this one predicate so it can be swapped for a
// structured code if one ever appears.
func IsHallucinatedToolCall(err error) bool {
	var behavior *ModelBehaviorError
	if !errors.As(err, &behavior) {
		return false
	}
	msg := behavior.Message
	return strings.Contains(msg, "Tool") && strings.Contains(msg, "not found in agent")
}

// MaxTurnsError is returned when a single run consumes its round-trip budget
// while the model still wants to call tools. Usage covers the round-trips
// that completed before the budget ran out.
type MaxTurnsError struct {
	Limit int
	Usage types.Usage
}

func (e *MaxTurnsError) Error() string {
	return fmt.Sprintf("run exceeded %d turns", e.Limit)
}

// ConsecutiveFailureError ends automatic continuation after tool execution
// failed too many times in a row.
type ConsecutiveFailureError struct {
	Count int
}

func (e *ConsecutiveFailureError) Error() string {
	return fmt.Sprintf("%d consecutive tool failures, stopping", e.Count)
}
