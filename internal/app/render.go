package app

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	runewidth "github.com/mattn/go-runewidth"

	"aide/internal/types"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	reasoningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	commandStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	approvalStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func renderMessages(messages []types.Message, width int) string {
	if len(messages) == 0 {
		return "Type a message and press enter to start."
	}
	blocks := make([]string, 0, len(messages))
	for _, message := range messages {
		if block := renderMessage(message, width); block != "" {
			blocks = append(blocks, block)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func renderMessage(message types.Message, width int) string {
	switch message.Sender {
	case types.SenderUser:
		return userStyle.Render("you ") + message.Text
	case types.SenderBot:
		return renderMarkdown(message.Text, width)
	case types.SenderReasoning:
		return reasoningStyle.Render(wrap(message.Text, width))
	case types.SenderSystem:
		return systemStyle.Render(message.Text)
	case types.SenderCommand:
		return renderCommand(message, width)
	case types.SenderApproval:
		return renderApproval(message)
	default:
		return message.Text
	}
}

func renderCommand(message types.Message, width int) string {
	command := message.Command
	if command == nil {
		return ""
	}
	var b strings.Builder
	style := commandStyle
	if command.Success != nil && !*command.Success {
		style = failedStyle
	}
	b.WriteString(style.Render(truncateLine(command.Command, width)))
	if output := strings.TrimSpace(command.Output); output != "" {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(indent(output)))
	}
	if command.IsApprovalRejection {
		b.WriteString("\n")
		b.WriteString(failedStyle.Render("  rejected"))
	} else if command.FailureReason != "" {
		b.WriteString("\n")
		b.WriteString(failedStyle.Render("  failed: " + command.FailureReason))
	}
	return b.String()
}

func renderApproval(message types.Message) string {
	approval := message.Approval
	if approval == nil {
		return ""
	}
	var b strings.Builder
	if approval.IsMaxTurnsPrompt {
		b.WriteString(approvalStyle.Render("continue?"))
		b.WriteString(" " + approval.ArgumentsText)
	} else {
		b.WriteString(approvalStyle.Render("approve " + approval.ToolName + "?"))
		if args := strings.TrimSpace(approval.ArgumentsText); args != "" && args != "{}" {
			b.WriteString("\n")
			b.WriteString(dimStyle.Render(indent(args)))
		}
	}
	switch message.Answer {
	case "y", "Y":
		b.WriteString("\n" + commandStyle.Render("  approved"))
	case "":
		b.WriteString("\n" + dimStyle.Render("  [y] approve   [n] reject"))
	default:
		line := "  rejected"
		if reason := strings.TrimSpace(message.Rejection); reason != "" {
			line += ": " + reason
		}
		b.WriteString("\n" + failedStyle.Render(line))
	}
	return b.String()
}

// truncateLine clips a single line to the viewport width, counting wide runes
// by their rendered cell width.
func truncateLine(text string, width int) string {
	if width <= 0 || runewidth.StringWidth(text) <= width {
		return text
	}
	return runewidth.Truncate(text, width, "…")
}

func indent(text string) string {
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = "  " + lines[i]
	}
	return strings.Join(lines, "\n")
}

func wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	return lipgloss.NewStyle().Width(width).Render(text)
}
