package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"aide/internal/agent"
	"aide/internal/llm"
	"aide/internal/logging"
	"aide/internal/store"
	"aide/internal/types"
)

const (
	tickInterval     = 100 * time.Millisecond
	minViewportWidth = 20
	minContentHeight = 6
	inputHeight      = 3
)

type tickMsg time.Time

type turnDoneMsg struct {
	outcome *agent.TurnOutcome
	err     error
}

type Config struct {
	Session        *agent.Session
	Transcripts    *store.TranscriptStore
	ConversationID string
	ProviderLabel  string
	ModelName      string
	Logger         logging.Logger
}

type Model struct {
	cfg       Config
	viewport  viewport.Model
	input     textarea.Model
	loader    spinner.Model
	history   []types.Message
	width     int
	height    int
	ready     bool
	status    string
	persisted int
}

func NewModel(cfg Config) Model {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	vp := viewport.New(minViewportWidth, minContentHeight)
	vp.SetContent("Type a message and press enter to start.")

	input := textarea.New()
	input.Placeholder = "Ask anything. Esc aborts, ctrl+r resets, ctrl+c quits."
	input.SetHeight(inputHeight - 1)
	input.ShowLineNumbers = false
	input.Focus()

	loader := spinner.New()
	loader.Spinner = spinner.Line
	loader.Style = lipgloss.NewStyle()

	var history []types.Message
	if cfg.Transcripts != nil {
		stored, err := cfg.Transcripts.Load(cfg.ConversationID)
		if err != nil {
			cfg.Logger.Warn("transcript_load_failed", logging.F("error", err.Error()))
		} else {
			history = stored
		}
	}

	return Model{
		cfg:      cfg,
		viewport: vp,
		input:    input,
		loader:   loader,
		history:  history,
	}
}

// Run starts the terminal UI and blocks until the user quits.
func Run(cfg Config) error {
	program := tea.NewProgram(NewModel(cfg), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.loader.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.refresh()
		return m, nil

	case tickMsg:
		m.refresh()
		m.persistFinalized()
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.loader, cmd = m.loader.Update(msg)
		return m, cmd

	case turnDoneMsg:
		if msg.err != nil && !isCancellation(msg.err) {
			m.status = "error: " + msg.err.Error()
		} else {
			m.status = ""
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	session := m.cfg.Session
	switch msg.String() {
	case "ctrl+c":
		session.Abort()
		return m, tea.Quit
	case "ctrl+r":
		session.Reset()
		m.persisted = 0
		m.history = nil
		m.status = "conversation reset"
		if m.cfg.Transcripts != nil {
			_ = m.cfg.Transcripts.Clear(m.cfg.ConversationID)
		}
		m.refresh()
		return m, nil
	case "ctrl+y":
		return m.copyLastResponse()
	case "esc":
		if session.State() != agent.StateIdle {
			session.Abort()
			m.status = "aborted"
			m.refresh()
		}
		return m, nil
	}

	if session.State() == agent.StateApprovalPending {
		switch msg.String() {
		case "y", "Y":
			m.status = ""
			return m, m.decisionCmd("y", "")
		case "n", "N":
			m.status = ""
			return m, m.decisionCmd("n", "rejected from the terminal")
		}
		return m, nil
	}

	if msg.String() == "enter" {
		text := strings.TrimSpace(m.input.Value())
		if text == "" || session.State() == agent.StateStreaming {
			return m, nil
		}
		m.input.Reset()
		m.status = ""
		return m, m.sendCmd(text)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) sendCmd(text string) tea.Cmd {
	session := m.cfg.Session
	return func() tea.Msg {
		outcome, err := session.SendMessage(context.Background(), text)
		return turnDoneMsg{outcome: outcome, err: err}
	}
}

func (m Model) decisionCmd(answer, reason string) tea.Cmd {
	session := m.cfg.Session
	return func() tea.Msg {
		outcome, err := session.HandleApprovalDecision(context.Background(), answer, reason)
		return turnDoneMsg{outcome: outcome, err: err}
	}
}

func (m *Model) copyLastResponse() (tea.Model, tea.Cmd) {
	messages := m.cfg.Session.Messages()
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Sender == types.SenderBot {
			if err := copyTextToClipboard(messages[i].Text); err != nil {
				m.status = "copy failed: " + err.Error()
			} else {
				m.status = "copied last response"
			}
			return *m, nil
		}
	}
	m.status = "nothing to copy"
	return *m, nil
}

func (m *Model) resize() {
	width := m.width
	if width < minViewportWidth {
		width = minViewportWidth
	}
	height := m.height - inputHeight - 3
	if height < minContentHeight {
		height = minContentHeight
	}
	m.viewport.Width = width
	m.viewport.Height = height
	m.input.SetWidth(width)
	m.ready = true
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	snapshot := m.cfg.Session.Snapshot()
	atBottom := m.viewport.AtBottom()
	visible := snapshot.Messages
	if len(m.history) > 0 {
		visible = append(append([]types.Message{}, m.history...), snapshot.Messages...)
	}
	m.viewport.SetContent(renderMessages(visible, m.viewport.Width))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

// persistFinalized appends newly committed messages to the transcript store.
// Runs only between turns so a message is stored exactly once, in its final
// form.
func (m *Model) persistFinalized() {
	if m.cfg.Transcripts == nil || m.cfg.Session.State() != agent.StateIdle {
		return
	}
	messages := m.cfg.Session.Messages()
	for ; m.persisted < len(messages); m.persisted++ {
		if err := m.cfg.Transcripts.Append(m.cfg.ConversationID, messages[m.persisted]); err != nil {
			m.cfg.Logger.Warn("transcript_append_failed", logging.F("error", err.Error()))
			return
		}
	}
}

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("aide · %s · %s", m.cfg.ProviderLabel, m.cfg.ModelName)))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func (m Model) statusLine() string {
	session := m.cfg.Session
	snapshot := session.Snapshot()
	var left string
	switch snapshot.State {
	case agent.StateStreaming:
		left = m.loader.View() + " thinking"
	case agent.StateApprovalPending:
		left = approvalStyle.Render("approval required: press y to allow, n to reject")
	default:
		left = m.status
	}
	usage := fmt.Sprintf("tokens in %d · out %d · total %d",
		snapshot.Usage.InputTokens, snapshot.Usage.OutputTokens, snapshot.Usage.TotalTokens)
	gap := m.viewport.Width - lipgloss.Width(left) - lipgloss.Width(usage)
	if gap < 1 {
		return left
	}
	return left + strings.Repeat(" ", gap) + dimStyle.Render(usage)
}

func isCancellation(err error) bool {
	return err == nil || llm.IsCancellation(err)
}
