package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/kylemclaren/claude-routines/internal/db"
	"github.com/kylemclaren/claude-routines/internal/stream"
)

// BufferSize is the number of log lines the watch view keeps
const BufferSize = 100

// KeyMap defines keybindings
type KeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Follow key.Binding
	Quit   key.Binding
}

var keys = KeyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Follow: key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "follow")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
}

func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Follow, k.Quit}
}

func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.Follow, k.Quit}}
}

// WatchModel tails one execution's progress stream
type WatchModel struct {
	title   string
	status  db.ExecutionStatus
	events  <-chan stream.Event
	lines   *Ring[*db.LogLine]
	done    *stream.CompletionEvent
	closed  bool
	follow  bool
	summary string

	spinner    spinner.Model
	viewport   viewport.Model
	help       help.Model
	mdRenderer *glamour.TermRenderer
}

type eventMsg stream.Event
type streamClosedMsg struct{}

// NewWatchModel creates a watch view over events for the execution e
func NewWatchModel(title string, e *db.Execution, events <-chan stream.Event) WatchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(warningColor)

	h := help.New()
	h.Styles.ShortKey = helpKeyStyle
	h.Styles.ShortDesc = helpDescStyle

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return WatchModel{
		title:      title,
		status:     e.Status,
		events:     events,
		lines:      NewRing[*db.LogLine](BufferSize),
		follow:     true,
		spinner:    s,
		viewport:   viewport.New(80, 20),
		help:       h,
		mdRenderer: renderer,
	}
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

// waitForEvent delivers the next stream event as a message
func (m WatchModel) waitForEvent() tea.Cmd {
	events := m.events
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Follow):
			m.follow = !m.follow
			if m.follow {
				m.viewport.GotoBottom()
			}
		case key.Matches(msg, keys.Up):
			m.follow = false
		}

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = max(msg.Height-8, 5)
		m.help.Width = msg.Width
		if renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(msg.Width-10),
		); err == nil {
			m.mdRenderer = renderer
		}
		m.refresh()

	case spinner.TickMsg:
		if m.done == nil {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			cmds = append(cmds, cmd)
		}

	case eventMsg:
		switch msg.Type {
		case stream.EventLog:
			m.lines.Push(msg.Line)
			if m.status == db.ExecutionPending {
				m.status = db.ExecutionRunning
			}
		case stream.EventComplete:
			m.done = msg.Completion
			m.status = msg.Completion.Status
			m.summary = m.renderSummary()
		}
		m.refresh()
		cmds = append(cmds, m.waitForEvent())

	case streamClosedMsg:
		m.closed = true
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *WatchModel) refresh() {
	m.viewport.SetContent(m.renderLines())
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m WatchModel) View() string {
	var b strings.Builder

	b.WriteString(spriteIcon)
	b.WriteString(" ")
	b.WriteString(logoStyle.Render(m.title))
	b.WriteString("  ")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(subtitleStyle.Render(fmt.Sprintf("last %d lines", BufferSize)))
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	if m.summary != "" {
		b.WriteString(dividerStyle.Render(strings.Repeat("─", 60)))
		b.WriteString("\n")
		b.WriteString(m.summary)
	}
	b.WriteString("\n")
	b.WriteString(m.help.ShortHelpView(keys.ShortHelp()))
	return b.String()
}

func (m WatchModel) renderStatus() string {
	switch m.status {
	case db.ExecutionCompleted:
		return statusOK.Render("✓ COMPLETED")
	case db.ExecutionFailed:
		return statusFail.Render("✗ FAILED")
	case db.ExecutionRunning:
		return m.spinner.View() + statusRunning.Render(" RUNNING")
	}
	return m.spinner.View() + subtitleStyle.Render(" PENDING")
}

func (m WatchModel) renderLines() string {
	lines := m.lines.Items()
	if len(lines) == 0 {
		return subtitleStyle.Render("Waiting for output...")
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(timestampStyle.Render(line.CreatedAt.Local().Format("15:04:05")))
		b.WriteString(" ")
		msg := line.Message
		switch line.Level {
		case db.LevelDebug:
			msg = levelDebugStyle.Render(msg)
		case db.LevelWarn:
			msg = levelWarnStyle.Render(msg)
		case db.LevelError:
			msg = levelErrorStyle.Render(msg)
		}
		b.WriteString(msg)
		b.WriteString("\n")
	}
	return b.String()
}

// renderSummary formats the completion event as markdown
func (m WatchModel) renderSummary() string {
	c := m.done
	var md strings.Builder
	fmt.Fprintf(&md, "## Execution %d %s\n\n", c.ExecutionID, c.Status)
	md.WriteString("| duration | cost |\n|---|---|\n")
	duration, cost := "n/a", "n/a"
	if c.DurationMs != nil {
		duration = (time.Duration(*c.DurationMs) * time.Millisecond).Round(time.Millisecond).String()
	}
	if c.CostUSD != nil {
		cost = fmt.Sprintf("$%.4f", *c.CostUSD)
	}
	fmt.Fprintf(&md, "| %s | %s |\n", duration, cost)
	if c.Error != "" {
		fmt.Fprintf(&md, "\n**Error:** %s\n", c.Error)
	}

	if m.mdRenderer != nil {
		if rendered, err := m.mdRenderer.Render(md.String()); err == nil {
			return rendered
		}
	}
	return md.String()
}

// Outcome returns the completion event once the stream has delivered it
func (m WatchModel) Outcome() *stream.CompletionEvent {
	return m.done
}

// Watch runs the watch view until the user quits and returns the completion event if one arrived
func Watch(ctx context.Context, title string, e *db.Execution, sub *stream.Subscription) (*stream.CompletionEvent, error) {
	m := NewWatchModel(title, e, sub.Events)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	return final.(WatchModel).Outcome(), nil
}
