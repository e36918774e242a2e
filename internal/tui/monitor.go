package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/vburojevic/replaykit/internal/domain"
)

// maxRows is how many segment results stay on screen
const maxRows = 12

// SessionMsg reports that a recording session started
type SessionMsg struct {
	ID       string
	Previous string
	Reason   string
	Sampled  bool
}

// SegmentMsg reports a delivery outcome
type SegmentMsg domain.SegmentResult

// DiagnosticMsg reports an internal failure
type DiagnosticMsg struct {
	Err error
}

// DoneMsg ends the monitor once the stream is consumed
type DoneMsg struct {
	Signals int
	Skipped int
	Err     error
}

// Model is the live upload monitor
type Model struct {
	title   string
	spinner spinner.Model
	width   int

	session  SessionMsg
	sessions int
	segments []domain.SegmentResult
	sent     int
	dropped  int
	bytes    int
	diags    int
	lastDiag string

	done     bool
	doneMsg  DoneMsg
	quitting bool
	onQuit   func()
}

// NewModel creates a monitor. onQuit runs when the user quits early.
func NewModel(title string, onQuit func()) Model {
	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	s.Style = dimStyle
	return Model{
		title:   title,
		spinner: s,
		width:   100,
		onQuit:  onQuit,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}
		return m, nil

	case SessionMsg:
		m.session = msg
		m.sessions++
		return m, nil

	case SegmentMsg:
		res := domain.SegmentResult(msg)
		if res.Type == domain.SegmentSent {
			m.sent++
			m.bytes += res.Bytes
		} else {
			m.dropped++
		}
		m.segments = append(m.segments, res)
		if len(m.segments) > maxRows {
			m.segments = m.segments[len(m.segments)-maxRows:]
		}
		return m, nil

	case DiagnosticMsg:
		m.diags++
		if msg.Err != nil {
			m.lastDiag = msg.Err.Error()
		}
		return m, nil

	case DoneMsg:
		m.done = true
		m.doneMsg = msg
		return m, tea.Quit

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	status := m.spinner.View() + " uploading"
	switch {
	case m.done && m.doneMsg.Err != nil:
		status = droppedStyle.Render("stopped: " + m.doneMsg.Err.Error())
	case m.done:
		status = sentStyle.Render("done")
	case m.quitting:
		status = dimStyle.Render("stopping")
	}
	b.WriteString(titleStyle.Render(m.title) + " " + status + "\n\n")

	if m.session.ID == "" {
		b.WriteString(dimStyle.Render("  waiting for a session") + "\n")
	} else {
		sampled := "sampled"
		if !m.session.Sampled {
			sampled = "not sampled"
		}
		fmt.Fprintf(&b, "  session %s (%s, %s)\n", m.session.ID, m.session.Reason, sampled)
		if m.session.Previous != "" {
			b.WriteString(dimStyle.Render("  replaced "+m.session.Previous) + "\n")
		}
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-8s %-10s %-9s %8s  %s", "SEGMENT", "RESULT", "TRANSPORT", "BYTES", "ATTEMPTS")) + "\n")
	if len(m.segments) == 0 {
		b.WriteString(dimStyle.Render("  no segments yet") + "\n")
	}
	for _, res := range m.segments {
		result, style := "sent", sentStyle
		if res.Type != domain.SegmentSent {
			result, style = "dropped", droppedStyle
		}
		row := fmt.Sprintf(" %-8d %-10s %-9s %8d  %d", res.SegmentID, result, res.Transport, res.Bytes, res.Attempts)
		b.WriteString(style.Render(row) + "\n")
	}

	if m.lastDiag != "" {
		b.WriteString("\n" + droppedStyle.Render("  last failure: "+truncate(m.lastDiag, m.width-18)) + "\n")
	}

	summary := fmt.Sprintf("sessions %d  sent %d  dropped %d  bytes %d", m.sessions, m.sent, m.dropped, m.bytes)
	if m.done {
		summary = fmt.Sprintf("signals %d  skipped %d  ", m.doneMsg.Signals, m.doneMsg.Skipped) + summary
	}
	b.WriteString("\n" + statusBarStyle.Render(summary) + "\n")
	if !m.done {
		b.WriteString(helpStyle.Render("  q: stop") + "\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// Monitor runs the model as a bubbletea program
type Monitor struct {
	program *tea.Program
}

// NewMonitor creates a monitor rendering to out and reading keys from in
func NewMonitor(title string, in io.Reader, out io.Writer, onQuit func()) *Monitor {
	p := tea.NewProgram(NewModel(title, onQuit), tea.WithInput(in), tea.WithOutput(out))
	return &Monitor{program: p}
}

// Send delivers msg to the running program. It does not block once the
// program has exited.
func (m *Monitor) Send(msg tea.Msg) {
	m.program.Send(msg)
}

// Run blocks until the program exits
func (m *Monitor) Run() error {
	_, err := m.program.Run()
	return err
}
