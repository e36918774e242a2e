package tmux

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vburojevic/replaykit/internal/domain"
)

const rule = "══════════════════════════════════════════════════════════════"

// ClearPane clears the pane content and scrollback history
func (m *Manager) ClearPane() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pane == "" {
		return ErrNoPaneAvailable
	}

	if _, err := m.tmux.Command("send-keys", "-t", m.pane, "-R"); err != nil {
		return fmt.Errorf("failed to reset terminal: %w", err)
	}
	if _, err := m.tmux.Command("clear-history", "-t", m.pane); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	if _, err := m.tmux.Command("send-keys", "-t", m.pane, "clear", "Enter"); err != nil {
		return fmt.Errorf("failed to clear screen: %w", err)
	}
	return nil
}

// ClearPaneWithBanner clears the pane and displays an upload marker
func (m *Manager) ClearPaneWithBanner(message string, at time.Time) error {
	if err := m.ClearPane(); err != nil {
		return err
	}

	banner := fmt.Sprintf(
		rule+"\n"+
			"  replaykit - %s\n"+
			"  Store: %s | Started: %s\n"+
			rule,
		message,
		m.config.Store,
		at.Format("2006-01-02 15:04:05"),
	)
	return m.WriteLines(strings.Split(banner, "\n"))
}

// WriteSessionBanner marks the start of a recording session. The replaced
// session's summary is shown when there was one.
func (m *Manager) WriteSessionBanner(start *domain.SessionStart, prev *domain.SessionEnd) error {
	prevInfo := ""
	if prev != nil {
		prevInfo = fmt.Sprintf("Previous: %s, %d segments | ", prev.SessionID, prev.Summary.Segments)
	}

	banner := fmt.Sprintf(
		"\n"+rule+"\n"+
			"  SESSION %s (%s)\n"+
			"  %s%s\n"+
			rule,
		start.SessionID,
		start.Reason,
		prevInfo,
		start.Timestamp,
	)
	return m.WriteLines(strings.Split(banner, "\n"))
}

// WriteLine writes a single line to the tmux pane using echo
func (m *Manager) WriteLine(line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pane == "" {
		return ErrNoPaneAvailable
	}

	escaped := escapeTmuxString(line)
	_, err := m.tmux.Command("send-keys", "-t", m.pane, fmt.Sprintf("echo '%s'", escaped), "Enter")
	return err
}

// WriteLines writes multiple lines in order
func (m *Manager) WriteLines(lines []string) error {
	for _, line := range lines {
		if err := m.WriteLine(line); err != nil {
			return err
		}
	}
	return nil
}

// escapeTmuxString escapes special characters for tmux send-keys
func escapeTmuxString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "'", "'\"'\"'")
}

// Writer implements io.Writer for streaming records to the tmux pane
type Writer struct {
	manager *Manager
	buffer  strings.Builder
}

// NewWriter creates a new writer that streams to the tmux pane
func NewWriter(manager *Manager) *Writer {
	return &Writer{manager: manager}
}

// Write sends every complete line to the pane and keeps the remainder
func (w *Writer) Write(p []byte) (n int, err error) {
	w.buffer.Write(p)

	content := w.buffer.String()
	lines := strings.Split(content, "\n")
	w.buffer.Reset()
	if !strings.HasSuffix(content, "\n") {
		w.buffer.WriteString(lines[len(lines)-1])
	}
	lines = lines[:len(lines)-1]

	for _, line := range lines {
		if line == "" {
			continue
		}
		if err := w.manager.WriteLine(line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Flush writes any remaining buffered content
func (w *Writer) Flush() error {
	if w.buffer.Len() > 0 {
		err := w.manager.WriteLine(w.buffer.String())
		w.buffer.Reset()
		return err
	}
	return nil
}

var _ io.Writer = (*Writer)(nil)
