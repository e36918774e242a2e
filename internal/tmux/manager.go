package tmux

import (
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/GianlucaP106/gotmux/gotmux"
)

// ErrNoPaneAvailable is returned when writing before a session exists
var ErrNoPaneAvailable = errors.New("tmux: no pane available")

// Config describes the tmux session that mirrors upload output
type Config struct {
	SessionName string
	// Store is shown in the banner
	Store string
}

// commander runs raw tmux commands
type commander interface {
	Command(req ...string) (string, error)
}

// Manager owns one tmux session and writes lines into its first pane
type Manager struct {
	config *Config
	tmux   commander

	mu   sync.Mutex
	pane string
}

// IsTmuxAvailable reports whether a tmux binary is on PATH
func IsTmuxAvailable() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// GenerateSessionName derives a tmux session name from a session store key
func GenerateSessionName(key string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(key, "-"), "-")
	if name == "" {
		name = "default"
	}
	return "replaykit-" + strings.ToLower(name)
}

// NewManager connects to the default tmux server
func NewManager(cfg *Config) (*Manager, error) {
	t, err := gotmux.DefaultTmux()
	if err != nil {
		return nil, fmt.Errorf("tmux.NewManager: %w", err)
	}
	return newManager(cfg, t), nil
}

func newManager(cfg *Config, t commander) *Manager {
	return &Manager{config: cfg, tmux: t}
}

// GetOrCreateSession attaches to the configured session, creating it
// detached when it does not exist
func (m *Manager) GetOrCreateSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := m.config.SessionName
	if _, err := m.tmux.Command("has-session", "-t", name); err != nil {
		if _, err := m.tmux.Command("new-session", "-d", "-s", name); err != nil {
			return fmt.Errorf("tmux: create session %s: %w", name, err)
		}
	}
	m.pane = name + ":0.0"
	return nil
}

// AttachCommand returns the shell command that attaches to the session
func (m *Manager) AttachCommand() string {
	return "tmux attach -t " + m.config.SessionName
}
