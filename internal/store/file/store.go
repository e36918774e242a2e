package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vburojevic/replaykit/internal/session"
)

const (
	fileMode = 0o600
	dirMode  = 0o755
)

// Store persists the sticky session as a JSON document on disk
type Store struct {
	path string
}

var _ session.Store = (*Store)(nil)

// NewStore creates a store writing to path
func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("session state path is required")
	}
	return &Store{path: path}, nil
}

// DefaultPath returns ~/.replaykit/sessions/<key>.json, creating the directory
func DefaultPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("key is required for session state path")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".replaykit", "sessions")
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", err
	}
	return filepath.Join(dir, key+".json"), nil
}

// Path returns the file backing the store
func (s *Store) Path() string {
	return s.path
}

// Load reads the session, returning nil when the file does not exist
func (s *Store) Load(_ context.Context) (*session.Session, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("file.Store.Load: %w", err)
	}
	var st session.Session
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("file.Store.Load: decode: %w", err)
	}
	if st.ID == "" {
		return nil, nil
	}
	return &st, nil
}

// Save writes the session atomically via a temp file rename
func (s *Store) Save(_ context.Context, st session.Session) error {
	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return fmt.Errorf("file.Store.Save: %w", err)
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("file.Store.Save: encode: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.json.tmp")
	if err != nil {
		return fmt.Errorf("file.Store.Save: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("file.Store.Save: write: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("file.Store.Save: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file.Store.Save: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("file.Store.Save: rename: %w", err)
	}
	return nil
}

// Delete removes the session file. A missing file is not an error.
func (s *Store) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file.Store.Delete: %w", err)
	}
	return nil
}
