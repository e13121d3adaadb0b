package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

// ErrNoSession is returned by Load when no session state has been persisted.
// Callers upgrade this to an auth-required condition at the point where a
// credential is actually needed.
var ErrNoSession = errors.New("no persisted session state")

// Store is the durable home of exactly one session state blob.
//
// Save is whole-blob and atomic: a refresh cycle that succeeded for at least
// one scope writes the complete updated state in one operation, never a
// partial mutation.
type Store interface {
	Load() (*State, error)
	Save(*State) error
	Clear() error
}

// DefaultSessionFile is the session state file name inside the storage directory.
const DefaultSessionFile = "session.json"

// FileStore persists the session state as a single JSON file.
//
// SECURITY: the state contains bearer credentials. The file is written with
// 0600 permissions inside a 0700 directory, and its contents are never logged.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a file-backed store at the given path, creating the
// parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".config", "msteams-mcp", DefaultSessionFile)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create session storage directory: %w", err)
	}

	return &FileStore{path: path}, nil
}

// Path returns the session file path. Used by the change watcher.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads and decodes the persisted session state.
func (s *FileStore) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// #nosec G304 -- path is configuration, not request input
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}

	return &state, nil
}

// Save writes the whole session state atomically (temp file + rename), so a
// crash mid-write can never leave a truncated blob behind.
func (s *FileStore) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session state: %w", err)
	}

	logging.Debug("Store", "Persisted session state (%d cookies, %d origins)",
		len(state.Cookies), len(state.Origins))
	return nil
}

// Clear removes the persisted session state. Missing state is not an error.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err == nil {
		logging.Info("Store", "Cleared persisted session state")
	}
	return err
}
