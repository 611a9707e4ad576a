package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store reads recorded sessions back from the audit directory.
type Store struct {
	baseDir string
}

// NewStore builds a read-only view over the recorder's base directory.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// Load reads one session record by id.
func (s *Store) Load(sessionID string) (*Record, error) {
	dir := filepath.Join(s.baseDir, "sessions", sessionID)

	// Session ids come from URLs; keep them inside the audit tree.
	sessionsRoot := filepath.Join(s.baseDir, "sessions")
	if !strings.HasPrefix(filepath.Clean(dir)+string(filepath.Separator), filepath.Clean(sessionsRoot)+string(filepath.Separator)) ||
		filepath.Clean(dir) == filepath.Clean(sessionsRoot) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}

	data, err := os.ReadFile(filepath.Join(dir, "session_data.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s not found", sessionID)
		}
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &record, nil
}

// List returns all recorded session ids in sorted order.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
