// ABOUTME: Per-surface key/value store persisted as a single JSON file
// ABOUTME: Writes go through a temp file and rename so a crash never leaves a torn file

package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/mauromedda/hostbridge/internal/config"
)

// Store holds settings keyed by surface id, then by setting key. A Store
// with an empty path keeps everything in memory.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]map[string]json.RawMessage
}

// OpenStore loads the store at path. A missing file yields an empty store.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]map[string]json.RawMessage)}
	if path == "" {
		return s, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings store: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parsing settings store %s: %w", path, err)
	}
	if s.data == nil {
		s.data = make(map[string]map[string]json.RawMessage)
	}
	return s, nil
}

// Get returns the value of key for surface.
func (s *Store) Get(surface, key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[surface][key]
	return v, ok
}

// All returns a copy of every setting of surface.
func (s *Store) All(surface string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.data[surface]))
	maps.Copy(out, s.data[surface])
	return out
}

// Set stores value under key for surface and persists the store.
func (s *Store) Set(surface, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[surface] == nil {
		s.data[surface] = make(map[string]json.RawMessage)
	}
	s.data[surface][key] = value
	return s.saveLocked()
}

// Delete removes key for surface and reports whether it existed.
func (s *Store) Delete(surface, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[surface][key]; !ok {
		return false, nil
	}
	delete(s.data[surface], key)
	if len(s.data[surface]) == 0 {
		delete(s.data, surface)
	}
	return true, s.saveLocked()
}

// saveLocked writes the store atomically. Must hold mu.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := config.EnsureDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing temp settings: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp settings: %w", err)
	}
	return nil
}
