// Package store persists per-plugin configuration as JSON files on disk.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store reads and writes plugin configuration under a base directory.
// One file per plugin, named <author>_<name>.json.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New creates a store rooted at dir. The directory is created on first
// write, not here.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Load reads the persisted configuration for a plugin. A missing file is
// not an error and returns an empty map.
func (s *Store) Load(author, name string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(author, name))
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading plugin config %s/%s: %w", author, name, err)
	}

	var config map[string]any
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing plugin config %s/%s: %w", author, name, err)
	}
	if config == nil {
		config = map[string]any{}
	}
	return config, nil
}

// Save writes the configuration for a plugin atomically: write to a temp
// file in the same directory, then rename over the target.
func (s *Store) Save(author, name string, config map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating storage dir: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding plugin config %s/%s: %w", author, name, err)
	}

	target := s.path(author, name)
	tmp, err := os.CreateTemp(s.dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing plugin config %s/%s: %w", author, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing plugin config %s/%s: %w", author, name, err)
	}
	return nil
}

// path builds the config file path, sanitizing path separators out of the
// plugin identity so a crafted author/name cannot escape the base dir.
func (s *Store) path(author, name string) string {
	clean := func(part string) string {
		part = strings.ReplaceAll(part, string(filepath.Separator), "_")
		return strings.ReplaceAll(part, "..", "_")
	}
	return filepath.Join(s.dir, clean(author)+"_"+clean(name)+".json")
}
