package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists a single JSON document under a fixed path. Writes go to a
// temporary file first and are moved into place with an atomic rename, so a
// crash mid-write never leaves a truncated document behind.
type Store struct {
	path string
}

// NewStore returns a Store for the named document inside dir. The directory
// is created if it does not exist.
func NewStore(dir, name string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, name)}, nil
}

// Load reads the document into v. A missing file is not an error; v is left
// untouched and ok is false.
func (s *Store) Load(v any) (ok bool, err error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return true, nil
}

// Save writes v as indented JSON, replacing any previous document.
func (s *Store) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.path, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// Path returns the document's location on disk.
func (s *Store) Path() string {
	return s.path
}
