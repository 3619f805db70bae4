// Package state persists the supervised child's identity across supervisor
// restarts. The record is what makes stale-instance cleanup precise: instead
// of killing by process name, the next supervisor terminates exactly the
// process it finds here, after verifying the PID was not reused.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ChildRecord identifies the application child spawned by a previous
// supervisor run.
type ChildRecord struct {
	PID       int    `json:"pid"`
	Command   string `json:"command"`              // interpreter path, for PID reuse detection
	StartTime int64  `json:"start_time,omitempty"` // /proc start time, for PID reuse detection
	StartedAt int64  `json:"started_at,omitempty"` // Unix timestamp
}

// File is the on-disk child record with atomic writes.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a state file under dir.
func NewFile(dir string) *File {
	return &File{path: filepath.Join(dir, "child.json")}
}

// Load reads the current record. A missing file yields (nil, nil).
func (f *File) Load() (*ChildRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var rec ChildRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	return &rec, nil
}

// Save writes the record atomically (tmp file + rename).
func (f *File) Save(rec ChildRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

// Clear removes the record. Missing file is not an error.
func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Path returns the state file location.
func (f *File) Path() string {
	return f.path
}
