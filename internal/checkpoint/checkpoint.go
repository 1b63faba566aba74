// Package checkpoint records the last provider whose page was fully written,
// so an interrupted run can resume past committed work.
package checkpoint

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Checkpoint is the persisted resume marker.
type Checkpoint struct {
	LastProviderID     int64     `json:"last_provider_id"`
	ProvidersProcessed int       `json:"providers_processed"`
	Timestamp          time.Time `json:"timestamp"`
}

// Store loads and saves checkpoints. Save must only be called once the
// covered page's writes are durable.
type Store interface {
	// Load returns nil, nil when there is no usable checkpoint.
	Load() (*Checkpoint, error)
	Save(cp Checkpoint) error
	Clear() error
}

// FileStore keeps the checkpoint as a JSON file on local disk.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the checkpoint. A missing or unparsable file is treated as no
// checkpoint; only other read errors are returned.
func (s *FileStore) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "checkpoint: read %s", s.path)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		zap.L().Warn("checkpoint: ignoring unparsable file",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return nil, nil
	}
	return &cp, nil
}

// Save writes the checkpoint through a temp file and rename so a crash
// mid-write never leaves a truncated file behind.
func (s *FileStore) Save(cp Checkpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	payload, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return eris.Wrapf(err, "checkpoint: create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "checkpoint: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "checkpoint: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "checkpoint: close temp file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return eris.Wrapf(err, "checkpoint: rename to %s", s.path)
	}
	return nil
}

// Clear removes the checkpoint file. A missing file is not an error.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "checkpoint: remove %s", s.path)
	}
	return nil
}

// MemoryStore keeps the checkpoint in memory.
type MemoryStore struct {
	mu    sync.Mutex
	cp    *Checkpoint
	saves int
}

// Load returns a copy of the stored checkpoint.
func (m *MemoryStore) Load() (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return nil, nil
	}
	cp := *m.cp
	return &cp, nil
}

// Save replaces the stored checkpoint.
func (m *MemoryStore) Save(cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	m.cp = &cp
	m.saves++
	return nil
}

// Clear drops the stored checkpoint.
func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp = nil
	return nil
}

// Saves reports how many times Save was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
