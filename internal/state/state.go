// Package state persists the orchestrator's registry across restarts. The
// on-disk format is a single YAML document; writes go through a temp file and
// rename so a crash mid-save never corrupts the previous state.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"conductor/internal/errs"
	"conductor/internal/logging"
	"conductor/internal/session"
)

// Version is the current schema version.
const Version = 1

// File is the persisted document.
type File struct {
	Version  int               `yaml:"version"`
	Projects []session.Project `yaml:"projects"`
	Sessions []session.Session `yaml:"sessions"`
}

// Empty returns a fresh document at the current version.
func Empty() *File {
	return &File{Version: Version}
}

// Store reads and writes the state file.
type Store struct {
	path   string
	logger *logging.Logger

	mu sync.Mutex
}

func NewStore(path string, logger *logging.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file is a fresh install and yields an
// empty document; a present-but-unreadable file is an error the caller should
// treat as fatal rather than silently clobber.
func (s *Store) Load() (*File, error) {
	const op = errs.Op("state.Load")

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, errs.E(op, err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errs.E(op, errs.KindPermanent,
			fmt.Errorf("parse %s: %w", s.path, err))
	}
	if f.Version > Version {
		return nil, errs.E(op, errs.KindPermanent,
			fmt.Errorf("%s has schema version %d, newer than supported %d", s.path, f.Version, Version))
	}
	if f.Version == 0 {
		f.Version = Version
	}
	return &f, nil
}

// Save writes the document atomically: marshal, write to a temp file in the
// same directory, fsync, rename over the old file.
func (s *Store) Save(f *File) error {
	const op = errs.Op("state.Save")

	s.mu.Lock()
	defer s.mu.Unlock()

	f.Version = Version
	raw, err := yaml.Marshal(f)
	if err != nil {
		return errs.E(op, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.E(op, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errs.E(op, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return errs.E(op, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.E(op, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.E(op, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errs.E(op, err)
	}

	if s.logger != nil && s.logger.Enabled(logging.LevelDebug) {
		s.logger.Debug("state saved", map[string]string{
			"path":     s.path,
			"projects": fmt.Sprintf("%d", len(f.Projects)),
			"sessions": fmt.Sprintf("%d", len(f.Sessions)),
		})
	}
	return nil
}
