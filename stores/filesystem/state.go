package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"msgboard/core"

	"github.com/sirupsen/logrus"
)

// StateFile persists the message log as one JSON document on disk.
type StateFile struct {
	path string
}

// NewStateFile returns a state store writing to path. The parent directory
// is created on the first save.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the location of the state document.
func (s *StateFile) Path() string {
	return s.path
}

func (s *StateFile) Load(ctx context.Context) (*core.State, error) {
	log := logrus.WithField("file_path", s.path)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("State file does not exist")
			return nil, core.ErrNoState
		}
		log.WithError(err).Error("Failed to read state file")
		return nil, err
	}

	state, err := core.DecodeState(data)
	if err != nil {
		return nil, err
	}
	log.WithField("messages", len(state.Messages)).Debug("State file read")
	return state, nil
}

// Save replaces the document atomically: the new content is written and
// synced to a temporary file in the same directory, then renamed over the
// old one.
func (s *StateFile) Save(ctx context.Context, state *core.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := core.EncodeState(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace state file: %w", err)
	}
	syncDir(dir)

	logrus.WithFields(logrus.Fields{
		"file_path": s.path,
		"messages":  len(state.Messages),
		"bytes":     len(data),
	}).Debug("State file written")
	return nil
}

// syncDir flushes the directory entry of a rename. Not every platform
// supports it, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
