// Package store persists the workspace snapshot. Saves are atomic: the new
// snapshot is written to a temp file in the same directory, read back and
// compared to what was meant to be written, then renamed over the previous
// snapshot. A crash at any point leaves either the old committed snapshot or
// the new one, never a torn file.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/scrypster/semspace/pkg/types"
)

// ErrVerifyFailed indicates the written snapshot did not read back as the
// bytes that were written. The previous snapshot stays committed.
var ErrVerifyFailed = errors.New("snapshot verification failed")

// WorkspaceStore owns the committed workspace state and its on-disk snapshot.
type WorkspaceStore struct {
	path string

	mu      sync.RWMutex
	current *types.Workspace
}

// NewWorkspaceStore creates a store persisting to the given snapshot path and
// loads the existing snapshot if one is present. A missing, corrupt or
// schema-incompatible snapshot yields an empty version-0 workspace; corruption
// is logged, never fatal.
func NewWorkspaceStore(path string) (*WorkspaceStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &WorkspaceStore{path: path}
	s.current = s.load()
	return s, nil
}

// load reads the snapshot from disk. Every failure mode degrades to a fresh
// empty workspace so a damaged file cannot keep the system from starting.
func (s *WorkspaceStore) load() *types.Workspace {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("WARNING: failed to read snapshot %s: %v, starting empty", s.path, err)
		}
		return types.NewWorkspace()
	}

	var ws types.Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		log.Printf("WARNING: corrupt snapshot %s: %v, starting empty", s.path, err)
		return types.NewWorkspace()
	}
	if ws.SchemaVersion != types.WorkspaceSchemaVersion {
		log.Printf("WARNING: snapshot %s has schema version %d, want %d, starting empty",
			s.path, ws.SchemaVersion, types.WorkspaceSchemaVersion)
		return types.NewWorkspace()
	}

	ws.Sanitize()
	return &ws
}

// Current returns a deep copy of the committed workspace. Readers never block
// behind an in-progress save beyond the copy itself.
func (s *WorkspaceStore) Current() *types.Workspace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Version returns the committed workspace version.
func (s *WorkspaceStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Version
}

// Save persists ws and, on success, commits it as the current workspace. On
// any failure the previously committed state remains both in memory and on
// disk.
func (s *WorkspaceStore) Save(ws *types.Workspace) error {
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workspace: %w", err)
	}

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = ws.Clone()
	s.mu.Unlock()
	return nil
}

// Commit replaces the in-memory workspace without touching disk. Used when
// persistence failed but the reconciled state should stay queryable.
func (s *WorkspaceStore) Commit(ws *types.Workspace) {
	s.mu.Lock()
	s.current = ws.Clone()
	s.mu.Unlock()
}

// writeAtomic writes data to a temp file next to the snapshot, verifies the
// temp file reads back byte-identical, then renames it into place.
func (s *WorkspaceStore) writeAtomic(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	written, err := os.ReadFile(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	if !bytes.Equal(written, data) {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: read-back mismatch", ErrVerifyFailed)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Path returns the snapshot file path.
func (s *WorkspaceStore) Path() string {
	return s.path
}
