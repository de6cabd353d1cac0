package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/scrypster/semspace/pkg/types"
)

func tempSnapshotPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "workspace.json")
}

func TestLoadMissingSnapshot(t *testing.T) {
	s, err := NewWorkspaceStore(tempSnapshotPath(t))
	if err != nil {
		t.Fatalf("NewWorkspaceStore() error = %v", err)
	}

	ws := s.Current()
	if ws.Version != 0 {
		t.Errorf("version = %d, want 0", ws.Version)
	}
	if len(ws.Entities) != 0 {
		t.Errorf("got %d entities, want 0", len(ws.Entities))
	}
}

func TestSaveAndReload(t *testing.T) {
	path := tempSnapshotPath(t)
	s, err := NewWorkspaceStore(path)
	if err != nil {
		t.Fatalf("NewWorkspaceStore() error = %v", err)
	}

	ws := types.NewWorkspace()
	ws.Version = 1
	id := types.DeriveEntityID("李四", "嫌疑人")
	ws.Entities[id] = &types.WorkspaceEntity{
		ID:             id,
		Name:           "李四",
		Role:           "嫌疑人",
		Attributes:     map[string]string{"state": "被逮捕"},
		UpdatedVersion: 1,
	}

	if err := s.Save(ws); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// A fresh store over the same path sees the committed state.
	s2, err := NewWorkspaceStore(path)
	if err != nil {
		t.Fatalf("NewWorkspaceStore() reload error = %v", err)
	}
	got := s2.Current()
	if got.Version != 1 {
		t.Errorf("reloaded version = %d, want 1", got.Version)
	}
	if got.Entities[id] == nil || got.Entities[id].Name != "李四" {
		t.Errorf("reloaded entity missing or wrong: %+v", got.Entities[id])
	}
}

func TestCurrentReturnsCopy(t *testing.T) {
	s, err := NewWorkspaceStore(tempSnapshotPath(t))
	if err != nil {
		t.Fatalf("NewWorkspaceStore() error = %v", err)
	}

	ws := types.NewWorkspace()
	ws.Version = 1
	if err := s.Save(ws); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	first := s.Current()
	first.Version = 99
	first.Entities["ent:bogus-00000000"] = &types.WorkspaceEntity{ID: "ent:bogus-00000000"}

	second := s.Current()
	if second.Version != 1 {
		t.Errorf("mutating a Current() copy leaked: version = %d, want 1", second.Version)
	}
	if len(second.Entities) != 0 {
		t.Errorf("mutating a Current() copy leaked: %d entities", len(second.Entities))
	}
}

func TestLoadCorruptSnapshot(t *testing.T) {
	path := tempSnapshotPath(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewWorkspaceStore(path)
	if err != nil {
		t.Fatalf("NewWorkspaceStore() error = %v", err)
	}
	if v := s.Version(); v != 0 {
		t.Errorf("corrupt snapshot should yield empty workspace, got version %d", v)
	}
}

func TestLoadSchemaMismatch(t *testing.T) {
	path := tempSnapshotPath(t)
	if err := os.WriteFile(path, []byte(`{"schema_version": 99, "version": 7, "entities": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewWorkspaceStore(path)
	if err != nil {
		t.Fatalf("NewWorkspaceStore() error = %v", err)
	}
	if v := s.Version(); v != 0 {
		t.Errorf("schema mismatch should yield empty workspace, got version %d", v)
	}
}

// A stray temp file from a crash mid-save must not be picked up as the
// snapshot, and the committed snapshot must survive it.
func TestCrashMidSaveLeavesCommittedSnapshot(t *testing.T) {
	path := tempSnapshotPath(t)
	s, err := NewWorkspaceStore(path)
	if err != nil {
		t.Fatalf("NewWorkspaceStore() error = %v", err)
	}

	ws := types.NewWorkspace()
	ws.Version = 1
	if err := s.Save(ws); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Simulate a crash after the temp file was written but before rename.
	stray := filepath.Join(filepath.Dir(path), "workspace.json.tmp-crash")
	if err := os.WriteFile(stray, []byte(`{"schema_version": 1, "version": 42, "entities": {}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	s2, err := NewWorkspaceStore(path)
	if err != nil {
		t.Fatalf("NewWorkspaceStore() reload error = %v", err)
	}
	if v := s2.Version(); v != 1 {
		t.Errorf("version after simulated crash = %d, want 1", v)
	}
}

func TestSaveFailureKeepsPreviousState(t *testing.T) {
	path := tempSnapshotPath(t)
	s, err := NewWorkspaceStore(path)
	if err != nil {
		t.Fatalf("NewWorkspaceStore() error = %v", err)
	}

	ws := types.NewWorkspace()
	ws.Version = 1
	if err := s.Save(ws); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Make the directory unwritable so the next save cannot create its temp
	// file.
	dir := filepath.Dir(path)
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chmod(dir, 0o755) }()

	if os.Geteuid() == 0 {
		t.Skip("running as root, directory permissions are not enforced")
	}

	next := types.NewWorkspace()
	next.Version = 2
	if err := s.Save(next); err == nil {
		t.Fatal("Save() into read-only directory should fail")
	}
	if v := s.Version(); v != 1 {
		t.Errorf("failed save mutated in-memory state: version = %d, want 1", v)
	}
}

func TestCommitWithoutPersist(t *testing.T) {
	path := tempSnapshotPath(t)
	s, err := NewWorkspaceStore(path)
	if err != nil {
		t.Fatalf("NewWorkspaceStore() error = %v", err)
	}

	ws := types.NewWorkspace()
	ws.Version = 5
	s.Commit(ws)

	if v := s.Version(); v != 5 {
		t.Errorf("Commit() did not update in-memory state: version = %d", v)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Commit() must not write the snapshot, stat err = %v", err)
	}
}
