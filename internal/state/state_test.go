package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissing(t *testing.T) {
	f := NewFile(t.TempDir())
	rec, err := f.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil record for missing file, got %+v", rec)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f := NewFile(t.TempDir())

	want := ChildRecord{
		PID:       4242,
		Command:   "/opt/booth/venv/bin/python",
		StartTime: 123456,
		StartedAt: 1700000000,
	}
	if err := f.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := f.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil || *got != want {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestClear(t *testing.T) {
	f := NewFile(t.TempDir())

	if err := f.Clear(); err != nil {
		t.Fatalf("Clear on missing file: %v", err)
	}

	if err := f.Save(ChildRecord{PID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := f.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	rec, err := f.Load()
	if err != nil || rec != nil {
		t.Errorf("after Clear: rec=%+v err=%v", rec, err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(dir)
	if err := os.WriteFile(filepath.Join(dir, "child.json"), []byte("{nope"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := f.Load(); err == nil {
		t.Error("expected error for corrupt state file")
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	f := NewFile(filepath.Join(t.TempDir(), "deep", "runtime"))
	if err := f.Save(ChildRecord{PID: 7}); err != nil {
		t.Fatalf("Save: %v", err)
	}
}
