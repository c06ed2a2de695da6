package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveThenLoad(t *testing.T) {
	s := New(t.TempDir())

	want := map[string]any{"trigger": "like me", "limit": float64(10)}
	if err := s.Save("ruabot", "like", want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Load("ruabot", "like")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got["trigger"] != "like me" {
		t.Errorf("trigger = %v, want %q", got["trigger"], "like me")
	}
	if got["limit"] != float64(10) {
		t.Errorf("limit = %v, want 10", got["limit"])
	}
}

func TestLoadMissingFileReturnsEmpty(t *testing.T) {
	s := New(t.TempDir())

	got, err := s.Load("nobody", "nothing")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Load() = %v, want empty map", got)
	}
}

func TestLoadCorruptFileFails(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := os.WriteFile(filepath.Join(dir, "a_b.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load("a", "b"); err == nil {
		t.Error("Load() did not fail on corrupt file")
	}
}

func TestSaveCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "plugins")
	s := New(dir)

	if err := s.Save("a", "b", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "a_b.json")); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestPathSanitizesIdentity(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.Save("../evil", "na/me", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file inside base dir, got %d", len(entries))
	}
}
