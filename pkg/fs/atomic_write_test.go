package fs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func Test_AtomicWriter_Writes_And_Replaces_Files(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "target")

	w := NewAtomicWriter(NewReal())

	if err := w.WriteWithDefaults(path, strings.NewReader("first")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "first" {
		t.Fatalf("content = %q, want %q", got, "first")
	}

	if err := w.WriteWithDefaults(path, strings.NewReader("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "second" {
		t.Fatalf("content = %q, want %q", got, "second")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func Test_AtomicWriter_Rejects_Invalid_Arguments(t *testing.T) {
	t.Parallel()

	w := NewAtomicWriter(NewReal())

	if err := w.WriteWithDefaults("", strings.NewReader("x")); err == nil {
		t.Error("empty path accepted")
	}

	err := w.Write(filepath.Join(t.TempDir(), "f"), strings.NewReader("x"), AtomicWriteOptions{SyncDir: true})
	if err == nil {
		t.Error("zero Perm accepted")
	}
}

func Test_AtomicWriter_Applies_The_Requested_Permissions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "target")

	w := NewAtomicWriter(NewReal())

	err := w.Write(path, strings.NewReader("x"), AtomicWriteOptions{SyncDir: true, Perm: 0o600})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if info.Mode().Perm() != 0o600 {
		t.Fatalf("perm = %o, want 600", info.Mode().Perm())
	}
}
