package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenPartPreallocates(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "sub", "file.bin")

	part, err := OpenPart(dest, 4096)
	if err != nil {
		t.Fatalf("OpenPart() error = %v", err)
	}
	defer part.Discard()

	info, err := os.Stat(part.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 4096 {
		t.Errorf("part size = %d, want 4096", info.Size())
	}
	if part.Path() != dest+PartSuffix {
		t.Errorf("Path() = %q, want %q", part.Path(), dest+PartSuffix)
	}
}

func TestOpenPartPreservesExistingContent(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	want := []byte("resumable")
	buf := make([]byte, 4096)
	copy(buf, want)
	if err := os.WriteFile(PartPath(dest), buf, 0o644); err != nil {
		t.Fatal(err)
	}

	part, err := OpenPart(dest, 4096)
	if err != nil {
		t.Fatalf("OpenPart() error = %v", err)
	}
	defer part.Discard()

	got, err := os.ReadFile(part.Path())
	if err != nil {
		t.Fatal(err)
	}
	if string(got[:len(want)]) != string(want) {
		t.Error("existing part content lost on reopen")
	}
}

func TestConcurrentPositionedWrites(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	part, err := OpenPart(dest, 100)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := part.WriteAt([]byte("BBBB"), 50); err != nil {
		t.Fatal(err)
	}
	if _, err := part.WriteAt([]byte("AAAA"), 0); err != nil {
		t.Fatal(err)
	}

	if err := part.Finalize(); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("destination missing after Finalize: %v", err)
	}
	if string(got[:4]) != "AAAA" || string(got[50:54]) != "BBBB" {
		t.Error("positioned writes landed at wrong offsets")
	}
	if _, err := os.Stat(PartPath(dest)); !os.IsNotExist(err) {
		t.Error("part file survived Finalize")
	}
}

func TestDiscardRemovesPart(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	part, err := OpenPart(dest, 10)
	if err != nil {
		t.Fatal(err)
	}
	if err := part.Discard(); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if _, err := os.Stat(PartPath(dest)); !os.IsNotExist(err) {
		t.Error("part file survived Discard")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination exists after Discard")
	}
}

func TestFindOrphanParts(t *testing.T) {
	dir := t.TempDir()

	owned := filepath.Join(dir, "owned.bin.part")
	orphan := filepath.Join(dir, "orphan.bin.part")
	plain := filepath.Join(dir, "finished.bin")
	for _, p := range []string{owned, orphan, plain} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	known := map[string]bool{owned: true}
	got, err := FindOrphanParts(dir, known)
	if err != nil {
		t.Fatalf("FindOrphanParts() error = %v", err)
	}
	if len(got) != 1 || got[0] != orphan {
		t.Errorf("FindOrphanParts() = %v, want [%s]", got, orphan)
	}
}

func TestFindOrphanPartsMissingDir(t *testing.T) {
	got, err := FindOrphanParts(filepath.Join(t.TempDir(), "nope"), nil)
	if err != nil {
		t.Fatalf("FindOrphanParts(missing dir) error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v from a missing directory", got)
	}
}
