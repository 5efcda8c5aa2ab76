package workdir_test

import (
	"errors"
	"path/filepath"
	"testing"

	"affilink/internal/services"
	"affilink/internal/workdir"
)

func TestPaths(t *testing.T) {
	root := t.TempDir()
	dir := workdir.New(root)
	if dir.Checkpoint() != filepath.Join(root, "matches.checkpoint") {
		t.Fatalf("unexpected checkpoint path %q", dir.Checkpoint())
	}
	if dir.FailedMatches() != filepath.Join(root, "matches.failed.jsonl") {
		t.Fatalf("unexpected failed path %q", dir.FailedMatches())
	}
	if len(dir.Files()) != 9 {
		t.Fatalf("unexpected file list %v", dir.Files())
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	dir := workdir.New(filepath.Join(t.TempDir(), "work"))

	first, err := dir.Acquire()
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	_, err = dir.Acquire()
	if !errors.Is(err, services.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, err := dir.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release()

	var nilLock *workdir.Lock
	if err := nilLock.Release(); err != nil {
		t.Fatalf("nil Release: %v", err)
	}
}
