package lock

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "dispatch.lock")
	l, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		t.Fatalf("expected PID in lock file, got empty")
	}
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "dispatch.lock")
	first, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	t.Cleanup(func() { _ = first.Release() })

	if _, err := Acquire(lockPath); err == nil {
		t.Fatal("expected second Acquire to fail while first holds the lock")
	}
}

func TestReleaseThenReacquireSucceeds(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "dispatch.lock")
	first, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := Acquire(lockPath)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	_ = second.Release()
}
