package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	lock := New(path)

	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !lock.Locked() {
		t.Fatal("lock not marked as held")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("lockfile not removed on release")
	}
}

func TestSecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	first := New(path)
	if err := first.TryAcquire(); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer first.Release()

	second := New(path)
	err := second.TryAcquire()
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestStaleLockFromDeadProcessIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	// A pid that cannot exist holds the lock.
	content := fmt.Sprintf("%d\n%s\n", 1<<30, time.Now().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	lock := New(path)
	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("stale lock not taken over: %v", err)
	}
	lock.Release()
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	// Held by a live process (us), but far older than maxLockAge.
	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Add(-5*time.Minute).Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	lock := New(path)
	if err := lock.TryAcquire(); err != nil {
		t.Fatalf("expired lock not taken over: %v", err)
	}
	lock.Release()
}

func TestAcquireWaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	first := New(path)
	if err := first.TryAcquire(); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		first.Release()
	}()

	second := New(path)
	if err := second.Acquire(time.Second); err != nil {
		t.Fatalf("acquire with timeout failed: %v", err)
	}
	second.Release()
}

func TestAcquireTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	first := New(path)
	if err := first.TryAcquire(); err != nil {
		t.Fatal(err)
	}
	defer first.Release()

	second := New(path)
	err := second.Acquire(100 * time.Millisecond)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked after timeout, got %v", err)
	}
}
