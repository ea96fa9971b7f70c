package fsx_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/confcache/confcache/pkg/fsx"
)

func TestAcquireLock_AndRelease(t *testing.T) {
	t.Parallel()

	fsys := fsx.NewReal()
	path := filepath.Join(t.TempDir(), "entry.bin")

	lock, err := fsx.AcquireLock(fsys, path, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Releasing twice is harmless.
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestAcquireLock_ContentionTimesOut(t *testing.T) {
	t.Parallel()

	fsys := fsx.NewReal()
	path := filepath.Join(t.TempDir(), "entry.bin")

	held, err := fsx.AcquireLock(fsys, path, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	defer func() { _ = held.Release() }()

	_, err = fsx.AcquireLock(fsys, path, 50*time.Millisecond)
	if !errors.Is(err, fsx.ErrLockTimeout) {
		t.Fatalf("err=%v, want ErrLockTimeout", err)
	}
}

func TestAcquireLock_ReacquireAfterRelease(t *testing.T) {
	t.Parallel()

	fsys := fsx.NewReal()
	path := filepath.Join(t.TempDir(), "entry.bin")

	first, err := fsx.AcquireLock(fsys, path, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := fsx.AcquireLock(fsys, path, time.Second)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}

	if err := second.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
