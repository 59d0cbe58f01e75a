package filelock_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tripwire/witness/internal/chain/filelock"
	"github.com/tripwire/witness/internal/chainerr"
)

func TestAcquireRelease_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")

	l, err := filelock.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Once released, the lock can be acquired again immediately.
	l2, err := filelock.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("Release #2: %v", err)
	}
}

func TestAcquire_BlocksConcurrentHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")

	l1, err := filelock.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("Acquire #1: %v", err)
	}
	defer l1.Release()

	var released atomic.Bool
	go func() {
		time.Sleep(150 * time.Millisecond)
		released.Store(true)
		_ = l1.Release()
	}()

	start := time.Now()
	l2, err := filelock.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("Acquire #2: %v", err)
	}
	defer l2.Release()

	if !released.Load() {
		t.Errorf("Acquire #2 returned before the first lock was released")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Acquire #2 returned suspiciously fast (%v), expected it to wait for release", elapsed)
	}
}

func TestAcquire_RespectsContextCancellation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")

	l1, err := filelock.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("Acquire #1: %v", err)
	}
	defer l1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := filelock.Acquire(ctx, path); err == nil {
		t.Fatal("expected Acquire to fail once context is cancelled")
	}
}

func TestAcquire_TimesOutAfterMaxRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.jsonl")

	l1, err := filelock.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("Acquire #1: %v", err)
	}
	defer l1.Release()

	_, err = filelock.Acquire(context.Background(), path)
	if !chainerr.HasCode(err, chainerr.CodeLockTimeout) {
		t.Fatalf("Acquire error = %v, want CodeLockTimeout", err)
	}
}
