// Package filelock provides an OS-backed exclusive lock used to serialize
// appends to a single chain file across processes, with bounded
// exponential-backoff retry when the lock is already held.
//
// Grounded on the reconnect backoff loop in internal/transport's gRPC
// client: same NewExponentialBackOff/NextBackOff/backoff.Stop shape, here
// driving a bounded number of lock-acquisition attempts instead of an
// unbounded reconnect loop.
package filelock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tripwire/witness/internal/chainerr"
)

const (
	defaultInitialInterval = 50 * time.Millisecond
	defaultMaxInterval     = 2 * time.Second
	defaultMaxRetries      = 10
)

// Lock represents an acquired exclusive lock on path + ".lock". Release
// must be called exactly once to free it.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive lock on path+".lock", retrying with jittered
// exponential backoff (50ms to 2s, 10 attempts) if the lock is already
// held by another process, per spec.md §5.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	lockPath := path + ".lock"

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialInterval
	b.MaxInterval = defaultMaxInterval
	b.MaxElapsedTime = 0 // bounded by attempt count below, not elapsed time
	b.Reset()

	var lastErr error
	for attempt := 0; attempt < defaultMaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err == nil {
			return &Lock{file: f, path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, chainerr.Wrap(chainerr.CodeIOError, err, "filelock: open lock file")
		}
		lastErr = err

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, chainerr.Wrap(chainerr.CodeLockTimeout, lastErr,
		fmt.Sprintf("filelock: could not acquire lock on %q after %d attempts", path, defaultMaxRetries))
}

// Release closes and removes the lock file. It is safe to call at most
// once; callers typically defer it immediately after a successful Acquire.
func (l *Lock) Release() error {
	closeErr := l.file.Close()
	removeErr := os.Remove(l.path)
	if closeErr != nil {
		return chainerr.Wrap(chainerr.CodeIOError, closeErr, "filelock: close lock file")
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return chainerr.Wrap(chainerr.CodeIOError, removeErr, "filelock: remove lock file")
	}
	return nil
}
