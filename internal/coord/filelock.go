package coord

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sys/unix"
)

// Advisory lock retry bounds. Content resources (state files touched by
// both the writer and user tooling) are locked for milliseconds at a time,
// so a short bounded retry covers normal contention; the sync-level lock is
// a separate mechanism entirely.
const (
	fileLockRetryBase = 50 * time.Millisecond
	fileLockMaxWait   = 2 * time.Second
)

// FileLock is a fine-grained advisory flock on a single content resource.
// Independent of the sync lock; exists so the writer and user tooling can
// serialize access to the same state file while readers proceed
// concurrently elsewhere.
type FileLock struct {
	f *os.File
}

// AcquireFileLock opens path and takes an exclusive flock, retrying with
// bounded exponential backoff. Fails after the overall wait bound rather
// than blocking.
func AcquireFileLock(ctx context.Context, path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, recordPermissions)
	if err != nil {
		return nil, fmt.Errorf("coord: opening %s for lock: %w", path, err)
	}

	backoff := retry.WithMaxDuration(fileLockMaxWait,
		retry.NewExponential(fileLockRetryBase))

	err = retry.Do(ctx, backoff, func(_ context.Context) error {
		if flockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); flockErr != nil {
			return retry.RetryableError(flockErr)
		}

		return nil
	})
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("coord: flock %s: %w", path, err)
	}

	return &FileLock{f: f}, nil
}

// Release drops the flock and closes the file.
func (l *FileLock) Release() error {
	if l.f == nil {
		return nil
	}

	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil

	if unlockErr != nil {
		return fmt.Errorf("coord: unlock: %w", unlockErr)
	}

	return closeErr
}

// File exposes the locked file handle for read-modify-write under the lock.
func (l *FileLock) File() *os.File {
	return l.f
}
