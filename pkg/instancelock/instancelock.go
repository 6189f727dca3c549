// Package instancelock prevents two watchdogs from supervising the same
// settings file at the same time.
package instancelock

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ErrLockedElsewhere is returned when another process already holds the lock
var ErrLockedElsewhere = errors.New("watchdog already running: lock held elsewhere")

// Lock is a held single-instance lock
type Lock struct {
	l    *flock.Flock
	path string
}

// Acquire takes the lock at path without waiting. It returns ErrLockedElsewhere
// if another process holds it.
func Acquire(path string) (*Lock, error) {
	return acquire(nil, path)
}

// AcquireWait waits until the lock can be taken or until ctx is done
func AcquireWait(ctx context.Context, path string) (*Lock, error) {
	return acquire(ctx, path)
}

func acquire(ctx context.Context, path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "failed to create lock directory")
	}

	l := flock.New(path)

	var locked bool
	var err error

	if ctx != nil {
		locked, err = l.TryLockContext(ctx, 25*time.Millisecond)
	} else {
		locked, err = l.TryLock()
	}

	if err != nil {
		if ctx != nil && ctx.Err() != nil {
			return nil, errors.Wrap(ErrLockedElsewhere, ctx.Err().Error())
		}
		return nil, errors.Wrap(err, "failed to acquire lock")
	}

	if !locked {
		return nil, errors.WithStack(ErrLockedElsewhere)
	}

	return &Lock{l: l, path: path}, nil
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}

// Release releases the lock. The lock file is left in place.
func (l *Lock) Release() error {
	if err := l.l.Unlock(); err != nil {
		return errors.Wrap(err, "failed to release lock")
	}
	return nil
}
