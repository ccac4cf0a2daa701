package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/metal-stack/node-agent/pkg/constants"
	"golang.org/x/sys/unix"
)

var (
	// ErrLockUnavailable is returned when another holder owns the transfer lock
	ErrLockUnavailable = errors.New("another transfer is already running")
	// ErrLockDirectory is returned when the lock directory or file cannot be created
	ErrLockDirectory = errors.New("unable to prepare transfer lock")
)

const (
	waitDelay    = 50 * time.Millisecond
	waitMaxDelay = 1 * time.Second
)

// Handle is a held transfer lock.
type Handle struct {
	path string
	f    *os.File
	once sync.Once
	err  error
}

// Path returns the location of the transfer lock file for the given shared container root.
func Path(root string) string {
	return filepath.Join(root, constants.LockDir, constants.LockFile)
}

// Acquire takes the exclusive transfer lock under root.
//
// Without wait a single attempt is made and ErrLockUnavailable returned on contention.
// With wait the attempt is repeated until the lock is free or ctx is done.
func Acquire(ctx context.Context, root string, wait bool) (*Handle, error) {
	p := Path(root)

	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLockDirectory, err)
	}

	if !wait {
		return tryAcquire(p)
	}

	var h *Handle
	err := retry.Do(func() error {
		var err error
		h, err = tryAcquire(p)
		return err
	},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(waitDelay),
		retry.MaxDelay(waitMaxDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrLockUnavailable)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: gave up waiting: %w", ErrLockUnavailable, ctxErr)
		}
		return nil, err
	}

	return h, nil
}

func tryAcquire(p string) (*Handle, error) {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLockDirectory, err)
	}

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrLockUnavailable
		}
		return nil, fmt.Errorf("unable to lock %s: %w", p, err)
	}

	return &Handle{path: p, f: f}, nil
}

// Path returns the locked file.
func (h *Handle) Path() string {
	return h.path
}

// Release unlocks and closes the lock file. It is safe to call more than once.
func (h *Handle) Release() error {
	h.once.Do(func() {
		err := unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
		cerr := h.f.Close()
		h.err = errors.Join(err, cerr)
	})
	return h.err
}
