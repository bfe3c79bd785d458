// Package lock provides per-owner mutual exclusion backed by flock(2) on a lock file.
//
// Lock files live in a shared directory and are named <course>_<owner>.lock. A holder
// removes its file on release. Because flock is attached to the open file and not the
// name, a waiter that opened the file before it was removed could lock an orphaned
// inode; after locking, the handle checks that the path still names the locked inode
// and starts over otherwise.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/fclairamb/snapapi/internal/apperrors"
)

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

// errStale is returned by tryLock when the locked inode was unlinked by a previous holder.
var errStale = errors.New("lock file replaced")

// Manager hands out per-owner locks.
type Manager struct {
	dir           string
	course        string
	retryInterval time.Duration
	maxWait       time.Duration
	logger        *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithRetryInterval sets the delay between lock attempts.
func WithRetryInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.retryInterval = d
	}
}

// WithMaxWait bounds how long Acquire keeps retrying before returning a Busy error.
func WithMaxWait(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.maxWait = d
	}
}

// NewManager creates a lock manager storing lock files in dir.
func NewManager(dir, course string, opts ...ManagerOption) *Manager {
	manager := &Manager{
		dir:           dir,
		course:        course,
		retryInterval: 2 * time.Second,
		maxWait:       5 * time.Minute,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(manager)
	}

	return manager
}

// Path returns the lock file path for an owner.
func (m *Manager) Path(owner string) string {
	return filepath.Join(m.dir, m.course+"_"+owner+".lock")
}

// Handle is a held lock. Release must be called exactly once; extra calls are no-ops.
type Handle struct {
	path   string
	file   *os.File
	once   sync.Once
	logger *slog.Logger
}

// Acquire locks owner, retrying on contention every retry interval until the lock is
// obtained, the max wait elapses, or ctx ends. Running out of time yields a Busy error.
func (m *Manager) Acquire(ctx context.Context, owner string) (*Handle, error) {
	path := m.Path(owner)

	if err := os.MkdirAll(m.dir, lockDirPerm); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.maxWait)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(m.retryInterval), 1)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		limiter.Allow() // consume the token for this attempt so the next one waits a full interval

		file, err := tryLock(path)
		if err == nil {
			m.logger.DebugContext(ctx, "lock acquired",
				"owner", owner,
				"path", path,
				"attempts", attempt,
				"waited_ms", time.Since(start).Milliseconds())
			return &Handle{path: path, file: file, logger: m.logger}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, errStale) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}

		if attempt == 1 {
			m.logger.InfoContext(ctx, "waiting for snapshot lock", "owner", owner, "path", path)
		}

		if waitErr := limiter.Wait(ctx); waitErr != nil {
			m.logger.WarnContext(ctx, "gave up waiting for snapshot lock",
				"owner", owner,
				"attempts", attempt,
				"waited_ms", time.Since(start).Milliseconds())
			return nil, &apperrors.Error{
				Kind: apperrors.KindBusy,
				Op:   "lock.acquire",
				Msg:  "snapshot already in progress for " + owner,
				Err:  waitErr,
			}
		}
	}
}

// Release unlocks and removes the lock file.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		// Remove while still holding the lock so no waiter can lock the old inode
		// and then find the name already gone.
		if rmErr := os.Remove(h.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = fmt.Errorf("remove lock file: %w", rmErr)
		}
		if unlockErr := unix.Flock(int(h.file.Fd()), unix.LOCK_UN); unlockErr != nil && err == nil {
			err = fmt.Errorf("unlock: %w", unlockErr)
		}
		if closeErr := h.file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close lock file: %w", closeErr)
		}
		if err != nil {
			h.logger.Warn("lock release failed", "path", h.path, "error", err)
			return
		}
		h.logger.Debug("lock released", "path", h.path)
	})
	return err
}

// Path returns the lock file path.
func (h *Handle) Path() string {
	return h.path
}

// tryLock opens (creating if absent) and locks path without blocking.
func tryLock(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm) //nolint:gosec // path built from config
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, err
	}

	same, err := sameInode(file, path)
	if err != nil || !same {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		_ = file.Close()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, errStale
	}

	return file, nil
}

// sameInode reports whether path still names the open file.
func sameInode(file *os.File, path string) (bool, error) {
	var held, current unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &held); err != nil {
		return false, fmt.Errorf("fstat lock file: %w", err)
	}
	if err := unix.Stat(path, &current); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, os.ErrNotExist
		}
		return false, fmt.Errorf("stat lock file: %w", err)
	}
	return held.Dev == current.Dev && held.Ino == current.Ino, nil
}
