package lock

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fclairamb/snapapi/internal/apperrors"
)

func newTestManager(t *testing.T, retry, maxWait time.Duration) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewManager(filepath.Join(t.TempDir(), "locks"), "STAT100a",
		WithLogger(logger),
		WithRetryInterval(retry),
		WithMaxWait(maxWait))
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, 10*time.Millisecond, time.Second)

	handle, err := manager.Acquire(context.Background(), "1001")
	require.NoError(t, err)
	assert.Equal(t, "STAT100a_1001.lock", filepath.Base(handle.Path()))
	assert.FileExists(t, handle.Path(), "lock file exists while held")

	require.NoError(t, handle.Release())
	_, err = os.Stat(handle.Path())
	assert.ErrorIs(t, err, fs.ErrNotExist, "lock file removed on release")
	assert.NoError(t, handle.Release(), "second Release is a no-op")
}

func TestAcquireTimesOutWithBusy(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, 20*time.Millisecond, 150*time.Millisecond)
	ctx := context.Background()

	held, err := manager.Acquire(ctx, "1001")
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	start := time.Now()
	_, err = manager.Acquire(ctx, "1001")
	require.ErrorIs(t, err, apperrors.ErrBusy)
	assert.Less(t, time.Since(start), 2*time.Second, "gives up near the max wait")
}

func TestAcquireSerializesSameOwner(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, 10*time.Millisecond, 5*time.Second)

	var inside atomic.Int32
	var maxInside atomic.Int32

	group, ctx := errgroup.WithContext(context.Background())
	for range 4 {
		group.Go(func() error {
			handle, err := manager.Acquire(ctx, "1001")
			if err != nil {
				return err
			}
			n := inside.Add(1)
			for {
				current := maxInside.Load()
				if n <= current || maxInside.CompareAndSwap(current, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inside.Add(-1)
			return handle.Release()
		})
	}

	require.NoError(t, group.Wait())
	assert.Equal(t, int32(1), maxInside.Load(), "max concurrent holders")
}

func TestAcquireDifferentOwnersDoNotBlock(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, time.Second, 50*time.Millisecond)
	ctx := context.Background()

	first, err := manager.Acquire(ctx, "1001")
	require.NoError(t, err)
	defer func() { _ = first.Release() }()

	second, err := manager.Acquire(ctx, "1002")
	require.NoError(t, err, "1002 must not wait on 1001")
	assert.NoError(t, second.Release())
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()
	manager := newTestManager(t, 10*time.Millisecond, time.Minute)

	held, err := manager.Acquire(context.Background(), "1001")
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = manager.Acquire(ctx, "1001")
	assert.ErrorIs(t, err, apperrors.ErrBusy)
}
