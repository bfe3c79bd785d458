package store

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fclairamb/snapapi/internal/apperrors"
)

func newTestStore(t *testing.T) (*LocalStore, string) {
	t.Helper()

	tmpDir := t.TempDir()
	mustWrite(t, filepath.Join(tmpDir, "a.txt"), "alpha")
	mustWrite(t, filepath.Join(tmpDir, "sub", "b.txt"), "bravo")

	return NewLocalStore(tmpDir), tmpDir
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// walkFiles collects the regular files reported by Walk under dir.
func walkFiles(t *testing.T, store Store, dir string) []string {
	t.Helper()
	var files []string
	err := store.Walk(context.Background(), dir, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

func TestLocalStore_Read(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	data, err := store.Read(ctx, "sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "bravo", string(data))

	_, err = store.Read(ctx, "missing.txt")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	t.Parallel()
	store, tmpDir := newTestStore(t)
	ctx := context.Background()

	mustWrite(t, filepath.Join(filepath.Dir(tmpDir), filepath.Base(tmpDir)+"-secret.txt"), "secret")

	for _, path := range []string{
		"../" + filepath.Base(tmpDir) + "-secret.txt",
		"sub/../../etc/passwd",
		"/etc/passwd",
	} {
		_, err := store.Read(ctx, path)
		assert.ErrorIs(t, err, apperrors.ErrPathEscapesRoot, path)
	}

	// Lexically harmless paths that stay inside are fine.
	_, err := store.Read(ctx, "sub/../a.txt")
	assert.NoError(t, err)
}

func TestLocalStore_RejectsSymlinkEscape(t *testing.T) {
	t.Parallel()
	store, tmpDir := newTestStore(t)
	ctx := context.Background()

	outside := t.TempDir()
	mustWrite(t, filepath.Join(outside, "secret.txt"), "secret")
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(tmpDir, "link.txt")))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(tmpDir, "inside.txt")))

	_, err := store.Read(ctx, "link.txt")
	assert.ErrorIs(t, err, apperrors.ErrPathEscapesRoot)

	data, err := store.Read(ctx, "inside.txt")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestLocalStore_ListAndWalk(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	entries, err := store.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.txt", entries[0].Path)
	assert.True(t, entries[1].IsDir)

	assert.Equal(t, []string{"a.txt", "sub/b.txt"}, walkFiles(t, store, ""))
	assert.Equal(t, []string{"sub/b.txt"}, walkFiles(t, store, "sub"))
}

func TestLocalStore_WalkThroughSymlinkedDir(t *testing.T) {
	t.Parallel()
	store, tmpDir := newTestStore(t)
	mustWrite(t, filepath.Join(tmpDir, "real-1001", "snap_2024-03-01", "a.txt"), "alpha")
	require.NoError(t, os.Symlink("real-1001", filepath.Join(tmpDir, "1001")))

	files := walkFiles(t, store, "1001/snap_2024-03-01")
	assert.Equal(t, []string{"1001/snap_2024-03-01/a.txt"}, files)

	data, err := store.Read(context.Background(), files[0])
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
}

func TestLocalStore_InstallNeverReplaces(t *testing.T) {
	t.Parallel()
	store, tmpDir := newTestStore(t)
	ctx := context.Background()
	scratch := t.TempDir()

	src := filepath.Join(scratch, "upload")
	mustWrite(t, src, "report")

	require.NoError(t, store.Install(ctx, src, "report.txt"))
	_, err := os.Stat(src)
	assert.ErrorIs(t, err, fs.ErrNotExist, "install source should be removed")
	data, err := os.ReadFile(filepath.Join(tmpDir, "report.txt"))
	require.NoError(t, err)
	assert.Equal(t, "report", string(data))

	src2 := filepath.Join(scratch, "upload2")
	mustWrite(t, src2, "other")
	assert.ErrorIs(t, store.Install(ctx, src2, "a.txt"), fs.ErrExist)
	data, err = os.ReadFile(filepath.Join(tmpDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data), "existing file must not change")
}

func TestLocalStore_Sub(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	sub, err := store.Sub(ctx, "sub")
	require.NoError(t, err)
	ok, err := sub.Exists(ctx, "b.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = sub.Read(ctx, "../a.txt")
	assert.ErrorIs(t, err, apperrors.ErrPathEscapesRoot)

	_, err = store.Sub(ctx, "a.txt")
	assert.Error(t, err)
}
