package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/fclairamb/snapapi/internal/apperrors"
)

const (
	// installTempPattern names the same-directory copy used when a hard link crosses devices.
	installTempPattern = ".install-*"
)

// LocalStore implements Store on the local filesystem.
type LocalStore struct {
	rootPath string
	logger   *slog.Logger
}

// LocalStoreOption configures LocalStore.
type LocalStoreOption func(*LocalStore)

// WithLogger sets a custom logger for the store.
func WithLogger(l *slog.Logger) LocalStoreOption {
	return func(s *LocalStore) {
		s.logger = l
	}
}

// NewLocalStore creates a store rooted at path. The directory is not required to exist yet.
func NewLocalStore(path string, opts ...LocalStoreOption) *LocalStore {
	store := &LocalStore{
		rootPath: filepath.Clean(path),
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Root returns the root directory of the store.
func (s *LocalStore) Root() string {
	return s.rootPath
}

// Read reads a file from the store.
func (s *LocalStore) Read(ctx context.Context, path string) ([]byte, error) {
	s.logger.DebugContext(ctx, "reading file", "root", s.rootPath, "path", path)

	fullPath, err := s.resolveExisting(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath) //nolint:gosec // path is confined to the store root
	if err != nil {
		s.logger.DebugContext(ctx, "read file failed", "path", path, "error", err)
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}

	s.logger.DebugContext(ctx, "read file complete", "path", path, "size", len(data))
	return data, nil
}

// Open opens a file from the store for streaming.
func (s *LocalStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	s.logger.DebugContext(ctx, "opening file", "root", s.rootPath, "path", path)

	fullPath, err := s.resolveExisting(path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath) //nolint:gosec // path is confined to the store root
	if err != nil {
		return nil, fmt.Errorf("open file %s: %w", path, err)
	}
	return file, nil
}

// Stat returns file info, following symlinks that stay inside the root.
func (s *LocalStore) Stat(ctx context.Context, path string) (fs.FileInfo, error) {
	fullPath, err := s.resolveExisting(path)
	if err != nil {
		s.logger.DebugContext(ctx, "stat failed", "root", s.rootPath, "path", path, "error", err)
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return info, nil
}

// Exists checks if a file exists.
func (s *LocalStore) Exists(ctx context.Context, path string) (bool, error) {
	s.logger.DebugContext(ctx, "checking file exists", "root", s.rootPath, "path", path)

	_, err := s.Stat(ctx, path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// List lists the entries of a directory, sorted by name.
func (s *LocalStore) List(ctx context.Context, dir string) ([]FileInfo, error) {
	s.logger.DebugContext(ctx, "listing directory", "root", s.rootPath, "dir", dir)

	fullPath, err := s.resolveExisting(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		s.logger.DebugContext(ctx, "list directory failed", "dir", dir, "error", err)
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, FileInfo{
			Path:    filepath.ToSlash(filepath.Join(dir, entry.Name())),
			IsDir:   entry.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	s.logger.DebugContext(ctx, "list directory complete", "dir", dir, "count", len(files))
	return files, nil
}

// Walk walks the tree under dir in lexical order. fn receives slash-separated paths
// relative to the store root, under dir as given even when dir is reached through a
// symlink. Symlinks inside the tree are reported, not followed.
func (s *LocalStore) Walk(ctx context.Context, dir string, fn fs.WalkDirFunc) error {
	fullPath, err := s.resolveExisting(dir)
	if err != nil {
		return err
	}
	base := path.Clean(filepath.ToSlash(dir))

	return filepath.WalkDir(fullPath, func(p string, entry fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(fullPath, p)
		if relErr != nil {
			return fmt.Errorf("relative path for %s: %w", p, relErr)
		}
		return fn(path.Join(base, filepath.ToSlash(rel)), entry, walkErr)
	})
}

// Install moves the file at src to path. It never replaces an existing file: the final
// name is created with a hard link, which fails if anything is already there.
func (s *LocalStore) Install(ctx context.Context, src string, path string) error {
	s.logger.DebugContext(ctx, "installing file", "root", s.rootPath, "path", path, "src", src)

	dst, err := s.resolve(path)
	if err != nil {
		return err
	}
	if _, err := s.resolveExisting(filepath.Dir(path)); err != nil {
		return err
	}

	err = os.Link(src, dst)
	if errors.Is(err, unix.EXDEV) {
		err = s.installAcrossDevices(src, dst)
	}
	if err != nil {
		s.logger.DebugContext(ctx, "install failed", "path", path, "error", err)
		return fmt.Errorf("install %s: %w", path, err)
	}

	if rmErr := os.Remove(src); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
		s.logger.WarnContext(ctx, "failed to remove install source", "src", src, "error", rmErr)
	}

	s.logger.DebugContext(ctx, "install complete", "path", path)
	return nil
}

// installAcrossDevices copies src next to dst and links the copy into place.
func (s *LocalStore) installAcrossDevices(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // caller-owned scratch file
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), installTempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	return os.Link(tmpPath, dst)
}

// Sub returns a store rooted at an existing directory inside this one.
func (s *LocalStore) Sub(ctx context.Context, dir string) (Store, error) {
	info, err := s.Stat(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sub %s: %w", dir, unix.ENOTDIR)
	}

	return &LocalStore{
		rootPath: filepath.Join(s.rootPath, filepath.FromSlash(dir)),
		logger:   s.logger,
	}, nil
}

// resolve maps a relative path to an absolute one without touching the filesystem.
func (s *LocalStore) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s", apperrors.ErrPathEscapesRoot, path)
	}

	fullPath := filepath.Join(s.rootPath, filepath.FromSlash(path))
	if !within(s.rootPath, fullPath) {
		return "", fmt.Errorf("%w: %s", apperrors.ErrPathEscapesRoot, path)
	}
	return fullPath, nil
}

// resolveExisting resolves path and every symlink on the way, and checks the result is
// still inside the root.
func (s *LocalStore) resolveExisting(path string) (string, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return "", err
	}

	realRoot, err := filepath.EvalSymlinks(s.rootPath)
	if err != nil {
		return "", fmt.Errorf("resolve root %s: %w", s.rootPath, err)
	}
	realPath, err := filepath.EvalSymlinks(fullPath)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if !within(realRoot, realPath) {
		return "", fmt.Errorf("%w: %s", apperrors.ErrPathEscapesRoot, path)
	}
	return realPath, nil
}

// within reports whether target is root or below it.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

var _ Store = (*LocalStore)(nil)
