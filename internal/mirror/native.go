package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"golang.org/x/sys/unix"
)

const mirrorTempPattern = ".mirror-*"

// NativeMirror is a pure Go implementation of the subset of rsync -a the service uses.
// Like rsync without --delete, it never removes files from dst that are absent from src.
type NativeMirror struct {
	logger *slog.Logger
}

// NewNative creates a native mirror.
func NewNative(logger *slog.Logger) *NativeMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &NativeMirror{logger: logger}
}

// Name returns the backend name.
func (m *NativeMirror) Name() string {
	return BackendNative
}

type mirrorStats struct {
	copied    int
	unchanged int
	links     int
	dirs      int
	skipped   int
}

type pendingDir struct {
	target string
	info   fs.FileInfo
}

// Mirror copies the contents of src into dst.
func (m *NativeMirror) Mirror(ctx context.Context, src, dst string, opts Options) error {
	root, err := filepath.EvalSymlinks(src)
	if err != nil {
		return fmt.Errorf("resolve source: %w", err)
	}
	rootInfo, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !rootInfo.IsDir() {
		return fmt.Errorf("source %s: %w", src, unix.ENOTDIR)
	}

	matcher := buildMatcher(opts.Exclude)
	start := time.Now()
	var stats mirrorStats
	// Directory modes and times are applied after their children have been written.
	var dirs []pendingDir

	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel != "." && matcher != nil && matcher.Match(strings.Split(rel, string(filepath.Separator)), entry.IsDir()) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			if err := ensureDir(target); err != nil {
				return err
			}
			dirs = append(dirs, pendingDir{target: target, info: info})
			stats.dirs++
		case info.Mode()&fs.ModeSymlink != 0:
			if err := copySymlink(path, target, info); err != nil {
				return err
			}
			stats.links++
		case info.Mode().IsRegular():
			copied, err := copyFile(path, target, info)
			if errors.Is(err, fs.ErrNotExist) {
				m.logger.DebugContext(ctx, "source file vanished", "path", rel)
				return nil
			}
			if err != nil {
				return err
			}
			if copied {
				stats.copied++
			} else {
				stats.unchanged++
			}
		default:
			m.logger.DebugContext(ctx, "skipping special file", "path", rel, "mode", info.Mode().String())
			stats.skipped++
			return nil
		}

		return chownLike(target, info)
	})
	if err != nil {
		return fmt.Errorf("mirror %s: %w", src, err)
	}

	for _, dir := range slices.Backward(dirs) {
		if err := os.Chmod(dir.target, dir.info.Mode().Perm()); err != nil {
			return fmt.Errorf("chmod %s: %w", dir.target, err)
		}
		if err := os.Chtimes(dir.target, dir.info.ModTime(), dir.info.ModTime()); err != nil {
			return fmt.Errorf("chtimes %s: %w", dir.target, err)
		}
	}

	m.logger.DebugContext(ctx, "native mirror complete",
		"src", src,
		"dst", dst,
		"copied", stats.copied,
		"unchanged", stats.unchanged,
		"links", stats.links,
		"dirs", stats.dirs,
		"skipped", stats.skipped,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func buildMatcher(exclude []string) gitignore.Matcher {
	if len(exclude) == 0 {
		return nil
	}
	patterns := make([]gitignore.Pattern, 0, len(exclude))
	for _, pattern := range exclude {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(pattern, nil))
	}
	return gitignore.NewMatcher(patterns)
}

// ensureDir makes target a directory, replacing anything else found there.
func ensureDir(target string) error {
	existing, err := os.Lstat(target)
	switch {
	case err == nil && existing.IsDir():
		return nil
	case err == nil:
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("replace %s: %w", target, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("stat %s: %w", target, err)
	}
	// Owner-writable until the final chmod so children can be created.
	if err := os.MkdirAll(target, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", target, err)
	}
	return nil
}

func copySymlink(path, target string, info fs.FileInfo) error {
	link, err := os.Readlink(path)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", path, err)
	}

	if existing, err := os.Readlink(target); err == nil && existing == link {
		return nil
	}
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("replace %s: %w", target, err)
	}
	if err := os.Symlink(link, target); err != nil {
		return fmt.Errorf("symlink %s: %w", target, err)
	}

	ts := unix.NsecToTimespec(info.ModTime().UnixNano())
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, target, []unix.Timespec{ts, ts}, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return fmt.Errorf("set symlink times %s: %w", target, err)
	}
	return nil
}

// copyFile writes path to target through a temp file and rename. It reports false when
// target already has the same size and modification time.
func copyFile(path, target string, info fs.FileInfo) (bool, error) {
	existing, err := os.Lstat(target)
	if err == nil && existing.Mode().IsRegular() &&
		existing.Size() == info.Size() && existing.ModTime().Equal(info.ModTime()) {
		if existing.Mode().Perm() != info.Mode().Perm() {
			if err := os.Chmod(target, info.Mode().Perm()); err != nil {
				return false, fmt.Errorf("chmod %s: %w", target, err)
			}
		}
		return false, nil
	}
	if err == nil && existing.IsDir() {
		if err := os.RemoveAll(target); err != nil {
			return false, fmt.Errorf("replace %s: %w", target, err)
		}
	}

	in, err := os.Open(path) //nolint:gosec // walking the source tree
	if err != nil {
		return false, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(target), mirrorTempPattern)
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("copy %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("chmod %s: %w", target, err)
	}
	if err := os.Chtimes(tmpPath, info.ModTime(), info.ModTime()); err != nil {
		return false, fmt.Errorf("chtimes %s: %w", target, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return false, fmt.Errorf("rename into %s: %w", target, err)
	}
	return true, nil
}

// chownLike copies ownership from info. Only root can give files away.
func chownLike(target string, info fs.FileInfo) error {
	if os.Geteuid() != 0 {
		return nil
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if err := unix.Lchown(target, int(stat.Uid), int(stat.Gid)); err != nil {
		return fmt.Errorf("chown %s: %w", target, err)
	}
	return nil
}

var _ Mirror = (*NativeMirror)(nil)
