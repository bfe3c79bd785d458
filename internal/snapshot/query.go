package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"

	"github.com/fclairamb/snapapi/internal/apperrors"
	"github.com/fclairamb/snapapi/internal/store"
)

// defaultContentType is used for files without an extension.
const defaultContentType = "application/octet-stream"

// Query serves read-only views of published snapshots. It never takes a lock: a snapshot
// removed between checks surfaces as NotFound.
type Query struct {
	snapshots store.Store
	logger    *slog.Logger
}

// QueryOption configures a Query.
type QueryOption func(*Query)

// WithQueryLogger sets a custom logger.
func WithQueryLogger(l *slog.Logger) QueryOption {
	return func(q *Query) {
		q.logger = l
	}
}

// NewQuery creates a Query over the snapshot root.
func NewQuery(snapshots store.Store, opts ...QueryOption) *Query {
	query := &Query{
		snapshots: snapshots,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(query)
	}

	return query
}

// File is a file read from a snapshot.
type File struct {
	Data        []byte
	ContentType string // The bare extension, e.g. "txt"
	Filename    string // Last segment of the requested path
}

// ListSnapshots returns the owner's snapshot names in lexical order.
func (q *Query) ListSnapshots(ctx context.Context, owner string) ([]string, error) {
	const op = "snapshot.list"

	if err := ValidateSegment("owner", owner); err != nil {
		return nil, err
	}
	if !q.isDir(ctx, owner) {
		return nil, apperrors.New(apperrors.KindNotFound, op, "no snapshot directory for %s", owner)
	}

	entries, err := q.snapshots.List(ctx, owner)
	if err != nil {
		return nil, q.classify(op, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := path.Base(entry.Path)
		if entry.IsDir && !strings.Contains(name, ".") {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, apperrors.New(apperrors.KindNoSnapshots, op, "no snapshots for %s", owner)
	}

	q.logger.DebugContext(ctx, "listed snapshots", "owner", owner, "count", len(names))
	return names, nil
}

// ListFiles returns the files of a snapshot as slash paths relative to it: regular files,
// and symlinks that resolve to a regular file inside the snapshot. Hidden files and
// directories are left out. These are exactly the files ReadFile serves.
func (q *Query) ListFiles(ctx context.Context, owner, name string) ([]string, error) {
	const op = "snapshot.files"

	dir, err := q.snapshotDir(ctx, op, owner, name)
	if err != nil {
		return nil, err
	}
	snap, err := q.snapshots.Sub(ctx, dir)
	if err != nil {
		return nil, q.classify(op, err)
	}

	var files []string
	err = snap.Walk(ctx, "", func(rel string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if rel == "." {
			return nil
		}
		if Hidden(rel) {
			if entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if _, ok := ServedFile(ctx, snap, rel, entry); ok {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, q.classify(op, err)
	}
	if len(files) == 0 {
		return nil, apperrors.New(apperrors.KindNotFound, op, "snapshot %s for %s has no files", name, owner)
	}

	q.logger.DebugContext(ctx, "listed snapshot files", "owner", owner, "name", name, "count", len(files))
	return files, nil
}

// ReadFile reads one file of a snapshot. relPath must resolve inside the snapshot.
func (q *Query) ReadFile(ctx context.Context, owner, name, relPath string) (*File, error) {
	const op = "snapshot.read"

	if relPath == "" {
		return nil, apperrors.New(apperrors.KindMissingField, op, "file name is required")
	}
	dir, err := q.snapshotDir(ctx, op, owner, name)
	if err != nil {
		return nil, err
	}

	snap, err := q.snapshots.Sub(ctx, dir)
	if err != nil {
		return nil, q.classify(op, err)
	}

	info, err := snap.Stat(ctx, relPath)
	if err != nil {
		return nil, q.classify(op, err)
	}
	if info.IsDir() {
		return nil, apperrors.New(apperrors.KindNotFound, op, "%s is not a file", relPath)
	}

	data, err := snap.Read(ctx, relPath)
	if err != nil {
		return nil, q.classify(op, err)
	}

	q.logger.DebugContext(ctx, "read snapshot file", "owner", owner, "name", name, "path", relPath, "size", len(data))
	return &File{
		Data:        data,
		ContentType: ContentType(relPath),
		Filename:    path.Base(relPath),
	}, nil
}

// ServedFile reports whether the walked entry at rel is a file served from snap, and
// returns the info of the file it designates. Regular files qualify, and so do symlinks
// resolving to a regular file that stays inside snap.
func ServedFile(ctx context.Context, snap store.Store, rel string, entry fs.DirEntry) (fs.FileInfo, bool) {
	switch {
	case entry.Type().IsRegular():
		info, err := entry.Info()
		return info, err == nil
	case entry.Type()&fs.ModeSymlink != 0:
		info, err := snap.Stat(ctx, rel)
		if err != nil || !info.Mode().IsRegular() {
			return nil, false
		}
		return info, true
	default:
		return nil, false
	}
}

// ContentType returns the extension of p without its dot, or a generic binary type.
func ContentType(p string) string {
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" {
		return defaultContentType
	}
	return ext
}

// Hidden reports whether any segment of the slash path p starts with a dot.
func Hidden(p string) bool {
	for segment := range strings.SplitSeq(path.Clean(p), "/") {
		if strings.HasPrefix(segment, ".") && segment != "." {
			return true
		}
	}
	return false
}

// snapshotDir validates owner and name and checks both exist, in that order.
func (q *Query) snapshotDir(ctx context.Context, op, owner, name string) (string, error) {
	if err := ValidateSegment("owner", owner); err != nil {
		return "", err
	}
	if err := ValidateSegment("snapshot name", name); err != nil {
		return "", err
	}
	if !q.isDir(ctx, owner) {
		return "", apperrors.New(apperrors.KindNotFound, op, "no snapshot directory for %s", owner)
	}
	dir := owner + "/" + name
	if !q.isDir(ctx, dir) {
		return "", apperrors.New(apperrors.KindNotFound, op, "snapshot %s not found for %s", name, owner)
	}
	return dir, nil
}

func (q *Query) isDir(ctx context.Context, dir string) bool {
	info, err := q.snapshots.Stat(ctx, dir)
	return err == nil && info.IsDir()
}

// classify maps filesystem errors to error kinds.
func (q *Query) classify(op string, err error) error {
	switch {
	case errors.Is(err, apperrors.ErrPathEscapesRoot):
		return apperrors.Wrap(apperrors.KindInvalidInput, op, err)
	case errors.Is(err, fs.ErrNotExist):
		return apperrors.Wrap(apperrors.KindNotFound, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
