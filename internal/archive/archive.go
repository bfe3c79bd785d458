// Package archive builds zip archives of published snapshots.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"github.com/fclairamb/snapapi/internal/apperrors"
	"github.com/fclairamb/snapapi/internal/snapshot"
	"github.com/fclairamb/snapapi/internal/store"
)

// Archive is a zip built in memory.
type Archive struct {
	Filename string
	Data     []byte
	Entries  int
}

// Builder zips snapshots. Entry names are relative to the snapshot root, so they start
// with the owner and the snapshot name and never collide across owners.
type Builder struct {
	snapshots store.Store
	logger    *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = l
	}
}

// NewBuilder creates a Builder over the snapshot root.
func NewBuilder(snapshots store.Store, opts ...Option) *Builder {
	builder := &Builder{
		snapshots: snapshots,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder
}

// Build zips the owner's snapshot called name. With an empty owner it zips every
// owner's snapshot of that name. Paths with a component starting with a dot are left out.
func (b *Builder) Build(ctx context.Context, owner, name string) (*Archive, error) {
	const op = "archive.build"

	if err := snapshot.ValidateSegment("snapshot name", name); err != nil {
		return nil, err
	}

	sources, err := b.sources(ctx, op, owner, name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := 0

	for _, src := range sources {
		n, err := b.addTree(ctx, zw, src)
		entries += n
		if err != nil {
			_ = zw.Close()
			if errors.Is(err, fs.ErrNotExist) {
				// Removed out-of-band while we were reading it.
				return nil, apperrors.Wrap(apperrors.KindNotFound, op, err)
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%s: finish zip: %w", op, err)
	}

	filename := name + ".zip"
	if owner != "" {
		filename = owner + "_" + filename
	}

	b.logger.InfoContext(ctx, "archive built",
		"owner", owner,
		"name", name,
		"sources", len(sources),
		"entries", entries,
		"size", buf.Len(),
		"duration_ms", time.Since(start).Milliseconds())

	return &Archive{Filename: filename, Data: buf.Bytes(), Entries: entries}, nil
}

// sources resolves the snapshot directories to archive.
func (b *Builder) sources(ctx context.Context, op, owner, name string) ([]string, error) {
	if owner != "" {
		if err := snapshot.ValidateSegment("owner", owner); err != nil {
			return nil, err
		}
		if !b.isDir(ctx, owner) {
			return nil, apperrors.New(apperrors.KindNotFound, op, "no snapshot directory for %s", owner)
		}
		dir := owner + "/" + name
		if !b.isDir(ctx, dir) {
			return nil, apperrors.New(apperrors.KindNotFound, op, "snapshot %s not found for %s", name, owner)
		}
		return []string{dir}, nil
	}

	owners, err := b.snapshots.List(ctx, "")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.New(apperrors.KindNotFound, op, "snapshot root not found")
		}
		return nil, fmt.Errorf("%s: list owners: %w", op, err)
	}

	var sources []string
	for _, entry := range owners {
		if snapshot.Hidden(entry.Path) {
			continue
		}
		dir := entry.Path + "/" + name
		if b.isDir(ctx, dir) {
			sources = append(sources, dir)
		}
	}
	if len(sources) == 0 {
		return nil, apperrors.New(apperrors.KindNotFound, op, "no snapshot named %s", name)
	}
	return sources, nil
}

// addTree writes src and everything below it, depth first. Entry names keep the src
// prefix; files are the ones the snapshot serves (see snapshot.ServedFile).
func (b *Builder) addTree(ctx context.Context, zw *zip.Writer, src string) (int, error) {
	snap, err := b.snapshots.Sub(ctx, src)
	if err != nil {
		return 0, err
	}

	entries := 0
	err = snap.Walk(ctx, "", func(rel string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		name := path.Join(src, rel)
		if snapshot.Hidden(rel) {
			if entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if entry.IsDir() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			header, err := zip.FileInfoHeader(info)
			if err != nil {
				return err
			}
			header.Name = name + "/"
			header.Method = zip.Store
			if _, err := zw.CreateHeader(header); err != nil {
				return fmt.Errorf("add %s: %w", header.Name, err)
			}
			entries++
			return nil
		}

		info, ok := snapshot.ServedFile(ctx, snap, rel, entry)
		if !ok {
			b.logger.DebugContext(ctx, "skipping entry", "path", name, "type", entry.Type().String())
			return nil
		}
		if err := b.addFile(ctx, zw, snap, rel, name, info); err != nil {
			return err
		}
		entries++
		return nil
	})
	return entries, err
}

func (b *Builder) addFile(ctx context.Context, zw *zip.Writer, snap store.Store, rel, name string, info fs.FileInfo) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}

	r, err := snap.Open(ctx, rel)
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (b *Builder) isDir(ctx context.Context, dir string) bool {
	info, err := b.snapshots.Stat(ctx, dir)
	return err == nil && info.IsDir()
}
