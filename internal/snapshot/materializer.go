// Package snapshot creates immutable per-owner snapshots of home trees and serves them back.
//
// Creation is two-phase: the home tree is mirrored into a per-owner staging entry, then the
// staging entry is renamed to its final name. The rename is the publish point, so readers
// never see a partially written snapshot. Creation for one owner is serialized by a lock;
// distinct owners proceed in parallel.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fclairamb/snapapi/internal/apperrors"
	"github.com/fclairamb/snapapi/internal/lock"
	"github.com/fclairamb/snapapi/internal/mirror"
)

const (
	snapshotDirPerm = 0o755
	// precheckConcurrency bounds stat calls in flight during a bulk pre-check.
	precheckConcurrency = 16
)

// Materializer creates snapshots.
type Materializer struct {
	layout  Layout
	locks   *lock.Manager
	mirror  mirror.Mirror
	exclude []string
	clock   Clock
	logger  *slog.Logger
}

// MaterializerOption configures a Materializer.
type MaterializerOption func(*Materializer)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) MaterializerOption {
	return func(m *Materializer) {
		m.logger = l
	}
}

// WithClock sets the clock used to date snapshot names.
func WithClock(c Clock) MaterializerOption {
	return func(m *Materializer) {
		m.clock = c
	}
}

// WithExclude sets gitignore-style patterns left out of every snapshot.
func WithExclude(patterns []string) MaterializerOption {
	return func(m *Materializer) {
		m.exclude = patterns
	}
}

// NewMaterializer creates a Materializer.
func NewMaterializer(layout Layout, locks *lock.Manager, m mirror.Mirror, opts ...MaterializerOption) *Materializer {
	materializer := &Materializer{
		layout: layout,
		locks:  locks,
		mirror: m,
		clock:  RealClock{},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(materializer)
	}

	return materializer
}

// BulkResult reports a snapshot run across all owners.
type BulkResult struct {
	Name   string
	Owners []string // Owners snapshotted, in order
}

// Create snapshots the owner's home tree under a name derived from label and today's date.
func (m *Materializer) Create(ctx context.Context, owner, label string) (string, error) {
	const op = "snapshot.create"

	if err := ValidateSegment("owner", owner); err != nil {
		return "", err
	}
	name, err := Name(label, m.clock.Now())
	if err != nil {
		return "", err
	}

	if !isDir(m.layout.HomeDir(owner)) {
		return "", apperrors.New(apperrors.KindNotFound, op, "home directory for %s not found", owner)
	}
	if exists(m.layout.SnapshotDir(owner, name)) {
		return "", apperrors.New(apperrors.KindAlreadyExists, op, "snapshot %s already exists for %s", name, owner)
	}

	if err := m.materialize(ctx, owner, name); err != nil {
		return "", err
	}
	return name, nil
}

// CreateAll snapshots every owner under the same name. Collisions are checked for all
// owners before anything is copied; if one owner already has the name, nothing is done.
// A failure part-way stops the run, and the result lists the owners already snapshotted.
func (m *Materializer) CreateAll(ctx context.Context, label string) (*BulkResult, error) {
	const op = "snapshot.create_all"

	name, err := Name(label, m.clock.Now())
	if err != nil {
		return nil, err
	}

	owners, err := m.Owners(ctx)
	if err != nil {
		return nil, err
	}
	result := &BulkResult{Name: name}

	taken := make([]bool, len(owners))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(precheckConcurrency)
	for i, owner := range owners {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			taken[i] = exists(m.layout.SnapshotDir(owner, name))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return result, fmt.Errorf("%s: pre-check: %w", op, err)
	}
	if i := slices.Index(taken, true); i >= 0 {
		return result, apperrors.New(apperrors.KindAlreadyExists, op,
			"snapshot %s already exists for %s", name, owners[i])
	}

	m.logger.InfoContext(ctx, "starting bulk snapshot", "name", name, "owners", len(owners))
	start := time.Now()

	for _, owner := range owners {
		if err := m.materialize(ctx, owner, name); err != nil {
			m.logger.ErrorContext(ctx, "bulk snapshot stopped",
				"name", name,
				"owner", owner,
				"completed", len(result.Owners),
				"error", err)
			return result, err
		}
		result.Owners = append(result.Owners, owner)
	}

	m.logger.InfoContext(ctx, "bulk snapshot complete",
		"name", name,
		"owners", len(result.Owners),
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// Owners lists the owners with a home tree: directories under the home root whose names
// contain no dot.
func (m *Materializer) Owners(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.layout.Home)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.New(apperrors.KindNotFound, "snapshot.owners", "home root %s not found", m.layout.Home)
		}
		return nil, fmt.Errorf("list owners: %w", err)
	}

	owners := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && !strings.Contains(entry.Name(), ".") {
			owners = append(owners, entry.Name())
		}
	}
	m.logger.DebugContext(ctx, "listed owners", "count", len(owners))
	return owners, nil
}

// materialize runs the locked part of creation: mirror into staging, then publish.
func (m *Materializer) materialize(ctx context.Context, owner, name string) error {
	const op = "snapshot.create"

	handle, err := m.locks.Acquire(ctx, owner)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.Release(); err != nil {
			m.logger.WarnContext(ctx, "failed to release snapshot lock", "owner", owner, "error", err)
		}
	}()

	ownerDir := m.layout.OwnerDir(owner)
	final := m.layout.SnapshotDir(owner, name)
	staging := m.layout.StagingDir(owner)

	if err := os.MkdirAll(ownerDir, snapshotDirPerm); err != nil {
		return fmt.Errorf("%s: create snapshot dir: %w", op, err)
	}
	// Another holder may have published the name while we waited for the lock.
	if exists(final) {
		return apperrors.New(apperrors.KindAlreadyExists, op, "snapshot %s already exists for %s", name, owner)
	}

	// A staging entry left behind by a crash is never a valid start.
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("%s: clear staging: %w", op, err)
	}
	if err := os.MkdirAll(filepath.Dir(staging), snapshotDirPerm); err != nil {
		return fmt.Errorf("%s: create staging root: %w", op, err)
	}

	start := time.Now()
	m.logger.InfoContext(ctx, "creating snapshot", "owner", owner, "name", name, "mirror", m.mirror.Name())

	home := m.layout.HomeDir(owner)
	if err := m.mirror.Mirror(ctx, home, staging, mirror.Options{Exclude: m.exclude}); err != nil {
		m.discardStaging(ctx, staging)
		return fmt.Errorf("%s: mirror %s: %w", op, owner, err)
	}

	if err := os.Rename(staging, final); err != nil {
		m.discardStaging(ctx, staging)
		return fmt.Errorf("%s: publish %s: %w", op, name, err)
	}

	m.logger.InfoContext(ctx, "snapshot created",
		"owner", owner,
		"name", name,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (m *Materializer) discardStaging(ctx context.Context, staging string) {
	if err := os.RemoveAll(staging); err != nil {
		m.logger.WarnContext(ctx, "failed to remove staging entry", "path", staging, "error", err)
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
