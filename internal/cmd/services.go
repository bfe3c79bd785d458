package cmd

import (
	"fmt"
	"log/slog"

	"github.com/fclairamb/snapapi/internal/archive"
	"github.com/fclairamb/snapapi/internal/config"
	"github.com/fclairamb/snapapi/internal/lock"
	"github.com/fclairamb/snapapi/internal/mirror"
	"github.com/fclairamb/snapapi/internal/snapshot"
	"github.com/fclairamb/snapapi/internal/store"
	"github.com/fclairamb/snapapi/internal/upload"
)

// services holds the components built from one configuration.
type services struct {
	layout       snapshot.Layout
	mirror       mirror.Mirror
	materializer *snapshot.Materializer
	query        *snapshot.Query
	archives     *archive.Builder
	uploads      *upload.Placer
}

// newServices wires the components for cfg. cfg must already be validated.
func newServices(cfg *config.Config, logger *slog.Logger) (*services, error) {
	layout := snapshot.Layout{
		Home:      cfg.HomeRoot,
		Snapshots: cfg.SnapshotRoot,
		Staging:   cfg.StagingRoot,
	}

	backend, err := mirror.New(cfg.Mirror.Backend, mirror.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("mirror: %w", err)
	}

	locks := lock.NewManager(cfg.Lock.Dir, cfg.CourseCode,
		lock.WithLogger(logger),
		lock.WithRetryInterval(cfg.Lock.RetryInterval),
		lock.WithMaxWait(cfg.Lock.MaxWait))

	snapshots := store.NewLocalStore(cfg.SnapshotRoot, store.WithLogger(logger))
	homes := store.NewLocalStore(cfg.HomeRoot, store.WithLogger(logger))

	return &services{
		layout: layout,
		mirror: backend,
		materializer: snapshot.NewMaterializer(layout, locks, backend,
			snapshot.WithLogger(logger),
			snapshot.WithExclude(cfg.Mirror.Exclude)),
		query:    snapshot.NewQuery(snapshots, snapshot.WithQueryLogger(logger)),
		archives: archive.NewBuilder(snapshots, archive.WithLogger(logger)),
		uploads: upload.NewPlacer(homes, cfg.Upload.Dir,
			upload.WithLogger(logger),
			upload.WithMaxSize(cfg.Upload.MaxSize),
			upload.WithExtensions(cfg.Upload.Extensions)),
	}, nil
}
