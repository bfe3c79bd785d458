// Package mirror copies the contents of one directory tree into another, preserving
// permissions, timestamps and symbolic links, and skipping files that are unchanged.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/fclairamb/snapapi/internal/apperrors"
)

// Backend names.
const (
	BackendAuto   = "auto"
	BackendRsync  = "rsync"
	BackendNative = "native"
)

// Options tune a single mirror run.
type Options struct {
	// Exclude holds gitignore-style patterns, relative to the source root.
	Exclude []string
}

// Mirror copies the contents of src (not src itself) into dst, creating dst if needed.
type Mirror interface {
	Name() string
	Mirror(ctx context.Context, src, dst string, opts Options) error
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

type settings struct {
	logger *slog.Logger
}

// Option configures a backend built by New.
type Option func(*settings)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		s.logger = l
	}
}

// New returns the backend called name. "auto" prefers rsync when it is on PATH and falls
// back to the native implementation.
func New(name string, opts ...Option) (Mirror, error) {
	cfg := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	switch strings.ToLower(name) {
	case BackendRsync:
		path, err := lookPath(BackendRsync)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrMirrorUnavailable, err)
		}
		return NewRsync(path, cfg.logger), nil
	case BackendNative:
		return NewNative(cfg.logger), nil
	case BackendAuto, "":
		if path, err := lookPath(BackendRsync); err == nil {
			cfg.logger.Debug("using rsync mirror", "path", path)
			return NewRsync(path, cfg.logger), nil
		}
		cfg.logger.Debug("rsync not found, using native mirror")
		return NewNative(cfg.logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", apperrors.ErrMirrorUnavailable, name)
	}
}
