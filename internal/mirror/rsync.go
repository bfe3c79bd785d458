package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// rsyncExitVanished is rsync's exit status when source files disappeared mid-transfer.
// Home trees are live, so this is expected and not an error.
const rsyncExitVanished = 24

// RsyncMirror shells out to rsync.
type RsyncMirror struct {
	path   string
	logger *slog.Logger
}

// NewRsync creates a mirror running the rsync binary at path.
func NewRsync(path string, logger *slog.Logger) *RsyncMirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &RsyncMirror{path: path, logger: logger}
}

// Name returns the backend name.
func (m *RsyncMirror) Name() string {
	return BackendRsync
}

// Mirror runs rsync in archive mode with whole-file transfer.
func (m *RsyncMirror) Mirror(ctx context.Context, src, dst string, opts Options) error {
	args := m.args(src, dst, opts)

	m.logger.DebugContext(ctx, "running rsync", "args", strings.Join(args, " "))
	start := time.Now()

	cmd := exec.CommandContext(ctx, m.path, args...) //nolint:gosec // binary resolved from PATH at startup
	output, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == rsyncExitVanished {
		m.logger.WarnContext(ctx, "some source files vanished during mirror", "src", src)
		err = nil
	}
	if err != nil {
		return fmt.Errorf("rsync %s: %w: %s", src, err, strings.TrimSpace(string(output)))
	}

	m.logger.DebugContext(ctx, "rsync complete",
		"src", src,
		"dst", dst,
		"duration_ms", time.Since(start).Milliseconds(),
		"output", strings.TrimSpace(string(output)))
	return nil
}

func (m *RsyncMirror) args(src, dst string, opts Options) []string {
	args := []string{"-a", "-h", "-W", "--no-compress"}
	for _, pattern := range opts.Exclude {
		args = append(args, "--exclude="+pattern)
	}
	// The trailing slash copies the contents of src rather than src itself.
	return append(args, strings.TrimRight(src, "/")+"/", dst)
}

var _ Mirror = (*RsyncMirror)(nil)
