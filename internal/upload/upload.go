// Package upload places files sent by the instructor into a student's home tree.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/fclairamb/snapapi/internal/apperrors"
	"github.com/fclairamb/snapapi/internal/snapshot"
	"github.com/fclairamb/snapapi/internal/store"
)

const (
	// DefaultMaxSize is the largest payload accepted.
	DefaultMaxSize = 2 * 1024 * 1024

	scratchDirPerm  = 0o755
	scratchFilePerm = 0o644
)

// DefaultExtensions are the file types that may be placed: text, HTML and notebooks.
var DefaultExtensions = []string{"txt", "html", "htm", "ipynb"}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Sanitize reduces filename to a safe single path segment. It may return "".
func Sanitize(filename string) string {
	var ascii strings.Builder
	for _, r := range norm.NFKD.String(filename) {
		if r <= unicode.MaxASCII {
			ascii.WriteRune(r)
		}
	}

	name := strings.NewReplacer("/", " ", `\`, " ").Replace(ascii.String())
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

// Placer validates uploads and installs them into home trees.
type Placer struct {
	homes      store.Store
	scratchDir string
	maxSize    int64
	extensions []string
	logger     *slog.Logger
}

// Option configures a Placer.
type Option func(*Placer)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Placer) {
		p.logger = l
	}
}

// WithMaxSize sets the payload size limit in bytes.
func WithMaxSize(n int64) Option {
	return func(p *Placer) {
		p.maxSize = n
	}
}

// WithExtensions sets the allowed extensions, without dots.
func WithExtensions(exts []string) Option {
	return func(p *Placer) {
		p.extensions = make([]string, 0, len(exts))
		for _, ext := range exts {
			p.extensions = append(p.extensions, strings.ToLower(strings.TrimPrefix(ext, ".")))
		}
	}
}

// NewPlacer creates a Placer writing scratch files to scratchDir before installing them
// under homes.
func NewPlacer(homes store.Store, scratchDir string, opts ...Option) *Placer {
	placer := &Placer{
		homes:      homes,
		scratchDir: scratchDir,
		maxSize:    DefaultMaxSize,
		extensions: DefaultExtensions,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(placer)
	}

	return placer
}

// MaxSize returns the payload size limit.
func (p *Placer) MaxSize() int64 {
	return p.maxSize
}

// Place installs payload as filename in the owner's home tree and returns the name used.
// Checks run in order: home tree exists, name is usable, name is free, type is allowed.
// Nothing is written unless all of them pass.
func (p *Placer) Place(ctx context.Context, owner, filename string, payload io.Reader) (string, error) {
	const op = "upload.place"

	if err := snapshot.ValidateSegment("owner", owner); err != nil {
		return "", err
	}
	if info, err := p.homes.Stat(ctx, owner); err != nil || !info.IsDir() {
		return "", apperrors.New(apperrors.KindNotFound, op, "home directory for %s not found", owner)
	}

	name := Sanitize(filename)
	if name == "" {
		return "", apperrors.New(apperrors.KindInvalidInput, op, "file name %q is not usable", filename)
	}

	target := owner + "/" + name
	taken, err := p.homes.Exists(ctx, target)
	if err != nil && !errors.Is(err, apperrors.ErrPathEscapesRoot) {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if taken || err != nil {
		// A symlink pointing anywhere still occupies the name.
		return "", apperrors.New(apperrors.KindConflict, op, "%s already exists for %s", name, owner)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if !slices.Contains(p.extensions, ext) {
		return "", apperrors.New(apperrors.KindRejected, op, "file type %q is not allowed", ext)
	}

	scratch, err := p.writeScratch(payload)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if err := os.Remove(scratch); err != nil && !errors.Is(err, fs.ErrNotExist) {
			p.logger.WarnContext(ctx, "failed to remove scratch file", "path", scratch, "error", err)
		}
	}()

	if err := p.homes.Install(ctx, scratch, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", apperrors.New(apperrors.KindConflict, op, "%s already exists for %s", name, owner)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	p.logger.InfoContext(ctx, "file placed", "owner", owner, "name", name)
	return name, nil
}

// writeScratch copies payload to a new uniquely named file in the scratch area.
func (p *Placer) writeScratch(payload io.Reader) (string, error) {
	if err := os.MkdirAll(p.scratchDir, scratchDirPerm); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}

	path := filepath.Join(p.scratchDir, uuid.NewString())
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, scratchFilePerm) //nolint:gosec // generated name
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}

	n, err := io.Copy(file, io.LimitReader(payload, p.maxSize+1))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err == nil && n > p.maxSize {
		err = apperrors.New(apperrors.KindTooLarge, "", "file exceeds %d bytes", p.maxSize)
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}
