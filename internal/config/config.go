// Package config loads the service configuration from defaults, an optional TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/v2"
)

const (
	defaultPort          = 5000
	defaultLockRetry     = 2 * time.Second
	defaultLockMaxWait   = 5 * time.Minute
	defaultUploadMaxSize = 2 * 1024 * 1024 // 2 MiB
)

// Mirror backend names.
const (
	MirrorAuto   = "auto"
	MirrorRsync  = "rsync"
	MirrorNative = "native"
)

// Config is the full service configuration. It is built once and passed to each component.
type Config struct {
	Host         string `koanf:"host"`          // Listen address (JUPYTER_API_HOST)
	Port         int    `koanf:"port"`          // Listen port (JUPYTER_API_PORT)
	APIKey       string `koanf:"api_key"`       // Shared secret expected in X-Api-Key (JUPYTER_API_KEY)
	HomeRoot     string `koanf:"home_root"`     // Root of live home trees (JNOTE_HOME)
	SnapshotRoot string `koanf:"snapshot_root"` // Root of published snapshots (JNOTE_SNAP)
	StagingRoot  string `koanf:"staging_root"`  // Root of transient staging entries (JNOTE_INTSNAP)
	CourseCode   string `koanf:"course_code"`   // Course code used in lock file names (JNOTE_COURSE_CODE)

	Lock   LockConfig   `koanf:"lock"`
	Upload UploadConfig `koanf:"upload"`
	Mirror MirrorConfig `koanf:"mirror"`
}

// LockConfig configures per-owner snapshot locks.
type LockConfig struct {
	Dir           string        `koanf:"dir"`            // Lock file directory (SNAPAPI_LOCK_DIR)
	RetryInterval time.Duration `koanf:"retry_interval"` // Delay between attempts (SNAPAPI_LOCK_RETRY)
	MaxWait       time.Duration `koanf:"max_wait"`       // Give up with Busy after this (SNAPAPI_LOCK_TIMEOUT)
}

// UploadConfig configures upload placement.
type UploadConfig struct {
	Dir        string   `koanf:"dir"`        // Shared scratch area (SNAPAPI_UPLOAD_DIR)
	MaxSize    int64    `koanf:"max_size"`   // Payload cap in bytes (SNAPAPI_UPLOAD_MAX_SIZE)
	Extensions []string `koanf:"extensions"` // Allowed lowercase extensions (SNAPAPI_UPLOAD_EXTENSIONS)
}

// MirrorConfig configures the tree mirroring backend.
type MirrorConfig struct {
	Backend string   `koanf:"backend"` // auto, rsync or native (SNAPAPI_MIRROR)
	Exclude []string `koanf:"exclude"` // gitignore-style patterns (SNAPAPI_MIRROR_EXCLUDE)
}

// envKeys maps environment variable names to configuration keys.
// The JUPYTER_API_* and JNOTE_* names are those used by existing deployments.
var envKeys = map[string]string{
	"JUPYTER_API_HOST":          "host",
	"JUPYTER_API_PORT":          "port",
	"JUPYTER_API_KEY":           "api_key",
	"JNOTE_HOME":                "home_root",
	"JNOTE_SNAP":                "snapshot_root",
	"JNOTE_INTSNAP":             "staging_root",
	"JNOTE_COURSE_CODE":         "course_code",
	"SNAPAPI_LOCK_DIR":          "lock.dir",
	"SNAPAPI_LOCK_RETRY":        "lock.retry_interval",
	"SNAPAPI_LOCK_TIMEOUT":      "lock.max_wait",
	"SNAPAPI_UPLOAD_DIR":        "upload.dir",
	"SNAPAPI_UPLOAD_MAX_SIZE":   "upload.max_size",
	"SNAPAPI_UPLOAD_EXTENSIONS": "upload.extensions",
	"SNAPAPI_MIRROR":            "mirror.backend",
	"SNAPAPI_MIRROR_EXCLUDE":    "mirror.exclude",
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Host:         "0.0.0.0",
		Port:         defaultPort,
		HomeRoot:     "/mnt/efs/stat-100a-home",
		SnapshotRoot: "/mnt/efs/stat-100a-snap",
		StagingRoot:  "/mnt/efs/stat-100a-internal",
		CourseCode:   "STAT100a",
		Lock: LockConfig{
			Dir:           "/var/lock",
			RetryInterval: defaultLockRetry,
			MaxWait:       defaultLockMaxWait,
		},
		Upload: UploadConfig{
			Dir:        filepath.Join(os.TempDir(), "uploads"),
			MaxSize:    defaultUploadMaxSize,
			Extensions: []string{"txt", "html", "htm", "ipynb"},
		},
		Mirror: MirrorConfig{
			Backend: MirrorAuto,
		},
	}
}

// Load builds the configuration. Precedence, lowest first: defaults, the TOML file at
// path (skipped when path is empty), environment variables.
func Load(path string) (*Config, error) {
	konfig := koanf.New(".")

	if path != "" {
		if err := konfig.Load(TOMLFile(path), nil); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := konfig.Load(env.Provider(".", env.Opt{
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	defaultExts := cfg.Upload.Extensions
	// Slices are decoded element-wise over existing values, so start them empty.
	cfg.Upload.Extensions = nil
	if err := konfig.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Upload.Extensions == nil {
		cfg.Upload.Extensions = defaultExts
	}
	cfg.normalize()

	return cfg, nil
}

// transformEnv maps known variables to config keys and drops everything else.
func transformEnv(key, value string) (string, any) {
	name, ok := envKeys[key]
	if !ok {
		return "", nil
	}
	if _, isList := listKeys[name]; isList {
		return name, strings.Split(value, ",")
	}
	return name, value
}

// listKeys are the keys whose environment values are comma separated.
var listKeys = map[string]struct{}{
	"upload.extensions": {},
	"mirror.exclude":    {},
}

// normalize cleans values that are commonly written loosely.
func (c *Config) normalize() {
	c.Mirror.Backend = strings.ToLower(strings.TrimSpace(c.Mirror.Backend))
	if c.Mirror.Backend == "" {
		c.Mirror.Backend = MirrorAuto
	}

	exts := make([]string, 0, len(c.Upload.Extensions))
	for _, ext := range c.Upload.Extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			exts = append(exts, ext)
		}
	}
	c.Upload.Extensions = exts

	exclude := c.Mirror.Exclude[:0]
	for _, pattern := range c.Mirror.Exclude {
		if pattern = strings.TrimSpace(pattern); pattern != "" {
			exclude = append(exclude, pattern)
		}
	}
	c.Mirror.Exclude = exclude
}

// Validation errors.
var (
	ErrRootRequired      = errors.New("home, snapshot and staging roots are required")
	ErrCourseRequired    = errors.New("course code is required")
	ErrInvalidPort       = errors.New("port must be between 1 and 65535")
	ErrInvalidLock       = errors.New("lock retry interval and max wait must be positive")
	ErrInvalidUpload     = errors.New("upload dir and a positive max size are required")
	ErrNoExtensions      = errors.New("at least one allowed upload extension is required")
	ErrUnknownMirror     = errors.New("mirror backend must be auto, rsync or native")
	ErrAPIKeyRequired    = errors.New("api key is required to serve (set JUPYTER_API_KEY)")
	ErrStagingInSnapshot = errors.New("staging root must not be inside the snapshot root")
)

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.HomeRoot == "" || c.SnapshotRoot == "" || c.StagingRoot == "" {
		return ErrRootRequired
	}
	if c.CourseCode == "" {
		return ErrCourseRequired
	}
	if c.Lock.RetryInterval <= 0 || c.Lock.MaxWait <= 0 {
		return ErrInvalidLock
	}
	if c.Upload.Dir == "" || c.Upload.MaxSize <= 0 {
		return ErrInvalidUpload
	}
	if len(c.Upload.Extensions) == 0 {
		return ErrNoExtensions
	}
	switch c.Mirror.Backend {
	case MirrorAuto, MirrorRsync, MirrorNative:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMirror, c.Mirror.Backend)
	}

	// A staging entry under the snapshot root would be listed as a snapshot.
	rel, err := filepath.Rel(filepath.Clean(c.SnapshotRoot), filepath.Clean(c.StagingRoot))
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ErrStagingInSnapshot
	}

	return nil
}

// ValidateServe checks the settings needed by the HTTP server on top of Validate.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Port <= 0 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.APIKey == "" {
		return ErrAPIKeyRequired
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
