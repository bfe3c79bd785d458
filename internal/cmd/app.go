// Package cmd provides the CLI commands for snapapi.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"

	"github.com/fclairamb/snapapi/internal/api"
	"github.com/fclairamb/snapapi/internal/apperrors"
	"github.com/fclairamb/snapapi/internal/config"
	"github.com/fclairamb/snapapi/internal/version"
)

// verboseFlag is the shared verbose flag for all commands.
var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "Enable verbose logging",
}

// LogFormat represents the log output format.
type LogFormat string

const (
	// LogFormatText is the human-readable text format.
	LogFormatText LogFormat = "text"
	// LogFormatJSON is the JSON-formatted structured logs.
	LogFormatJSON LogFormat = "json"

	logFormatEnv = "SNAPAPI_LOG_FORMAT"
)

// getLogFormat returns the format from SNAPAPI_LOG_FORMAT. When unset, text is used on a
// terminal and JSON otherwise.
func getLogFormat() LogFormat {
	switch strings.ToLower(os.Getenv(logFormatEnv)) {
	case "json":
		return LogFormatJSON
	case "text":
		return LogFormatText
	case "":
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			return LogFormatText
		}
		return LogFormatJSON
	default:
		// Invalid format - will warn after logger is set up
		return LogFormatText
	}
}

// setupLogging configures the global logger based on the verbose flag and SNAPAPI_LOG_FORMAT.
func setupLogging(cmd *cli.Command) {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch getLogFormat() {
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))

	envVal := strings.ToLower(os.Getenv(logFormatEnv))
	if envVal != "" && envVal != "text" && envVal != "json" {
		slog.Warn("Invalid SNAPAPI_LOG_FORMAT value, using text format", "value", envVal)
	}

	if level == slog.LevelDebug {
		slog.Debug("Verbose logging enabled")
	}
}

// before sets up logging for a subcommand.
func before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	setupLogging(cmd)
	return ctx, nil
}

// NewApp creates the CLI application.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:    "snapapi",
		Usage:   "Snapshot, browse and fill per-student home directories",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a TOML configuration file",
				Sources: cli.EnvVars("SNAPAPI_CONFIG"),
			},
			verboseFlag,
		},
		Commands: []*cli.Command{
			serveCommand(),
			snapshotCommand(),
			snapshotAllCommand(),
			listCommand(),
			filesCommand(),
			getCommand(),
			archiveCommand(),
			uploadCommand(),
			versionCommand(),
		},
	}
}

// serveCommand creates the serve subcommand for the HTTP API.
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Address to listen on (overrides JUPYTER_API_HOST)",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "HTTP port to listen on (overrides JUPYTER_API_PORT)",
			},
			verboseFlag,
		},
		Before: before,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return err
			}
			if cmd.IsSet("host") {
				cfg.Host = cmd.String("host")
			}
			if cmd.IsSet("port") {
				cfg.Port = cmd.Int("port")
			}
			if err := cfg.ValidateServe(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			svc, err := newServices(cfg, slog.Default())
			if err != nil {
				return err
			}

			handler := api.NewHandler(svc.materializer, svc.query, svc.archives, svc.uploads, slog.Default())
			server := api.NewServer(cfg.Addr(), cfg.APIKey, handler, slog.Default())

			slog.Info("serving snapshots",
				"home_root", cfg.HomeRoot,
				"snapshot_root", cfg.SnapshotRoot,
				"course", cfg.CourseCode,
				"mirror", svc.mirror.Name())

			return server.Start(ctx)
		},
	}
}

// snapshotCommand creates the snapshot subcommand.
func snapshotCommand() *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Snapshot one student's home directory",
		ArgsUsage: "<student_id> <label>",
		Flags:     []cli.Flag{verboseFlag},
		Before:    before,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 2 {
				return fmt.Errorf("%w: student id and label", apperrors.ErrArgumentsRequired)
			}
			owner, label := cmd.Args().Get(0), cmd.Args().Get(1)

			svc, err := loadServices(cmd)
			if err != nil {
				return err
			}

			name, err := svc.materializer.Create(ctx, owner, label)
			if err != nil {
				return err
			}

			//nolint:forbidigo // CLI user output
			fmt.Printf("Snapshot %s created for %s\n", name, owner)
			return nil
		},
	}
}

// snapshotAllCommand creates the snapshot-all subcommand.
func snapshotAllCommand() *cli.Command {
	return &cli.Command{
		Name:      "snapshot-all",
		Usage:     "Snapshot every student's home directory under the same name",
		ArgsUsage: "<label>",
		Flags:     []cli.Flag{verboseFlag},
		Before:    before,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return fmt.Errorf("%w: label", apperrors.ErrArgumentsRequired)
			}

			svc, err := loadServices(cmd)
			if err != nil {
				return err
			}

			start := time.Now()
			result, err := svc.materializer.CreateAll(ctx, cmd.Args().Get(0))
			if result != nil {
				displayBulkResult(os.Stdout, result, time.Since(start), err)
			}
			return err
		},
	}
}

// listCommand creates the list subcommand.
func listCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List a student's snapshots",
		ArgsUsage: "<student_id>",
		Flags:     []cli.Flag{verboseFlag},
		Before:    before,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return fmt.Errorf("%w: student id", apperrors.ErrArgumentsRequired)
			}
			owner := cmd.Args().Get(0)

			svc, err := loadServices(cmd)
			if err != nil {
				return err
			}

			names, err := svc.query.ListSnapshots(ctx, owner)
			if err != nil {
				return err
			}

			displaySnapshotList(os.Stdout, svc.layout, owner, names, time.Now())
			return nil
		},
	}
}

// filesCommand creates the files subcommand.
func filesCommand() *cli.Command {
	return &cli.Command{
		Name:      "files",
		Usage:     "List the files of a snapshot",
		ArgsUsage: "<student_id> <snapshot_name>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "tree",
				Aliases: []string{"t"},
				Usage:   "Display as tree structure",
			},
			verboseFlag,
		},
		Before: before,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 2 {
				return fmt.Errorf("%w: student id and snapshot name", apperrors.ErrArgumentsRequired)
			}

			svc, err := loadServices(cmd)
			if err != nil {
				return err
			}

			files, err := svc.query.ListFiles(ctx, cmd.Args().Get(0), cmd.Args().Get(1))
			if err != nil {
				return err
			}

			if cmd.Bool("tree") {
				printFileTree(os.Stdout, cmd.Args().Get(1), files)
			} else {
				printFileList(os.Stdout, files)
			}
			return nil
		},
	}
}

// getCommand creates the get subcommand.
func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Write one file of a snapshot to stdout or a file",
		ArgsUsage: "<student_id> <snapshot_name> <path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write to this file instead of stdout",
			},
			verboseFlag,
		},
		Before: before,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 3 {
				return fmt.Errorf("%w: student id, snapshot name and path", apperrors.ErrArgumentsRequired)
			}

			svc, err := loadServices(cmd)
			if err != nil {
				return err
			}

			file, err := svc.query.ReadFile(ctx, cmd.Args().Get(0), cmd.Args().Get(1), cmd.Args().Get(2))
			if err != nil {
				return err
			}

			return writeOutput(cmd.String("output"), file.Data)
		},
	}
}

// archiveCommand creates the archive subcommand.
func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:      "archive",
		Usage:     "Zip a snapshot of one student, or of every student that has it",
		ArgsUsage: "<snapshot_name>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "student",
				Aliases: []string{"s"},
				Usage:   "Only archive this student's snapshot",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output file (defaults to the archive name in the current directory)",
			},
			verboseFlag,
		},
		Before: before,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return fmt.Errorf("%w: snapshot name", apperrors.ErrArgumentsRequired)
			}

			svc, err := loadServices(cmd)
			if err != nil {
				return err
			}

			bundle, err := svc.archives.Build(ctx, cmd.String("student"), cmd.Args().Get(0))
			if err != nil {
				return err
			}

			output := cmd.String("output")
			if output == "" {
				output = bundle.Filename
			}
			if err := writeOutput(output, bundle.Data); err != nil {
				return err
			}

			//nolint:forbidigo // CLI user output
			fmt.Printf("Wrote %s (%d entries, %d bytes)\n", output, bundle.Entries, len(bundle.Data))
			return nil
		},
	}
}

// uploadCommand creates the upload subcommand.
func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Place a local file into a student's home directory",
		ArgsUsage: "<student_id> <file>",
		Flags:     []cli.Flag{verboseFlag},
		Before:    before,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 2 {
				return fmt.Errorf("%w: student id and file", apperrors.ErrArgumentsRequired)
			}
			source := cmd.Args().Get(1)

			svc, err := loadServices(cmd)
			if err != nil {
				return err
			}

			file, err := os.Open(source)
			if err != nil {
				return fmt.Errorf("open %s: %w", source, err)
			}
			defer file.Close()

			name, err := svc.uploads.Place(ctx, cmd.Args().Get(0), filepath.Base(source), file)
			if err != nil {
				return err
			}

			//nolint:forbidigo // CLI user output
			fmt.Printf("Uploaded %s\n", name)
			return nil
		},
	}
}

// versionCommand creates the version subcommand.
func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print build information",
		Action: func(_ context.Context, _ *cli.Command) error {
			//nolint:forbidigo // CLI user output
			fmt.Println(version.String())
			return nil
		},
	}
}

// loadServices loads and validates the configuration, then builds the services.
func loadServices(cmd *cli.Command) (*services, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return newServices(cfg, slog.Default())
}

// writeOutput writes data to path, or to stdout when path is empty.
func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // user-chosen output
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
