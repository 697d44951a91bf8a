package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/habitledger/internal/app"
	"github.com/roach88/habitledger/internal/config"
	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/remote"
)

// DefaultConfigPath is read when --config is not given. It is created on
// first run to hold the generated device id.
const DefaultConfigPath = "habitledger.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string
	UserID     string
	DeviceID   string
	CatalogDir string

	// remote replaces the configured remote store. Tests share one
	// in-memory store between invocations through it.
	remote remote.DocumentStore
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the habitledger CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "habitledger",
		Short: "habitledger - event-sourced habit progress",
		Long: `Record habit progress as an append-only event log, materialize daily
completion records and XP from it, and sync the log between devices.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", DefaultConfigPath, "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.UserID, "user", "", "signed-in user id (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.DeviceID, "device", "", "device id (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.CatalogDir, "catalog", "", "directory of CUE habit definitions (overrides config)")

	// Add subcommands
	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewHabitsCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig reads the config file, then applies the global flags over it.
// A missing default config file is not an error; a missing file named with
// --config is. A --user flag names a signed-in session.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (config.Config, error) {
	path := opts.ConfigPath
	explicit := cmd.Flags().Changed("config")
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.UserID != "" {
		cfg.UserID = opts.UserID
		cfg.Authenticated = true
	}
	if opts.DeviceID != "" {
		cfg.DeviceID = opts.DeviceID
	}
	if opts.CatalogDir != "" {
		cfg.CatalogDir = opts.CatalogDir
	}

	if _, err := cfg.EnsureDeviceID(opts.ConfigPath, config.UUIDv7Generator{}); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(opts *RootOptions, cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// openService loads the config and assembles the service. The caller must
// Close the returned service.
func openService(ctx context.Context, opts *RootOptions, cmd *cobra.Command, reg prometheus.Registerer) (*app.Service, config.Config, error) {
	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return nil, cfg, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	svc, err := app.New(ctx, cfg, app.Options{
		Remote:     opts.remote,
		Logger:     newLogger(opts, cmd),
		Registerer: reg,
	})
	if err != nil {
		return nil, cfg, WrapExitError(ExitCommandError, "failed to open ledger", err)
	}
	return svc, cfg, nil
}

// parseDate returns the date flag as a date key, or today when it is empty.
func parseDate(s string, svc *app.Service) (domain.DateKey, error) {
	if s == "" {
		return svc.Ledger().Today(), nil
	}
	return domain.ParseDateKey(s)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
