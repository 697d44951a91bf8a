package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/syncengine"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle with the remote store",
		Long: `Upload local events the remote store has not acknowledged, then merge
remote events from the user's other devices, and print sync health.

Sync needs a signed-in session (--user or user_id in the config).

Exit codes:
  0 - Cycle completed
  1 - Cycle failed (remote unreachable, etc.)
  2 - Command error (not signed in, database problems, etc.)

Examples:
  habitledger sync --user alice
  habitledger sync --user alice --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts.RootOptions, cmd)

	svc, _, err := openService(ctx, opts.RootOptions, cmd, nil)
	if err != nil {
		return formatter.Fail(err)
	}
	defer svc.Close()

	if err := svc.SyncOnce(ctx); err != nil {
		return formatter.Fail(err)
	}
	h := svc.SyncHealth()
	return formatter.Success(h, formatHealth(h))
}

func formatHealth(h syncengine.Health) string {
	s := fmt.Sprintf("state: %s\nconsecutive failures: %d\n", h.State, h.ConsecutiveFailures)
	if !h.LastSuccess.IsZero() {
		s += fmt.Sprintf("last success: %s\n", h.LastSuccess.Format("2006-01-02 15:04:05"))
	}
	if h.Degraded {
		s += "degraded: yes\n"
	}
	if h.LastError != "" {
		s += fmt.Sprintf("last error: %s\n", h.LastError)
	}
	return s
}

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
}

// MigrateResult reports a guest migration.
type MigrateResult struct {
	UserID   string `json:"user_id"`
	Migrated int    `json:"migrated"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move guest progress to a signed-in account",
		Long: `Re-tag every event recorded as guest on this device so it belongs to the
signed-in user, then rebuild that user's views.

Migration is refused when the device also holds another account's data.

Exit codes:
  0 - Guest data migrated (or there was none)
  1 - Refused: another account's data is on this device
  2 - Command error (not signed in, database problems, etc.)

Examples:
  habitledger migrate --user alice
  habitledger migrate --user alice --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts.RootOptions, cmd)

	svc, cfg, err := openService(ctx, opts.RootOptions, cmd, nil)
	if err != nil {
		return formatter.Fail(err)
	}
	defer svc.Close()

	if domain.IsGuest(cfg.UserID) {
		return formatter.Fail(domain.NewValidationError(domain.CodeNotAuthenticated, "migrate needs --user"))
	}
	n, err := svc.MigrateGuestData(ctx, cfg.UserID)
	if err != nil {
		return formatter.Fail(err)
	}
	return formatter.Success(
		MigrateResult{UserID: cfg.UserID, Migrated: n},
		fmt.Sprintf("Migrated %d guest event(s) to %s.\n", n, cfg.UserID),
	)
}
