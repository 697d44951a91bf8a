package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/habitledger/internal/ledger"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Replace old replicated events with snapshots",
		Long: `Run one compaction pass. Each eligible habit day outside the retention
window whose events have all reached the remote store is replaced by a
single snapshot event with the same folded value.

Exit codes:
  0 - Pass completed (keys that failed are reported, not fatal)
  2 - Command error (database problems, etc.)

Examples:
  habitledger compact
  habitledger compact --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(opts, cmd)
		},
	}

	return cmd
}

func runCompact(opts *CompactOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts.RootOptions, cmd)

	svc, _, err := openService(ctx, opts.RootOptions, cmd, nil)
	if err != nil {
		return formatter.Fail(err)
	}
	defer svc.Close()

	report, err := svc.Compact(ctx)
	if err != nil {
		return formatter.Fail(err)
	}
	return formatter.Success(report, fmt.Sprintf(
		"Compacted %d key(s), removed %d event(s); skipped %d, failed %d.\n",
		report.Compacted, report.EventsRemoved, report.Skipped, report.Failed))
}

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	VerifyOnly bool
}

// ReplayResult holds the outcome of a replay.
type ReplayResult struct {
	UserID     string            `json:"user_id"`
	Rebuilt    int               `json:"rebuilt"`
	Mismatches []ledger.Mismatch `json:"mismatches"`
	Verified   bool              `json:"verified"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild views from the event log and verify them",
		Long: `Discard the user's completion records, regenerate them by folding the
event log, then verify every stored record against the log.

With --verify-only the records are checked without rebuilding them first.

Exit codes:
  0 - Every record matches the log
  1 - Verification failed (mismatches detected)
  2 - Command error (database problems, etc.)

Examples:
  habitledger replay
  habitledger replay --verify-only --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.VerifyOnly, "verify-only", false, "verify records without rebuilding them")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts.RootOptions, cmd)

	svc, cfg, err := openService(ctx, opts.RootOptions, cmd, nil)
	if err != nil {
		return formatter.Fail(err)
	}
	defer svc.Close()

	result := ReplayResult{UserID: cfg.UserID}
	if !opts.VerifyOnly {
		if result.Rebuilt, err = svc.Ledger().Rebuild(ctx, cfg.UserID); err != nil {
			return formatter.Fail(err)
		}
		formatter.VerboseLog("Rebuilt %d record(s)", result.Rebuilt)
	}
	if result.Mismatches, err = svc.Ledger().VerifyViews(ctx, cfg.UserID); err != nil {
		return formatter.Fail(err)
	}
	result.Verified = len(result.Mismatches) == 0

	if !result.Verified {
		if opts.Format == "json" {
			_ = formatter.Error(ErrCodeVerifyFails, "views do not match the event log", result)
		} else {
			var b strings.Builder
			for _, m := range result.Mismatches {
				fmt.Fprintf(&b, "  %s %s %s: stored %d, log folds to %d (%s)\n",
					m.Key.UserID, m.Key.HabitID, m.Key.DateKey, m.Stored, m.Expected, m.Reason)
			}
			_ = formatter.Error(ErrCodeVerifyFails, fmt.Sprintf("%d record(s) do not match the event log", len(result.Mismatches)), nil)
			fmt.Fprint(cmd.OutOrStdout(), b.String())
		}
		return NewExitError(ExitFailure, "view verification failed")
	}

	text := "Verified all records against the event log.\n"
	if !opts.VerifyOnly {
		text = fmt.Sprintf("Rebuilt %d record(s); all match the event log.\n", result.Rebuilt)
	}
	return formatter.Success(result, text)
}
