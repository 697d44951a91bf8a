package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/habitledger/internal/domain"
)

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	*RootOptions
	HabitID string
	Date    string
	Value   int64
	Add     int64
	Set     int64
}

// RecordResult is the outcome of one record command.
type RecordResult struct {
	Record    domain.CompletionRecord `json:"record"`
	Completed bool                    `json:"completed"`
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record progress for a habit",
		Long: `Record progress for a habit on a day.

Exactly one of --value, --add or --set is required:
  --value n  make n the day's progress (appends the difference)
  --add n    add n to the day's progress
  --set n    overwrite the day's progress with n

The date defaults to today in the configured time zone.

Exit codes:
  0 - Progress recorded
  2 - Command error (unknown habit, bad date, database problems, etc.)

Examples:
  habitledger record --habit run --value 5
  habitledger record --habit water --add 1 --date 2024-03-01
  habitledger record --habit smoking --set 0 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.HabitID, "habit", "", "habit id (required)")
	_ = cmd.MarkFlagRequired("habit")
	cmd.Flags().StringVar(&opts.Date, "date", "", "day as YYYY-MM-DD (default today)")
	cmd.Flags().Int64Var(&opts.Value, "value", 0, "target progress for the day")
	cmd.Flags().Int64Var(&opts.Add, "add", 0, "progress to add")
	cmd.Flags().Int64Var(&opts.Set, "set", 0, "absolute progress")
	cmd.MarkFlagsMutuallyExclusive("value", "add", "set")
	cmd.MarkFlagsOneRequired("value", "add", "set")

	return cmd
}

func runRecord(opts *RecordOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts.RootOptions, cmd)

	svc, cfg, err := openService(ctx, opts.RootOptions, cmd, nil)
	if err != nil {
		return formatter.Fail(err)
	}
	defer svc.Close()

	date, err := parseDate(opts.Date, svc)
	if err != nil {
		return formatter.Fail(err)
	}
	formatter.VerboseLog("Recording %s on %s for user %q", opts.HabitID, date, cfg.UserID)

	var rec domain.CompletionRecord
	switch {
	case cmd.Flags().Changed("add"):
		rec, err = svc.AddProgress(ctx, cfg.UserID, opts.HabitID, date, opts.Add)
	case cmd.Flags().Changed("set"):
		rec, err = svc.SetProgress(ctx, cfg.UserID, opts.HabitID, date, opts.Set)
	default:
		rec, err = svc.RecordProgress(ctx, cfg.UserID, opts.HabitID, date, opts.Value)
	}
	if err != nil {
		return formatter.Fail(err)
	}

	status := "not completed"
	if rec.IsCompleted() {
		status = "completed"
	}
	return formatter.Success(
		RecordResult{Record: rec, Completed: rec.IsCompleted()},
		fmt.Sprintf("%s %s: %d/%d (%s)\n", rec.HabitID, rec.DateKey, rec.Progress, rec.Goal, status),
	)
}
