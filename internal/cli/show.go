package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/habitledger/internal/domain"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	Date string
}

// ShowResult holds a day's records and the user's aggregate.
type ShowResult struct {
	Date      domain.DateKey               `json:"date"`
	Records   []domain.CompletionRecord    `json:"records"`
	Aggregate domain.UserProgressAggregate `json:"aggregate"`
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a day's records and the XP aggregate",
		Long: `Show the completion records of one day and the user's aggregate:
total XP, level, completed days and streaks.

Exit codes:
  0 - Success
  2 - Command error (bad date, database problems, etc.)

Examples:
  habitledger show
  habitledger show --date 2024-03-01 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Date, "date", "", "day as YYYY-MM-DD (default today)")

	return cmd
}

func runShow(opts *ShowOptions, cmd *cobra.Command) error {
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
	records, err := svc.Ledger().Records(ctx, cfg.UserID, date)
	if err != nil {
		return formatter.Fail(err)
	}
	agg, err := svc.CurrentAggregate(ctx, cfg.UserID)
	if err != nil {
		return formatter.Fail(err)
	}
	if records == nil {
		records = []domain.CompletionRecord{}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", date)
	if len(records) == 0 {
		b.WriteString("  no progress recorded\n")
	}
	for _, r := range records {
		mark := " "
		if r.IsCompleted() {
			mark = "x"
		}
		fmt.Fprintf(&b, "  [%s] %s %d/%d\n", mark, r.HabitID, r.Progress, r.Goal)
	}
	fmt.Fprintf(&b, "XP %d (level %d), streak %d, longest %d\n",
		agg.TotalXP, agg.CurrentLevel, agg.CurrentStreak, agg.LongestStreak)

	return formatter.Success(ShowResult{Date: date, Records: records, Aggregate: agg}, b.String())
}

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	HabitID string
	Date    string
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the progress events of a habit day",
		Long: `List the events that fold into one completion record, in fold order.

Exit codes:
  0 - Success
  2 - Command error (bad date, database problems, etc.)

Examples:
  habitledger events --habit run
  habitledger events --habit run --date 2024-03-01 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.HabitID, "habit", "", "habit id (required)")
	_ = cmd.MarkFlagRequired("habit")
	cmd.Flags().StringVar(&opts.Date, "date", "", "day as YYYY-MM-DD (default today)")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
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
	events, err := svc.Ledger().EventsFor(ctx, cfg.UserID, opts.HabitID, date)
	if err != nil {
		return formatter.Fail(err)
	}
	if events == nil {
		events = []domain.ProgressEvent{}
	}

	var b strings.Builder
	if len(events) == 0 {
		fmt.Fprintf(&b, "No events for %s on %s.\n", opts.HabitID, date)
	}
	for _, e := range events {
		fmt.Fprintf(&b, "%s  %-13s %6d  seq=%d device=%s\n", shortID(e.ID), e.Kind, e.Value, e.Sequence, e.DeviceID)
	}
	return formatter.Success(events, b.String())
}

// HabitsOptions holds flags for the habits command.
type HabitsOptions struct {
	*RootOptions
	Date string
}

// NewHabitsCommand creates the habits command.
func NewHabitsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HabitsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "habits",
		Short: "List the habits scheduled on a day",
		Long: `List the catalog habits scheduled on a day.

Exit codes:
  0 - Success
  2 - Command error (invalid catalog, bad date, etc.)

Examples:
  habitledger habits --catalog ./habits
  habitledger habits --date 2024-03-04 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHabits(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Date, "date", "", "day as YYYY-MM-DD (default today)")

	return cmd
}

func runHabits(opts *HabitsOptions, cmd *cobra.Command) error {
	ctx := commandContext(cmd)
	formatter := newFormatter(opts.RootOptions, cmd)

	svc, _, err := openService(ctx, opts.RootOptions, cmd, nil)
	if err != nil {
		return formatter.Fail(err)
	}
	defer svc.Close()

	date, err := parseDate(opts.Date, svc)
	if err != nil {
		return formatter.Fail(err)
	}
	habits, err := svc.Catalog().Scheduled(ctx, date)
	if err != nil {
		return formatter.Fail(err)
	}
	if habits == nil {
		habits = []domain.Habit{}
	}

	var b strings.Builder
	if len(habits) == 0 {
		fmt.Fprintf(&b, "No habits scheduled on %s.\n", date)
	}
	for _, h := range habits {
		goal := fmt.Sprintf("goal %d", h.Goal)
		if h.Unit != "" {
			goal += " " + h.Unit
		}
		fmt.Fprintf(&b, "%-12s %-9s %s\n", h.ID, h.Type, goal)
	}
	return formatter.Success(habits, b.String())
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
