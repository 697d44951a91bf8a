package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/remote"
)

// snapshot renders the final state as text: remote document counts per
// user, then for every device and every local owner the records of each day
// the steps touched and the owner's aggregate.
func (r *run) snapshot(ctx context.Context) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", r.scenario.Name)
	fmt.Fprintf(&b, "today %s\n", domain.NewDateKey(r.clock.Now(), nil))

	for _, u := range r.sortedUsers() {
		fmt.Fprintf(&b, "remote %s documents=%d\n", u, r.remote.Len(remote.EventsCollection("", u)))
	}

	for _, n := range r.nodes {
		fmt.Fprintf(&b, "device %s\n", n.id)
		owners, err := n.service.Ledger().Owners(ctx)
		if err != nil {
			return "", err
		}
		for _, owner := range owners {
			fmt.Fprintf(&b, "  owner %s\n", ownerName(owner))
			for _, date := range r.sortedDates() {
				records, err := n.service.Ledger().Records(ctx, owner, date)
				if err != nil {
					return "", err
				}
				for _, rec := range records {
					status := "open"
					if rec.IsCompleted() {
						status = "completed"
					}
					fmt.Fprintf(&b, "    %s %s %d/%d %s\n", rec.DateKey, rec.HabitID, rec.Progress, rec.Goal, status)
				}
			}
			agg, err := n.service.CurrentAggregate(ctx, owner)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "    aggregate xp=%d level=%d days=%d streak=%d longest=%d\n",
				agg.TotalXP, agg.CurrentLevel, agg.CompletedDays, agg.CurrentStreak, agg.LongestStreak)
		}
	}
	return b.String(), nil
}

func ownerName(userID string) string {
	if domain.IsGuest(userID) {
		return "guest"
	}
	return userID
}

// RunWithGolden executes a scenario, fails the test on any assertion
// failure, and compares the snapshot against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	for _, e := range result.Errors {
		t.Error(e)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, []byte(result.Snapshot))
	return result, nil
}
