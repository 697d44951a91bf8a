package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/remote"
)

// Assertion validates final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "record": one completion record on a device matches Expect
	// - "aggregate": a user's aggregate on a device matches Expect
	// - "health": a device's sync health matches Expect
	// - "event_count": a habit day on a device holds Count events
	// - "remote_count": the remote holds Count documents for User
	// - "converged": Devices hold the same records for User on every day
	//   the steps touched
	Type string `yaml:"type"`

	// Device is the device to inspect (record, aggregate, health, event_count).
	Device string `yaml:"device,omitempty"`

	// Devices are the devices to compare (converged).
	Devices []string `yaml:"devices,omitempty"`

	// User is the owner to inspect. Empty means guest.
	User string `yaml:"user,omitempty"`

	// Habit and Date select a habit day (record, event_count).
	Habit string `yaml:"habit,omitempty"`
	Date  string `yaml:"date,omitempty"`

	// Expect contains expected field values, by JSON field name.
	// Subset match - only specified fields are validated. A record
	// assertion also accepts exists: false for a record that must be
	// absent.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number (event_count, remote_count).
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord      = "record"
	AssertAggregate   = "aggregate"
	AssertHealth      = "health"
	AssertEventCount  = "event_count"
	AssertRemoteCount = "remote_count"
	AssertConverged   = "converged"
)

func validateAssertion(a Assertion, devices map[string]bool) error {
	needDevice := func() error {
		if !devices[a.Device] {
			return fmt.Errorf("%s: unknown device %q", a.Type, a.Device)
		}
		return nil
	}
	switch a.Type {
	case AssertRecord:
		if err := needDevice(); err != nil {
			return err
		}
		if a.Habit == "" || len(a.Expect) == 0 {
			return fmt.Errorf("record: habit and expect are required")
		}
		_, err := domain.ParseDateKey(a.Date)
		return err
	case AssertAggregate, AssertHealth:
		if err := needDevice(); err != nil {
			return err
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("%s: expect is required", a.Type)
		}
	case AssertEventCount:
		if err := needDevice(); err != nil {
			return err
		}
		if a.Habit == "" || a.Count == nil {
			return fmt.Errorf("event_count: habit and count are required")
		}
		_, err := domain.ParseDateKey(a.Date)
		return err
	case AssertRemoteCount:
		if a.Count == nil {
			return fmt.Errorf("remote_count: count is required")
		}
	case AssertConverged:
		if len(a.Devices) < 2 {
			return fmt.Errorf("converged: at least two devices are required")
		}
		for _, d := range a.Devices {
			if !devices[d] {
				return fmt.Errorf("converged: unknown device %q", d)
			}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// checkAssertions evaluates every assertion and returns the failures.
func (r *run) checkAssertions(ctx context.Context) []string {
	var failures []string
	for i, a := range r.scenario.Assertions {
		if err := r.check(ctx, a); err != nil {
			failures = append(failures, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}
	return failures
}

func (r *run) check(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertRecord:
		return r.checkRecord(ctx, a)
	case AssertAggregate:
		agg, err := r.byID[a.Device].service.CurrentAggregate(ctx, a.User)
		if err != nil {
			return err
		}
		return matchFields(agg, a.Expect)
	case AssertHealth:
		return matchFields(r.byID[a.Device].service.SyncHealth(), a.Expect)
	case AssertEventCount:
		events, err := r.byID[a.Device].service.Ledger().EventsFor(ctx, a.User, a.Habit, domain.DateKey(a.Date))
		if err != nil {
			return err
		}
		if len(events) != *a.Count {
			return fmt.Errorf("expected %d events, got %d", *a.Count, len(events))
		}
	case AssertRemoteCount:
		n := r.remote.Len(remote.EventsCollection("", a.User))
		if n != *a.Count {
			return fmt.Errorf("expected %d remote documents for %q, got %d", *a.Count, a.User, n)
		}
	case AssertConverged:
		return r.checkConverged(ctx, a)
	}
	return nil
}

func (r *run) checkRecord(ctx context.Context, a Assertion) error {
	records, err := r.byID[a.Device].service.Ledger().Records(ctx, a.User, domain.DateKey(a.Date))
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.HabitID != a.Habit {
			continue
		}
		if exists, ok := a.Expect["exists"]; ok && exists == false {
			return fmt.Errorf("record %s %s exists with progress %d", a.Habit, a.Date, rec.Progress)
		}
		expect := map[string]any{}
		for k, v := range a.Expect {
			if k != "exists" {
				expect[k] = v
			}
		}
		return matchFields(rec, expect)
	}
	if exists, ok := a.Expect["exists"]; ok && exists == false {
		return nil
	}
	return fmt.Errorf("no record for %s on %s", a.Habit, a.Date)
}

// checkConverged compares each device's records with the first device's.
func (r *run) checkConverged(ctx context.Context, a Assertion) error {
	view := func(deviceID string) (map[string]int64, error) {
		out := map[string]int64{}
		for _, date := range r.sortedDates() {
			records, err := r.byID[deviceID].service.Ledger().Records(ctx, a.User, date)
			if err != nil {
				return nil, err
			}
			for _, rec := range records {
				out[string(rec.DateKey)+" "+rec.HabitID] = rec.Progress
			}
		}
		return out, nil
	}

	want, err := view(a.Devices[0])
	if err != nil {
		return err
	}
	for _, d := range a.Devices[1:] {
		got, err := view(d)
		if err != nil {
			return err
		}
		if diff := diffViews(want, got); diff != "" {
			return fmt.Errorf("%s differs from %s: %s", d, a.Devices[0], diff)
		}
	}
	return nil
}

func diffViews(want, got map[string]int64) string {
	keys := map[string]bool{}
	for k := range want {
		keys[k] = true
	}
	for k := range got {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		w, wok := want[k]
		g, gok := got[k]
		switch {
		case !gok:
			return fmt.Sprintf("%s missing", k)
		case !wok:
			return fmt.Sprintf("%s unexpected (progress %d)", k, g)
		case w != g:
			return fmt.Sprintf("%s progress %d, want %d", k, g, w)
		}
	}
	return ""
}

// matchFields compares the JSON form of actual against expect. Only fields
// named in expect are checked; values compare by their printed form so YAML
// ints match JSON numbers.
func matchFields(actual any, expect map[string]any) error {
	data, err := json.Marshal(actual)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	names := make([]string, 0, len(expect))
	for k := range expect {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, k := range names {
		got, ok := fields[k]
		if !ok {
			return fmt.Errorf("field %q not present", k)
		}
		if fmt.Sprint(got) != fmt.Sprint(expect[k]) {
			return fmt.Errorf("field %q = %v, want %v", k, got, expect[k])
		}
	}
	return nil
}
