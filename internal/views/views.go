// Package views derives completion records and user aggregates from the
// progress log.
//
// Everything here is a pure function of its arguments. No stored completion
// flag or stored progress is ever read back; a record is always the fold of
// its events.
package views

import (
	"sort"
	"time"

	"github.com/roach88/habitledger/internal/domain"
)

// SortEvents orders events for folding: by sequence, then stream, then id.
// Wall-clock time plays no part.
func SortEvents(events []domain.ProgressEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		if a.OriginUserID != b.OriginUserID {
			return a.OriginUserID < b.OriginUserID
		}
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		return a.ID < b.ID
	})
}

// Fold computes the progress of a set of events. Deltas and sum snapshots
// add; sets and set snapshots replace the running value. The input slice is
// not modified.
func Fold(events []domain.ProgressEvent) int64 {
	sorted := make([]domain.ProgressEvent, len(events))
	copy(sorted, events)
	SortEvents(sorted)

	var progress int64
	for _, e := range sorted {
		if e.Kind.Additive() {
			progress += e.Value
		} else {
			progress = e.Value
		}
	}
	return progress
}

// Recompute builds the completion record of one key from its events and the
// habit's current goal and type.
func Recompute(key domain.RecordKey, events []domain.ProgressEvent, habit domain.Habit, now time.Time) domain.CompletionRecord {
	return domain.CompletionRecord{
		UserID:    key.UserID,
		HabitID:   key.HabitID,
		DateKey:   key.DateKey,
		Progress:  Fold(events),
		Goal:      habit.Goal,
		HabitType: habit.Type,
		UpdatedAt: now.UTC(),
	}
}
