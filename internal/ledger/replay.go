package ledger

import (
	"context"

	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/store"
	"github.com/roach88/habitledger/internal/views"
)

// Mismatch describes a stored record that disagrees with the log.
type Mismatch struct {
	Key      domain.RecordKey `json:"key"`
	Stored   int64            `json:"stored"`
	Expected int64            `json:"expected"`
	Reason   string           `json:"reason"`
}

// Rebuild discards every record of userID and regenerates them from the
// log. Views carry no truth of their own, so this never loses data.
func (l *Ledger) Rebuild(ctx context.Context, userID string) (int, error) {
	records, err := l.Exclusive(ctx, func(ctx context.Context, tx *store.Tx) ([]domain.RecordKey, error) {
		if err := tx.DeleteRecordsForUser(ctx, userID); err != nil {
			return nil, err
		}
		return tx.KeysForUser(ctx, userID)
	})
	if err != nil {
		return 0, wrapStorage("rebuild views", err)
	}
	l.logger.Info("views rebuilt", "user_id", userID, "records", len(records))
	return len(records), nil
}

// VerifyViews folds the log for every key of userID and compares the result
// with the stored record. It also checks that SQLite's generated completion
// column agrees with the completion formula.
func (l *Ledger) VerifyViews(ctx context.Context, userID string) ([]Mismatch, error) {
	r := l.store.Reader()
	keys, err := r.KeysForUser(ctx, userID)
	if err != nil {
		return nil, wrapStorage("read keys", err)
	}

	mismatches := []Mismatch{}
	for _, key := range keys {
		events, err := r.EventsForKey(ctx, key)
		if err != nil {
			return nil, wrapStorage("read events", err)
		}
		want := views.Fold(events)

		rec, found, err := r.Record(ctx, key)
		if err != nil {
			return nil, wrapStorage("read record", err)
		}
		if !found {
			if _, herr := l.catalog.Habit(ctx, key.HabitID); herr != nil {
				// Habits missing from the catalog are never materialized.
				continue
			}
			mismatches = append(mismatches, Mismatch{Key: key, Expected: want, Reason: "missing record"})
			continue
		}
		if rec.Progress != want {
			mismatches = append(mismatches, Mismatch{Key: key, Stored: rec.Progress, Expected: want, Reason: "progress differs from fold"})
			continue
		}
		stored, err := r.StoredCompletion(ctx, key)
		if err != nil {
			return nil, wrapStorage("read completion", err)
		}
		if stored != rec.IsCompleted() {
			mismatches = append(mismatches, Mismatch{Key: key, Stored: rec.Progress, Expected: want, Reason: "stored completion differs from formula"})
		}
	}
	return mismatches, nil
}
