// Package ledger is the serialized access point over the progress log.
//
// A Ledger is a monitor. One mutex covers every write: local appends and the
// recompute that follows them, remote merges, compaction transactions and
// identity migration. Each write runs in a single SQLite transaction, and the
// view-change notification for it is published after commit while the lock
// is still held, so subscribers observe changes in commit order.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/habitledger/internal/catalog"
	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/store"
	"github.com/roach88/habitledger/internal/views"
)

// Config configures a Ledger.
type Config struct {
	// DeviceID is the id of this device. Required.
	DeviceID string

	// Location decides which calendar day "today" is. Defaults to UTC.
	Location *time.Location

	// Rules are the XP constants. Defaults to views.DefaultXPRules().
	Rules views.XPRules

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to the system clock.
	Clock domain.Clock
}

// Ledger owns the progress log and its materialized views.
type Ledger struct {
	mu      sync.Mutex
	store   *store.Store
	catalog catalog.Catalog
	counter *Counter
	notify  *notifier

	deviceID string
	loc      *time.Location
	rules    views.XPRules
	logger   *slog.Logger
	clock    domain.Clock
}

// New creates a ledger over s.
func New(s *store.Store, cat catalog.Catalog, cfg Config) (*Ledger, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("ledger: device id is required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Rules.XPPerLevel <= 0 {
		cfg.Rules = views.DefaultXPRules()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = domain.SystemClock{}
	}
	return &Ledger{
		store:    s,
		catalog:  cat,
		counter:  NewCounter(s),
		notify:   newNotifier(),
		deviceID: cfg.DeviceID,
		loc:      cfg.Location,
		rules:    cfg.Rules,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
	}, nil
}

// DeviceID returns the local device id.
func (l *Ledger) DeviceID() string { return l.deviceID }

// Today returns the current calendar day in the ledger's zone.
func (l *Ledger) Today() domain.DateKey {
	return domain.NewDateKey(l.clock.Now(), l.loc)
}

// Counter returns the ledger's sequence counter.
func (l *Ledger) Counter() *Counter { return l.counter }

// Subscribe returns a subscription to view changes. Close it when done.
func (l *Ledger) Subscribe() *Subscription {
	return l.notify.subscribe()
}

// Append stores a locally created event and recomputes its record in the
// same transaction.
//
// The event's sequence must be strictly greater than every sequence already
// stored for its stream. Appending an event whose id is already stored is a
// no-op that returns the current record.
func (l *Ledger) Append(ctx context.Context, e domain.ProgressEvent) (domain.CompletionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.counter.Poisoned(); err != nil {
		return domain.CompletionRecord{}, err
	}
	return l.appendLocked(ctx, e)
}

func (l *Ledger) appendLocked(ctx context.Context, e domain.ProgressEvent) (domain.CompletionRecord, error) {
	if e.Kind.IsSnapshot() {
		return domain.CompletionRecord{}, domain.NewValidationError(domain.CodeInvalidEvent, "snapshot events are written only by compaction")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		return domain.CompletionRecord{}, err
	}
	if e.ID == "" {
		var err error
		if e, err = e.WithID(); err != nil {
			return domain.CompletionRecord{}, domain.NewValidationError(domain.CodeInvalidEvent, err.Error())
		}
	}
	habit, err := l.catalog.Habit(ctx, e.HabitID)
	if err != nil {
		return domain.CompletionRecord{}, err
	}

	var rec domain.CompletionRecord
	var inserted bool
	err = l.store.WithTx(ctx, func(tx *store.Tx) error {
		known, err := tx.EventKnown(ctx, e.ID)
		if err != nil {
			return err
		}
		if !known {
			head, err := tx.StreamHead(ctx, e.Stream())
			if err != nil {
				return err
			}
			if e.Sequence <= head {
				return &domain.Error{
					Kind:    domain.KindValidation,
					Code:    domain.CodeSequenceRegression,
					Message: fmt.Sprintf("sequence %d is not after stream head %d", e.Sequence, head),
					Details: map[string]string{"stream": e.Stream().String()},
				}
			}
			if inserted, err = tx.InsertEvent(ctx, e); err != nil {
				return err
			}
		}
		rec, err = l.recomputeTx(ctx, tx, e.Key(), habit)
		return err
	})
	if err != nil {
		return domain.CompletionRecord{}, wrapStorage("append event", err)
	}

	if inserted {
		l.logger.Debug("event appended",
			"event_id", e.ID, "user_id", e.UserID, "habit_id", e.HabitID,
			"date_key", e.DateKey, "kind", e.Kind, "seq", e.Sequence)
	}
	l.notify.publish([]domain.CompletionRecord{rec})
	return rec, nil
}

// Mode selects how a Change combines with current progress.
type Mode string

const (
	// ModeDelta adds Value to progress.
	ModeDelta Mode = "delta"

	// ModeSet makes Value the new progress absolutely.
	ModeSet Mode = "set"

	// ModeTarget records whatever delta moves current progress to Value.
	ModeTarget Mode = "target"
)

// Change is a progress update requested by a user action.
type Change struct {
	UserID  string
	HabitID string
	DateKey domain.DateKey
	Mode    Mode
	Value   int64
}

// Record claims the next sequence for (user, device) and appends the event
// for change, all under the ledger lock. A target change that would not move
// progress appends nothing and returns a zero event.
func (l *Ledger) Record(ctx context.Context, c Change) (domain.ProgressEvent, domain.CompletionRecord, error) {
	if err := domain.ValidateUserID(c.UserID); err != nil {
		return domain.ProgressEvent{}, domain.CompletionRecord{}, err
	}
	if _, err := domain.ParseDateKey(string(c.DateKey)); err != nil {
		return domain.ProgressEvent{}, domain.CompletionRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.counter.Poisoned(); err != nil {
		return domain.ProgressEvent{}, domain.CompletionRecord{}, err
	}

	e := domain.ProgressEvent{
		UserID:       c.UserID,
		OriginUserID: c.UserID,
		DeviceID:     l.deviceID,
		HabitID:      c.HabitID,
		DateKey:      c.DateKey,
		Value:        c.Value,
	}
	switch c.Mode {
	case ModeDelta:
		e.Kind = domain.KindDelta
	case ModeSet:
		e.Kind = domain.KindSet
	case ModeTarget:
		key := domain.RecordKey{UserID: c.UserID, HabitID: c.HabitID, DateKey: c.DateKey}
		events, err := l.store.Reader().EventsForKey(ctx, key)
		if err != nil {
			return domain.ProgressEvent{}, domain.CompletionRecord{}, wrapStorage("read events", err)
		}
		delta := c.Value - views.Fold(events)
		if delta == 0 {
			habit, err := l.catalog.Habit(ctx, c.HabitID)
			if err != nil {
				return domain.ProgressEvent{}, domain.CompletionRecord{}, err
			}
			return domain.ProgressEvent{}, views.Recompute(key, events, habit, l.clock.Now()), nil
		}
		e.Kind = domain.KindDelta
		e.Value = delta
	default:
		return domain.ProgressEvent{}, domain.CompletionRecord{},
			domain.NewValidationError(domain.CodeInvalidChange, fmt.Sprintf("unknown change mode %q", c.Mode))
	}

	if _, err := l.catalog.Habit(ctx, c.HabitID); err != nil {
		return domain.ProgressEvent{}, domain.CompletionRecord{}, err
	}

	seq, err := l.counter.Next(ctx, c.UserID, l.deviceID)
	if err != nil {
		return domain.ProgressEvent{}, domain.CompletionRecord{}, err
	}
	e.Sequence = seq
	e.CreatedAt = l.clock.Now().UTC()
	if e, err = e.WithID(); err != nil {
		return domain.ProgressEvent{}, domain.CompletionRecord{}, domain.NewValidationError(domain.CodeInvalidEvent, err.Error())
	}

	rec, err := l.appendLocked(ctx, e)
	if err != nil {
		return domain.ProgressEvent{}, domain.CompletionRecord{}, err
	}
	return e, rec, nil
}

// EventsFor returns the events of one key sorted by sequence; empty if none.
func (l *Ledger) EventsFor(ctx context.Context, userID, habitID string, date domain.DateKey) ([]domain.ProgressEvent, error) {
	events, err := l.store.Reader().EventsForKey(ctx, domain.RecordKey{UserID: userID, HabitID: habitID, DateKey: date})
	if err != nil {
		return nil, wrapStorage("read events", err)
	}
	return events, nil
}

// EventsSince returns up to limit uploadable events of one stream owned by
// ownerID with a sequence greater than after.
func (l *Ledger) EventsSince(ctx context.Context, ownerID string, s domain.Stream, after int64, limit int) ([]domain.ProgressEvent, error) {
	events, err := l.store.Reader().EventsSince(ctx, ownerID, s, after, limit)
	if err != nil {
		return nil, wrapStorage("read events", err)
	}
	return events, nil
}

// UploadStreams returns the streams created on this device that ownerID owns.
func (l *Ledger) UploadStreams(ctx context.Context, ownerID string) ([]domain.Stream, error) {
	streams, err := l.store.Reader().Streams(ctx, ownerID, l.deviceID)
	if err != nil {
		return nil, wrapStorage("read streams", err)
	}
	return streams, nil
}

// Merge inserts remote events that are neither stored nor compacted away and
// recomputes every key they touch. Merging the same batch twice changes
// nothing the second time. Returns the number of events inserted.
//
// A snapshot folds the same as its originals only under later deltas. When a
// merged set lands on a key holding a snapshot, the snapshot is expanded
// back into its originals first, so the key folds as if it had never been
// compacted.
//
// Events for a habit missing from the catalog are stored but their record is
// not materialized until the habit exists.
func (l *Ledger) Merge(ctx context.Context, events []domain.ProgressEvent) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var merged int
	var records []domain.CompletionRecord
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		merged = 0
		records = records[:0]
		affected := map[domain.RecordKey]struct{}{}
		expand := map[domain.RecordKey]bool{}
		var order []domain.RecordKey

		for _, e := range events {
			if e.Kind.IsSnapshot() {
				l.logger.Warn("skipping remote snapshot event", "event_id", e.ID)
				continue
			}
			if err := e.Validate(); err != nil || e.ID == "" {
				l.logger.Warn("skipping malformed remote event", "event_id", e.ID, "error", err)
				continue
			}
			known, err := tx.EventKnown(ctx, e.ID)
			if err != nil {
				return err
			}
			if known {
				continue
			}
			inserted, err := tx.InsertEvent(ctx, e)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			merged++
			if !e.Kind.Additive() {
				expand[e.Key()] = true
			}
			if _, ok := affected[e.Key()]; !ok {
				affected[e.Key()] = struct{}{}
				order = append(order, e.Key())
			}
		}

		for _, key := range order {
			if expand[key] {
				if err := l.expandSnapshots(ctx, tx, key); err != nil {
					return err
				}
			}
			habit, err := l.catalog.Habit(ctx, key.HabitID)
			if err != nil {
				if domain.CodeOf(err) == domain.CodeUnknownHabit {
					l.logger.Warn("merged events for unknown habit; record not materialized",
						"user_id", key.UserID, "habit_id", key.HabitID, "date_key", key.DateKey)
					continue
				}
				return err
			}
			rec, err := l.recomputeTx(ctx, tx, key, habit)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return 0, wrapStorage("merge events", err)
	}

	if merged > 0 {
		l.logger.Debug("merged remote events", "count", merged, "records", len(records))
	}
	l.notify.publish(records)
	return merged, nil
}

// expandSnapshots replaces every snapshot of key with the events it was built
// from, following snapshots that were themselves compacted.
func (l *Ledger) expandSnapshots(ctx context.Context, tx *store.Tx, key domain.RecordKey) error {
	events, err := tx.EventsForKey(ctx, key)
	if err != nil {
		return err
	}
	var pending []domain.ProgressEvent
	for _, e := range events {
		if e.Kind.IsSnapshot() {
			pending = append(pending, e)
		}
	}

	for len(pending) > 0 {
		snap := pending[0]
		pending = pending[1:]
		restored, ok, err := tx.ExpandSnapshot(ctx, snap.ID)
		if err != nil {
			return err
		}
		if !ok {
			l.logger.Warn("snapshot cannot be expanded; merged set folds against it",
				"snapshot_id", snap.ID, "user_id", key.UserID, "habit_id", key.HabitID, "date_key", key.DateKey)
			continue
		}
		l.logger.Debug("expanded snapshot", "snapshot_id", snap.ID, "restored", len(restored),
			"user_id", key.UserID, "habit_id", key.HabitID, "date_key", key.DateKey)
		for _, e := range restored {
			if e.Kind.IsSnapshot() {
				pending = append(pending, e)
			}
		}
	}
	return nil
}

// Recompute rebuilds one record from the log and stores it.
func (l *Ledger) Recompute(ctx context.Context, key domain.RecordKey) (domain.CompletionRecord, error) {
	habit, err := l.catalog.Habit(ctx, key.HabitID)
	if err != nil {
		return domain.CompletionRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var rec domain.CompletionRecord
	err = l.store.WithTx(ctx, func(tx *store.Tx) error {
		rec, err = l.recomputeTx(ctx, tx, key, habit)
		return err
	})
	if err != nil {
		return domain.CompletionRecord{}, wrapStorage("recompute", err)
	}
	l.notify.publish([]domain.CompletionRecord{rec})
	return rec, nil
}

func (l *Ledger) recomputeTx(ctx context.Context, tx *store.Tx, key domain.RecordKey, habit domain.Habit) (domain.CompletionRecord, error) {
	events, err := tx.EventsForKey(ctx, key)
	if err != nil {
		return domain.CompletionRecord{}, err
	}
	rec := views.Recompute(key, events, habit, l.clock.Now())
	if err := tx.UpsertRecord(ctx, rec); err != nil {
		return domain.CompletionRecord{}, err
	}
	return rec, nil
}

// Exclusive runs fn in one transaction under the ledger lock. The keys fn
// returns are recomputed in the same transaction, and their records are
// published after commit. Compaction and identity migration go through here.
func (l *Ledger) Exclusive(ctx context.Context, fn func(ctx context.Context, tx *store.Tx) ([]domain.RecordKey, error)) ([]domain.CompletionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var records []domain.CompletionRecord
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		records = nil
		keys, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		for _, key := range keys {
			habit, err := l.catalog.Habit(ctx, key.HabitID)
			if err != nil {
				if domain.CodeOf(err) == domain.CodeUnknownHabit {
					continue
				}
				return err
			}
			rec, err := l.recomputeTx(ctx, tx, key, habit)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.notify.publish(records)
	return records, nil
}

// Records returns a user's records for one day.
func (l *Ledger) Records(ctx context.Context, userID string, date domain.DateKey) ([]domain.CompletionRecord, error) {
	records, err := l.store.Reader().RecordsForDate(ctx, userID, date)
	if err != nil {
		return nil, wrapStorage("read records", err)
	}
	return records, nil
}

// Aggregate recomputes a user's aggregate as of today and stores it.
// The aggregate is never written any other way.
func (l *Ledger) Aggregate(ctx context.Context, userID string) (domain.UserProgressAggregate, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return domain.UserProgressAggregate{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	today := l.Today()
	var agg domain.UserProgressAggregate
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		records, err := tx.RecordsForUser(ctx, userID)
		if err != nil {
			return err
		}
		schedule := views.Schedule{}
		for _, day := range views.Days(today, records) {
			due, err := l.catalog.Scheduled(ctx, day)
			if err != nil {
				return err
			}
			if len(due) > 0 {
				schedule[day] = due
			}
		}
		agg = views.ComputeAggregate(userID, today, records, schedule, l.rules)
		return tx.UpsertAggregate(ctx, agg)
	})
	if err != nil {
		return domain.UserProgressAggregate{}, wrapStorage("compute aggregate", err)
	}
	return agg, nil
}

// DeleteHabit removes a habit's records for a user. This is the only path
// that deletes records; the habit's events stay in the log.
func (l *Ledger) DeleteHabit(ctx context.Context, userID, habitID string) (int64, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.DeleteHabitRecords(ctx, userID, habitID)
		return err
	})
	if err != nil {
		return 0, wrapStorage("delete habit", err)
	}
	l.logger.Info("habit records deleted", "user_id", userID, "habit_id", habitID, "records", n)
	return n, nil
}

// Owners returns every owner of local events or records, the guest included.
func (l *Ledger) Owners(ctx context.Context) ([]string, error) {
	owners, err := l.store.Reader().Owners(ctx)
	if err != nil {
		return nil, wrapStorage("read owners", err)
	}
	return owners, nil
}

// Cursor returns the replication position of userID on this device.
func (l *Ledger) Cursor(ctx context.Context, userID string) (domain.SyncCursor, error) {
	r := l.store.Reader()
	uploaded, err := r.UploadCursors(ctx, userID)
	if err != nil {
		return domain.SyncCursor{}, wrapStorage("read upload cursors", err)
	}
	merged, err := r.MergeCursor(ctx, userID, l.deviceID)
	if err != nil {
		return domain.SyncCursor{}, wrapStorage("read merge cursor", err)
	}
	return domain.SyncCursor{UserID: userID, DeviceID: l.deviceID, Uploaded: uploaded, Merged: merged}, nil
}

// AdvanceUpload records that a stream's events through seq were acknowledged.
func (l *Ledger) AdvanceUpload(ctx context.Context, ownerID string, s domain.Stream, seq int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Reader().AdvanceUploadCursor(ctx, ownerID, s, seq); err != nil {
		return wrapStorage("advance upload cursor", err)
	}
	return nil
}

// AdvanceMerge records that remote offsets through offset were merged.
func (l *Ledger) AdvanceMerge(ctx context.Context, userID string, offset int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.Reader().AdvanceMergeCursor(ctx, userID, l.deviceID, offset); err != nil {
		return wrapStorage("advance merge cursor", err)
	}
	return nil
}

// wrapStorage passes typed errors through and wraps anything else as a
// storage failure.
func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if domain.CodeOf(err) != "" {
		return err
	}
	return domain.NewStorageError(domain.CodeStorageFailure, op, err)
}
