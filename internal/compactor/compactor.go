// Package compactor replaces old, fully replicated event runs with a single
// snapshot event per record key.
//
// Compaction never changes a record: each key is rewritten in one ledger
// transaction that folds the key before and after, and rolls back if the two
// differ. Originals leave tombstones so a later merge of the same ids is
// ignored.
package compactor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/store"
	"github.com/roach88/habitledger/internal/views"
)

// Ledger is the part of the ledger compaction runs through.
type Ledger interface {
	DeviceID() string
	Today() domain.DateKey
	Exclusive(ctx context.Context, fn func(ctx context.Context, tx *store.Tx) ([]domain.RecordKey, error)) ([]domain.CompletionRecord, error)
}

// Config configures a Compactor.
type Config struct {
	// Interval between passes in Run. Defaults to 24h.
	Interval time.Duration

	// RetentionDays keeps keys dated within this many days of today
	// uncompacted. Defaults to 30.
	RetentionDays int

	// RecencyDays skips keys with any event created this recently.
	// Defaults to 7.
	RecencyDays int

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Clock      domain.Clock
}

// Report summarizes one pass.
type Report struct {
	Compacted     int `json:"compacted"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	EventsRemoved int `json:"events_removed"`
}

// Compactor runs compaction passes over a ledger.
type Compactor struct {
	ledger Ledger
	cfg    Config
	logger *slog.Logger

	passes  *prometheus.CounterVec
	keys    *prometheus.CounterVec
	removed prometheus.Counter
}

// New creates a compactor.
func New(l Ledger, cfg Config) *Compactor {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.RecencyDays <= 0 {
		cfg.RecencyDays = 7
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = domain.SystemClock{}
	}

	f := promauto.With(cfg.Registerer)
	return &Compactor{
		ledger: l,
		cfg:    cfg,
		logger: cfg.Logger,
		passes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "habitledger_compaction_passes_total",
			Help: "Compaction passes by result",
		}, []string{"result"}),
		keys: f.NewCounterVec(prometheus.CounterOpts{
			Name: "habitledger_compaction_keys_total",
			Help: "Record keys visited by compaction, by outcome",
		}, []string{"outcome"}),
		removed: f.NewCounter(prometheus.CounterOpts{
			Name: "habitledger_compaction_events_removed_total",
			Help: "Events replaced by snapshots",
		}),
	}
}

// Run compacts once per interval until ctx is done.
func (c *Compactor) Run(ctx context.Context) error {
	c.logger.Info("compactor starting", "interval", c.cfg.Interval,
		"retention_days", c.cfg.RetentionDays, "recency_days", c.cfg.RecencyDays)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("compactor stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Compact(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("compaction pass failed", "error", err)
			}
		}
	}
}

// Compact runs one pass over every eligible key. A key that fails is rolled
// back and counted; the pass continues with the next key.
func (c *Compactor) Compact(ctx context.Context) (Report, error) {
	var report Report

	cutoff := c.ledger.Today().AddDays(-c.cfg.RetentionDays)
	var candidates []domain.RecordKey
	_, err := c.ledger.Exclusive(ctx, func(ctx context.Context, tx *store.Tx) ([]domain.RecordKey, error) {
		var err error
		candidates, err = tx.CompactionCandidates(ctx, cutoff)
		return nil, err
	})
	if err != nil {
		c.passes.WithLabelValues("error").Inc()
		return report, fmt.Errorf("list compaction candidates: %w", err)
	}

	for _, key := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		removed, err := c.compactKey(ctx, key)
		switch {
		case err != nil:
			report.Failed++
			c.keys.WithLabelValues("failed").Inc()
			c.logger.Error("compaction of key failed",
				"user_id", key.UserID, "habit_id", key.HabitID, "date_key", key.DateKey, "error", err)
		case removed == 0:
			report.Skipped++
			c.keys.WithLabelValues("skipped").Inc()
		default:
			report.Compacted++
			report.EventsRemoved += removed
			c.keys.WithLabelValues("compacted").Inc()
			c.removed.Add(float64(removed))
		}
	}

	c.passes.WithLabelValues("ok").Inc()
	c.logger.Info("compaction pass complete",
		"compacted", report.Compacted, "skipped", report.Skipped,
		"failed", report.Failed, "events_removed", report.EventsRemoved)
	return report, nil
}

// compactKey rewrites one key and returns how many events it removed; 0
// means the key was not eligible.
func (c *Compactor) compactKey(ctx context.Context, key domain.RecordKey) (int, error) {
	var removed int
	_, err := c.ledger.Exclusive(ctx, func(ctx context.Context, tx *store.Tx) ([]domain.RecordKey, error) {
		removed = 0
		events, err := tx.EventsForKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if len(events) < 2 {
			return nil, nil
		}
		ok, err := c.eligible(ctx, tx, key, events)
		if err != nil || !ok {
			return nil, err
		}

		before := views.Fold(events)
		snapshot, err := buildSnapshot(key, events, c.ledger.DeviceID())
		if err != nil {
			return nil, err
		}
		at := c.cfg.Clock.Now()
		for _, e := range events {
			if err := tx.CompactEvent(ctx, e, snapshot.ID, at); err != nil {
				return nil, err
			}
		}
		if _, err := tx.InsertEvent(ctx, snapshot); err != nil {
			return nil, err
		}

		after, err := tx.EventsForKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if got := views.Fold(after); got != before {
			return nil, domain.NewStorageError(domain.CodeStorageFailure,
				fmt.Sprintf("compaction changed progress from %d to %d", before, got), nil)
		}
		removed = len(events)
		return []domain.RecordKey{key}, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// eligible reports whether every event of the key is old enough and known to
// exist remotely.
func (c *Compactor) eligible(ctx context.Context, tx *store.Tx, key domain.RecordKey, events []domain.ProgressEvent) (bool, error) {
	if domain.IsGuest(key.UserID) {
		return false, nil
	}
	recent := c.cfg.Clock.Now().AddDate(0, 0, -c.cfg.RecencyDays)
	uploaded, err := tx.UploadCursors(ctx, key.UserID)
	if err != nil {
		return false, err
	}
	local := c.ledger.DeviceID()
	for _, e := range events {
		if e.CreatedAt.After(recent) {
			return false, nil
		}
		if e.Kind.IsSnapshot() || e.DeviceID != local {
			continue
		}
		if e.Sequence > uploaded[e.Stream()] {
			return false, nil
		}
	}
	return true, nil
}

// buildSnapshot folds events into one snapshot event.
//
// When every event adds, the snapshot is a sum placed at the highest
// sequence. Otherwise it is a set holding the fold, placed exactly where the
// last replacing event sorts, so later merged deltas fold around it the same
// way they would around the originals. A later merged set expands the
// snapshot instead (see ledger.Merge). Its creation time is that of the
// newest original, so a snapshot ages like the data it holds.
func buildSnapshot(key domain.RecordKey, events []domain.ProgressEvent, deviceID string) (domain.ProgressEvent, error) {
	sorted := make([]domain.ProgressEvent, len(events))
	copy(sorted, events)
	views.SortEvents(sorted)

	ids := make([]string, len(sorted))
	var newest time.Time
	for i, e := range sorted {
		ids[i] = e.ID
		if e.CreatedAt.After(newest) {
			newest = e.CreatedAt
		}
	}
	id, err := domain.SnapshotID(key, ids)
	if err != nil {
		return domain.ProgressEvent{}, err
	}

	snap := domain.ProgressEvent{
		ID:           id,
		UserID:       key.UserID,
		OriginUserID: key.UserID,
		DeviceID:     deviceID,
		HabitID:      key.HabitID,
		DateKey:      key.DateKey,
		Kind:         domain.KindSnapshotSum,
		Value:        views.Fold(sorted),
		Sequence:     sorted[len(sorted)-1].Sequence,
		CreatedAt:    newest.UTC(),
	}

	for i := len(sorted) - 1; i >= 0; i-- {
		if !sorted[i].Kind.Additive() {
			anchor := sorted[i]
			snap.Kind = domain.KindSnapshotSet
			snap.Sequence = anchor.Sequence
			snap.OriginUserID = anchor.OriginUserID
			snap.DeviceID = anchor.DeviceID
			break
		}
	}
	return snap, nil
}
