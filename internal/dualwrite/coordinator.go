// Package dualwrite writes progress locally first and then hands it to the
// outbound sync queue.
//
// The local write is the source of truth. Its error is returned unchanged;
// a failure to enqueue never fails the call. Enqueue failures are counted
// and reported through sync health instead.
package dualwrite

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/ledger"
)

// Ledger is the local write path.
type Ledger interface {
	Record(ctx context.Context, c ledger.Change) (domain.ProgressEvent, domain.CompletionRecord, error)
}

// Outbox accepts events for upload.
type Outbox interface {
	Enqueue(e domain.ProgressEvent) error
}

// Coordinator applies progress changes locally and queues them for upload.
type Coordinator struct {
	ledger Ledger
	outbox Outbox
	logger *slog.Logger

	enqueueFailures atomic.Int64
}

// New creates a coordinator. outbox may be nil when nothing syncs.
func New(l Ledger, outbox Outbox, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{ledger: l, outbox: outbox, logger: logger}
}

// RecordProgress makes newValue the day's progress for a habit by appending
// the delta between it and current progress.
func (c *Coordinator) RecordProgress(ctx context.Context, userID, habitID string, date domain.DateKey, newValue int64) (domain.CompletionRecord, error) {
	return c.apply(ctx, ledger.Change{UserID: userID, HabitID: habitID, DateKey: date, Mode: ledger.ModeTarget, Value: newValue})
}

// AddProgress adds delta to the day's progress.
func (c *Coordinator) AddProgress(ctx context.Context, userID, habitID string, date domain.DateKey, delta int64) (domain.CompletionRecord, error) {
	return c.apply(ctx, ledger.Change{UserID: userID, HabitID: habitID, DateKey: date, Mode: ledger.ModeDelta, Value: delta})
}

// SetProgress records value as an absolute set event.
func (c *Coordinator) SetProgress(ctx context.Context, userID, habitID string, date domain.DateKey, value int64) (domain.CompletionRecord, error) {
	return c.apply(ctx, ledger.Change{UserID: userID, HabitID: habitID, DateKey: date, Mode: ledger.ModeSet, Value: value})
}

func (c *Coordinator) apply(ctx context.Context, change ledger.Change) (domain.CompletionRecord, error) {
	e, rec, err := c.ledger.Record(ctx, change)
	if err != nil {
		return domain.CompletionRecord{}, err
	}
	if e.ID == "" || c.outbox == nil {
		return rec, nil
	}
	if err := c.outbox.Enqueue(e); err != nil {
		n := c.enqueueFailures.Add(1)
		c.logger.Warn("enqueue for upload failed; event stays local until the next sync",
			"event_id", e.ID, "user_id", e.UserID, "failures", n, "error", err)
	}
	return rec, nil
}

// EnqueueFailures returns how many enqueue attempts have failed.
func (c *Coordinator) EnqueueFailures() int64 {
	return c.enqueueFailures.Load()
}
