// Package syncengine replicates the local progress log with a remote
// document store.
//
// A cycle uploads every local stream the signed-in user owns, then merges
// remote documents back into the ledger. Cursors only move after the batch
// they cover is durable on the other side, so an interrupted cycle repeats
// work but never skips it. Puts are idempotent by event id and merges skip
// known ids, which makes repeating safe.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/identity"
	"github.com/roach88/habitledger/internal/remote"
)

var tracer = otel.Tracer("habitledger/syncengine")

var (
	// ErrBusy is returned by SyncOnce while another cycle is running or the
	// engine is backing off.
	ErrBusy = errors.New("sync cycle already in progress")

	// ErrCancelled is returned by SyncOnce when Cancel aborted the cycle.
	ErrCancelled = errors.New("sync cycle cancelled")
)

// Ledger is the part of the ledger the engine replicates.
type Ledger interface {
	UploadStreams(ctx context.Context, ownerID string) ([]domain.Stream, error)
	EventsSince(ctx context.Context, ownerID string, s domain.Stream, after int64, limit int) ([]domain.ProgressEvent, error)
	Merge(ctx context.Context, events []domain.ProgressEvent) (int, error)
	Cursor(ctx context.Context, userID string) (domain.SyncCursor, error)
	AdvanceUpload(ctx context.Context, ownerID string, s domain.Stream, seq int64) error
	AdvanceMerge(ctx context.Context, userID string, offset int64) error
}

// Config configures an Engine. Zero values take the defaults below.
type Config struct {
	BatchSize         int           // default 100
	Interval          time.Duration // default 5m
	Timeout           time.Duration // per network call, default 10s
	BackoffInitial    time.Duration // default 1s
	BackoffMax        time.Duration // default 5m
	DegradedThreshold int           // default 5
	CollectionPrefix  string

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Clock      domain.Clock

	// OnHealthChange is called, outside any lock, whenever Degraded flips.
	OnHealthChange func(Health)
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	if c.Clock == nil {
		c.Clock = domain.SystemClock{}
	}
}

// Engine runs sync cycles for the signed-in user.
//
// Thread-safety: every exported method is safe for concurrent use. Run must
// be called from exactly one goroutine.
type Engine struct {
	ledger   Ledger
	remote   remote.DocumentStore
	provider identity.Provider
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics

	trigger chan struct{} // buffered, size 1; coalesces triggers while idle

	mu          sync.Mutex
	health      Health
	cancelCycle context.CancelFunc
	cancelled   bool
	dirty       bool

	pending atomic.Int64
	stopped atomic.Bool
}

// New creates an engine. It does nothing until Run or SyncOnce is called.
func New(l Ledger, store remote.DocumentStore, provider identity.Provider, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		ledger:   l,
		remote:   store,
		provider: provider,
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  newMetrics(cfg.Registerer),
		trigger:  make(chan struct{}, 1),
		health:   Health{State: StateIdle},
	}
}

// Run drives the engine until ctx is done: a cycle on every tick while a
// signed-in session exists, and on every accepted trigger. A failed cycle is
// retried after Backoff; triggers arriving meanwhile are dropped.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine starting", "interval", e.cfg.Interval, "batch_size", e.cfg.BatchSize)
	defer e.stopped.Store(true)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			if !e.signedIn(ctx) {
				continue
			}
		case <-e.trigger:
		}
		e.runWithRetry(ctx)
	}
}

func (e *Engine) runWithRetry(ctx context.Context) {
	for {
		err := e.SyncOnce(ctx)
		switch {
		case err == nil:
			if e.takeDirty() {
				e.offer("outbox")
			}
			return
		case ctx.Err() != nil,
			errors.Is(err, ErrCancelled),
			errors.Is(err, ErrBusy),
			domain.CodeOf(err) == domain.CodeNotAuthenticated:
			return
		}

		h := e.Health()
		delay := Backoff(e.cfg.BackoffInitial, e.cfg.BackoffMax, h.ConsecutiveFailures)
		e.logger.Warn("sync cycle failed, backing off",
			"failures", h.ConsecutiveFailures, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		e.mu.Lock()
		if e.health.State == StateError {
			e.health.State = StateIdle
		}
		e.mu.Unlock()
	}
}

// SyncNow requests a cycle. It reports whether the request was accepted;
// requests made while a cycle runs or the engine backs off are dropped.
func (e *Engine) SyncNow() bool {
	return e.offer("manual")
}

// Foreground requests a cycle because the app came to the foreground.
func (e *Engine) Foreground() bool {
	return e.offer("foreground")
}

func (e *Engine) offer(source string) bool {
	e.mu.Lock()
	idle := e.health.State == StateIdle
	e.mu.Unlock()

	if !idle {
		e.metrics.triggers.WithLabelValues(source, "dropped").Inc()
		e.logger.Debug("sync trigger dropped", "source", source)
		return false
	}
	select {
	case e.trigger <- struct{}{}:
		e.metrics.triggers.WithLabelValues(source, "accepted").Inc()
	default:
		e.metrics.triggers.WithLabelValues(source, "coalesced").Inc()
	}
	return true
}

// Cancel aborts the cycle in flight, if any. Cursors stay at the last
// committed batch, and the cycle does not count as a failure.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelCycle != nil {
		e.cancelled = true
		e.cancelCycle()
	}
}

// Resume ends a backoff early, typically because connectivity came back.
// An engine in the error state becomes idle, so the next trigger or SyncOnce
// runs a cycle. Failure counts are kept until a cycle succeeds.
func (e *Engine) Resume() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health.State != StateError {
		return false
	}
	e.health.State = StateIdle
	return true
}

// Enqueue hands a freshly written event to the engine for upload. The upload
// pass reads events back from the ledger by cursor, so Enqueue only records
// that there is work and asks for a cycle.
func (e *Engine) Enqueue(ev domain.ProgressEvent) error {
	if e.stopped.Load() {
		return domain.NewSyncError(domain.CodeEngineStopped, "sync engine is stopped", nil)
	}
	e.pending.Add(1)
	if !e.offer("outbox") {
		e.mu.Lock()
		e.dirty = true
		e.mu.Unlock()
	}
	e.logger.Debug("event enqueued for upload", "event_id", ev.ID, "seq", ev.Sequence)
	return nil
}

func (e *Engine) takeDirty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.dirty
	e.dirty = false
	return d
}

// Health returns a snapshot of the engine's status.
func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.health
	h.Pending = e.pending.Load()
	return h
}

func (e *Engine) signedIn(ctx context.Context) bool {
	id, err := e.provider.Current(ctx)
	if err != nil {
		e.logger.Warn("read identity failed", "error", err)
		return false
	}
	return id.SignedIn()
}

// SyncOnce runs one cycle synchronously for the signed-in user. Guests never
// sync; for them SyncOnce returns a NOT_AUTHENTICATED validation error
// without touching health.
func (e *Engine) SyncOnce(ctx context.Context) error {
	id, err := e.provider.Current(ctx)
	if err != nil {
		return fmt.Errorf("read identity: %w", err)
	}
	if !id.SignedIn() {
		return domain.NewValidationError(domain.CodeNotAuthenticated, "sync requires a signed-in session")
	}

	e.mu.Lock()
	if e.health.State != StateIdle {
		e.mu.Unlock()
		return ErrBusy
	}
	cycleCtx, cancel := context.WithCancel(ctx)
	e.cancelCycle = cancel
	e.cancelled = false
	e.health.State = StateUploading
	e.mu.Unlock()
	defer cancel()

	cycleCtx, span := tracer.Start(cycleCtx, "syncengine.cycle")
	span.SetAttributes(attribute.String("user_id", id.UserID))
	defer span.End()

	start := time.Now()
	uploaded, err := e.upload(cycleCtx, id.UserID)
	var merged int
	if err == nil {
		e.setState(StateMerging)
		merged, err = e.merge(cycleCtx, id.UserID)
	}
	e.metrics.cycleDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("uploaded", uploaded), attribute.Int("merged", merged))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync cycle failed")
	}
	return e.finish(ctx, id.UserID, uploaded, merged, err)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.State = s
}

func (e *Engine) finish(ctx context.Context, userID string, uploaded, merged int, err error) error {
	e.mu.Lock()
	e.cancelCycle = nil
	wasDegraded := e.health.Degraded

	switch {
	case err == nil:
		e.health.State = StateIdle
		e.health.LastSuccess = e.cfg.Clock.Now().UTC()
		e.health.ConsecutiveFailures = 0
		e.health.Degraded = false
		e.health.LastError = ""
		e.metrics.cycles.WithLabelValues("success").Inc()
		e.pending.Store(0)

	case e.cancelled || ctx.Err() != nil:
		e.health.State = StateIdle
		e.metrics.cycles.WithLabelValues("cancelled").Inc()
		err = fmt.Errorf("%w: %v", ErrCancelled, err)

	default:
		e.health.State = StateError
		e.health.ConsecutiveFailures++
		e.health.LastError = err.Error()
		e.health.Degraded = e.health.ConsecutiveFailures >= e.cfg.DegradedThreshold
		e.metrics.cycles.WithLabelValues("failure").Inc()
	}
	e.cancelled = false
	e.metrics.failures.Set(float64(e.health.ConsecutiveFailures))
	h := e.health
	e.mu.Unlock()

	if err == nil {
		e.logger.Info("sync cycle complete", "user_id", userID, "uploaded", uploaded, "merged", merged)
	} else if !errors.Is(err, ErrCancelled) {
		e.logger.Error("sync cycle failed", "user_id", userID, "failures", h.ConsecutiveFailures, "error", err)
	}

	if h.Degraded != wasDegraded && e.cfg.OnHealthChange != nil {
		e.cfg.OnHealthChange(h)
	}
	return err
}

// upload pushes every local stream owned by userID past its upload cursor.
// The cursor moves once per batch, after every Put in it succeeded.
func (e *Engine) upload(ctx context.Context, userID string) (int, error) {
	streams, err := e.ledger.UploadStreams(ctx, userID)
	if err != nil {
		return 0, err
	}
	cursor, err := e.ledger.Cursor(ctx, userID)
	if err != nil {
		return 0, err
	}
	collection := remote.EventsCollection(e.cfg.CollectionPrefix, userID)

	var total int
	for _, s := range streams {
		after := cursor.UploadedThrough(s)
		for {
			batch, err := e.ledger.EventsSince(ctx, userID, s, after, e.cfg.BatchSize)
			if err != nil {
				return total, err
			}
			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				data, err := remote.EncodeEvent(ev)
				if err != nil {
					return total, domain.NewSyncError(domain.CodeRemoteFailure, "encode event", err)
				}
				if err := e.put(ctx, collection, ev.ID, data); err != nil {
					return total, err
				}
			}
			last := batch[len(batch)-1].Sequence
			if err := e.ledger.AdvanceUpload(ctx, userID, s, last); err != nil {
				return total, err
			}
			total += len(batch)
			e.metrics.uploaded.Add(float64(len(batch)))
			e.logger.Debug("uploaded batch", "stream", s.String(), "count", len(batch), "through_seq", last)

			after = last
			if len(batch) < e.cfg.BatchSize {
				break
			}
		}
	}
	return total, nil
}

// merge pulls remote documents past the merge cursor into the ledger. The
// cursor moves once per batch, after the local merge committed.
func (e *Engine) merge(ctx context.Context, userID string) (int, error) {
	cursor, err := e.ledger.Cursor(ctx, userID)
	if err != nil {
		return 0, err
	}
	collection := remote.EventsCollection(e.cfg.CollectionPrefix, userID)

	var total int
	after := cursor.Merged
	for {
		docs, err := e.query(ctx, collection, after)
		if err != nil {
			return total, err
		}
		if len(docs) == 0 {
			break
		}

		events := make([]domain.ProgressEvent, 0, len(docs))
		for _, d := range docs {
			ev, err := remote.DecodeEvent(d.Data)
			if err != nil {
				e.metrics.decodeFailures.Inc()
				e.logger.Warn("skipping undecodable remote document", "doc_id", d.ID, "offset", d.Seq, "error", err)
				continue
			}
			if ev.UserID != userID {
				e.logger.Warn("skipping remote event for another user", "doc_id", d.ID, "user_id", ev.UserID)
				continue
			}
			events = append(events, ev)
		}

		n, err := e.ledger.Merge(ctx, events)
		if err != nil {
			return total, err
		}
		last := docs[len(docs)-1].Seq
		if err := e.ledger.AdvanceMerge(ctx, userID, last); err != nil {
			return total, err
		}
		total += n
		e.metrics.merged.Add(float64(n))

		after = last
		if len(docs) < e.cfg.BatchSize {
			break
		}
	}
	return total, nil
}

func (e *Engine) put(ctx context.Context, collection, id string, data []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	if err := e.remote.Put(callCtx, collection, id, data); err != nil {
		return domain.NewSyncError(domain.CodeRemoteFailure, "put "+id, err)
	}
	return nil
}

func (e *Engine) query(ctx context.Context, collection string, since int64) ([]remote.Document, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	docs, err := e.remote.Query(callCtx, collection, since, e.cfg.BatchSize)
	if err != nil {
		return nil, domain.NewSyncError(domain.CodeRemoteFailure, "query "+collection, err)
	}
	return docs, nil
}
