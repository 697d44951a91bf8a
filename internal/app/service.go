// Package app assembles the ledger, sync engine, compactor and identity
// resolver into one service with a start/stop lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/habitledger/internal/catalog"
	"github.com/roach88/habitledger/internal/compactor"
	"github.com/roach88/habitledger/internal/config"
	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/dualwrite"
	"github.com/roach88/habitledger/internal/identity"
	"github.com/roach88/habitledger/internal/ledger"
	"github.com/roach88/habitledger/internal/remote"
	"github.com/roach88/habitledger/internal/store"
	"github.com/roach88/habitledger/internal/syncengine"
)

// redisKeyPrefix namespaces every key the Redis remote writes.
const redisKeyPrefix = "habitledger:"

// Options supplies collaborators that would otherwise be built from config.
// Tests use it to share one in-memory remote between services.
type Options struct {
	Remote     remote.DocumentStore
	Catalog    catalog.Catalog
	Provider   identity.Provider
	Clock      domain.Clock
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Service is the assembled application.
type Service struct {
	store     *store.Store
	catalog   catalog.Catalog
	ledger    *ledger.Ledger
	remote    remote.DocumentStore
	provider  identity.Provider
	engine    *syncengine.Engine
	writer    *dualwrite.Coordinator
	resolver  *identity.Resolver
	compactor *compactor.Compactor
	logger    *slog.Logger

	closers []io.Closer

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New opens the local store and wires every component. cfg must already
// carry a device id.
func New(ctx context.Context, cfg config.Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	cat := opts.Catalog
	if cat == nil {
		if cfg.CatalogDir != "" {
			if cat, err = catalog.LoadDir(cfg.CatalogDir); err != nil {
				return nil, fmt.Errorf("load catalog: %w", err)
			}
		} else {
			cat = catalog.NewStatic()
		}
	}

	s := &Service{catalog: cat, logger: logger}

	s.store, err = store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.closers = append(s.closers, s.store)

	s.remote = opts.Remote
	if s.remote == nil {
		if s.remote, err = openRemote(ctx, cfg.Remote); err != nil {
			s.Close()
			return nil, err
		}
		if c, ok := s.remote.(io.Closer); ok {
			s.closers = append(s.closers, c)
		}
	}

	s.provider = opts.Provider
	if s.provider == nil {
		s.provider = identity.NewStaticProvider(cfg.Identity())
	}

	s.ledger, err = ledger.New(s.store, cat, ledger.Config{
		DeviceID: cfg.DeviceID,
		Location: loc,
		Rules:    cfg.XP,
		Logger:   logger.With("component", "ledger"),
		Clock:    opts.Clock,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.engine = syncengine.New(s.ledger, s.remote, s.provider, syncengine.Config{
		BatchSize:         cfg.Sync.BatchSize,
		Interval:          cfg.Sync.Interval,
		Timeout:           cfg.Sync.Timeout,
		BackoffInitial:    cfg.Sync.BackoffInitial,
		BackoffMax:        cfg.Sync.BackoffMax,
		DegradedThreshold: cfg.Sync.DegradedThreshold,
		CollectionPrefix:  cfg.Remote.CollectionPrefix,
		Logger:            logger.With("component", "syncengine"),
		Registerer:        reg,
		Clock:             opts.Clock,
		OnHealthChange: func(h syncengine.Health) {
			logger.Warn("sync health changed", "degraded", h.Degraded, "failures", h.ConsecutiveFailures)
		},
	})
	s.writer = dualwrite.New(s.ledger, s.engine, logger.With("component", "dualwrite"))
	s.resolver = identity.NewResolver(s.ledger, s.provider, s.engine, logger.With("component", "identity"))
	s.compactor = compactor.New(s.ledger, compactor.Config{
		Interval:      cfg.Compaction.Interval,
		RetentionDays: cfg.Compaction.RetentionDays,
		RecencyDays:   cfg.Compaction.RecencyDays,
		Logger:        logger.With("component", "compactor"),
		Registerer:    reg,
		Clock:         opts.Clock,
	})
	return s, nil
}

func openRemote(ctx context.Context, rc config.RemoteConfig) (remote.DocumentStore, error) {
	switch rc.Kind {
	case config.RemoteRedis:
		r, err := remote.NewRedis(rc.RedisURL, redisKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis remote: %w", err)
		}
		return r, nil
	case config.RemotePostgres:
		p, err := remote.OpenPostgres(ctx, rc.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres remote: %w", err)
		}
		return p, nil
	default:
		return remote.NewMemory(), nil
	}
}

// RecordProgress makes newValue the day's progress for a habit.
func (s *Service) RecordProgress(ctx context.Context, userID, habitID string, date domain.DateKey, newValue int64) (domain.CompletionRecord, error) {
	return s.writer.RecordProgress(ctx, userID, habitID, date, newValue)
}

// AddProgress adds delta to the day's progress.
func (s *Service) AddProgress(ctx context.Context, userID, habitID string, date domain.DateKey, delta int64) (domain.CompletionRecord, error) {
	return s.writer.AddProgress(ctx, userID, habitID, date, delta)
}

// SetProgress sets the day's progress absolutely.
func (s *Service) SetProgress(ctx context.Context, userID, habitID string, date domain.DateKey, value int64) (domain.CompletionRecord, error) {
	return s.writer.SetProgress(ctx, userID, habitID, date, value)
}

// CurrentAggregate recomputes and returns a user's aggregate.
func (s *Service) CurrentAggregate(ctx context.Context, userID string) (domain.UserProgressAggregate, error) {
	return s.ledger.Aggregate(ctx, userID)
}

// SyncNow requests a sync cycle from the running engine.
func (s *Service) SyncNow() bool {
	return s.engine.SyncNow()
}

// SyncOnce runs one sync cycle and waits for it.
func (s *Service) SyncOnce(ctx context.Context) error {
	return s.engine.SyncOnce(ctx)
}

// ResumeSync ends a sync backoff early.
func (s *Service) ResumeSync() bool {
	return s.engine.Resume()
}

// SyncHealth reports sync status, dual-write enqueue failures included.
func (s *Service) SyncHealth() syncengine.Health {
	h := s.engine.Health()
	h.EnqueueFailures = s.writer.EnqueueFailures()
	return h
}

// MigrateGuestData moves guest progress to the signed-in account.
func (s *Service) MigrateGuestData(ctx context.Context, userID string) (int, error) {
	return s.resolver.MigrateGuestData(ctx, userID)
}

// Compact runs one compaction pass.
func (s *Service) Compact(ctx context.Context) (compactor.Report, error) {
	return s.compactor.Compact(ctx)
}

// Ledger returns the underlying ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Catalog returns the habit catalog.
func (s *Service) Catalog() catalog.Catalog { return s.catalog }

// Start reconciles identity and starts the sync engine and compactor in the
// background. Call Stop to end them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group != nil {
		return fmt.Errorf("service already started")
	}

	if n, err := s.resolver.Reconcile(ctx); err != nil {
		if !domain.IsConflict(err) {
			return fmt.Errorf("reconcile identity: %w", err)
		}
		s.logger.Warn("guest data left in place: another account's data is on this device", "error", err)
	} else if n > 0 {
		s.logger.Info("migrated guest data on start", "events", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.engine.Run(gctx) })
	g.Go(func() error { return s.compactor.Run(gctx) })
	s.cancel = cancel
	s.group = g

	s.engine.SyncNow()
	s.logger.Info("service started", "device_id", s.ledger.DeviceID())
	return nil
}

// Stop ends the background goroutines started by Start and waits for them.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()

	if g == nil {
		return nil
	}
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info("service stopped")
	return nil
}

// Close stops the service and releases the store and remote.
func (s *Service) Close() error {
	stopErr := s.Stop()
	var errs []error
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
