// Package identity handles the transition from guest use to a signed-in
// account: detecting it, and moving guest progress to the account.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/store"
)

// Provider reports the current session.
type Provider interface {
	Current(ctx context.Context) (domain.Identity, error)
}

// StaticProvider is a Provider whose identity is set explicitly, by
// configuration or by tests.
type StaticProvider struct {
	mu sync.RWMutex
	id domain.Identity
}

// NewStaticProvider creates a provider reporting id.
func NewStaticProvider(id domain.Identity) *StaticProvider {
	return &StaticProvider{id: id}
}

// Current implements Provider.
func (p *StaticProvider) Current(context.Context) (domain.Identity, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.id, nil
}

// Set replaces the reported identity.
func (p *StaticProvider) Set(id domain.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.id = id
}

// Ledger is the part of the ledger the resolver needs.
type Ledger interface {
	Owners(ctx context.Context) ([]string, error)
	Exclusive(ctx context.Context, fn func(ctx context.Context, tx *store.Tx) ([]domain.RecordKey, error)) ([]domain.CompletionRecord, error)
}

// Outbox accepts events for upload.
type Outbox interface {
	Enqueue(e domain.ProgressEvent) error
}

// Resolver moves guest data to an authenticated account.
type Resolver struct {
	ledger   Ledger
	provider Provider
	outbox   Outbox
	logger   *slog.Logger
}

// NewResolver creates a resolver. outbox may be nil, in which case migrated
// events are left for the next upload pass to find.
func NewResolver(l Ledger, p Provider, outbox Outbox, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{ledger: l, provider: p, outbox: outbox, logger: logger}
}

// HasForeignData reports whether the session is signed in and local data
// exists that belongs to an account other than currentUserID. Guest and
// anonymous sessions never report foreign data.
func (r *Resolver) HasForeignData(ctx context.Context, currentUserID string) (bool, error) {
	id, err := r.provider.Current(ctx)
	if err != nil {
		return false, fmt.Errorf("read identity: %w", err)
	}
	if !id.SignedIn() {
		return false, nil
	}
	foreign, err := r.foreignOwners(ctx, currentUserID)
	if err != nil {
		return false, err
	}
	return len(foreign) > 0, nil
}

func (r *Resolver) foreignOwners(ctx context.Context, currentUserID string) ([]string, error) {
	owners, err := r.ledger.Owners(ctx)
	if err != nil {
		return nil, err
	}
	var foreign []string
	for _, o := range owners {
		if !domain.IsGuest(o) && o != currentUserID {
			foreign = append(foreign, o)
		}
	}
	return foreign, nil
}

// MigrateGuestData re-tags every guest event and record to userID and
// returns how many events moved. Sequences and origins are untouched, so
// event ids stay the same. Calling it again finds no guest data and
// returns 0.
//
// The provider must report a signed-in session for userID. When local data
// of another account exists the migration is refused with a conflict; the
// caller decides what to do, nothing is guessed.
func (r *Resolver) MigrateGuestData(ctx context.Context, userID string) (int, error) {
	if err := domain.ValidateUserID(userID); err != nil {
		return 0, err
	}
	id, err := r.provider.Current(ctx)
	if err != nil {
		return 0, fmt.Errorf("read identity: %w", err)
	}
	if !id.SignedIn() || id.UserID != userID {
		return 0, domain.NewValidationError(domain.CodeNotAuthenticated,
			fmt.Sprintf("no signed-in session for user %q", userID))
	}

	foreign, err := r.foreignOwners(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(foreign) > 0 {
		sort.Strings(foreign)
		return 0, domain.NewConflictError(domain.CodeForeignData,
			"local data belongs to another account",
			map[string]string{"user_id": userID, "foreign_user_id": foreign[0]})
	}

	var migrated []domain.ProgressEvent
	_, err = r.ledger.Exclusive(ctx, func(ctx context.Context, tx *store.Tx) ([]domain.RecordKey, error) {
		migrated = nil
		events, err := tx.EventsForUser(ctx, domain.GuestUserID)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			return nil, tx.DeleteRecordsForUser(ctx, domain.GuestUserID)
		}
		if _, err := tx.RetagEvents(ctx, domain.GuestUserID, userID); err != nil {
			return nil, err
		}
		if err := tx.DeleteRecordsForUser(ctx, domain.GuestUserID); err != nil {
			return nil, err
		}
		if err := tx.DeleteAggregate(ctx, domain.GuestUserID); err != nil {
			return nil, err
		}

		seen := map[domain.RecordKey]struct{}{}
		var keys []domain.RecordKey
		for _, e := range events {
			e.UserID = userID
			migrated = append(migrated, e)
			if _, ok := seen[e.Key()]; !ok {
				seen[e.Key()] = struct{}{}
				keys = append(keys, e.Key())
			}
		}
		return keys, nil
	})
	if err != nil {
		return 0, fmt.Errorf("migrate guest data: %w", err)
	}
	if len(migrated) == 0 {
		return 0, nil
	}

	r.logger.Info("guest data migrated", "user_id", userID, "events", len(migrated))
	if r.outbox != nil {
		for _, e := range migrated {
			if e.Kind.IsSnapshot() {
				continue
			}
			if err := r.outbox.Enqueue(e); err != nil {
				r.logger.Warn("enqueue migrated event failed", "event_id", e.ID, "error", err)
			}
		}
	}
	return len(migrated), nil
}

// Reconcile checks the session and migrates guest data when a signed-in
// account finds some. It returns the number of events migrated.
func (r *Resolver) Reconcile(ctx context.Context) (int, error) {
	id, err := r.provider.Current(ctx)
	if err != nil {
		return 0, fmt.Errorf("read identity: %w", err)
	}
	if !id.SignedIn() {
		return 0, nil
	}
	owners, err := r.ledger.Owners(ctx)
	if err != nil {
		return 0, err
	}
	for _, o := range owners {
		if domain.IsGuest(o) {
			return r.MigrateGuestData(ctx, id.UserID)
		}
	}
	return 0, nil
}
