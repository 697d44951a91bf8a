package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/store"
)

// Counter issues sequence numbers per (user, device) stream.
//
// Every number is persisted before it is returned, so a number is never
// handed out twice even if the process dies or the append that wanted it
// fails. The next number is one past the larger of the persisted counter and
// the highest sequence already stored for the stream.
//
// If the persisted state cannot be read, the counter is poisoned and every
// later call fails. Guessing a value could collide with an existing event.
type Counter struct {
	mu       sync.Mutex
	store    *store.Store
	poisoned error
}

// NewCounter creates a counter backed by s.
func NewCounter(s *store.Store) *Counter {
	return &Counter{store: s}
}

// Next claims the next sequence number for (userID, deviceID).
func (c *Counter) Next(ctx context.Context, userID, deviceID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned != nil {
		return 0, c.poisoned
	}

	var next int64
	err := c.store.WithTx(ctx, func(tx *store.Tx) error {
		last, _, err := tx.LastIssued(ctx, userID, deviceID)
		if err != nil {
			return c.poison(userID, deviceID, err)
		}
		if last < 0 {
			return c.poison(userID, deviceID, fmt.Errorf("negative counter %d", last))
		}
		head, err := tx.StreamHead(ctx, domain.Stream{OriginUserID: userID, DeviceID: deviceID})
		if err != nil {
			return c.poison(userID, deviceID, err)
		}
		if head < 0 {
			return c.poison(userID, deviceID, fmt.Errorf("negative stream head %d", head))
		}

		next = max(last, head) + 1
		return tx.SetLastIssued(ctx, userID, deviceID, next)
	})
	if err != nil {
		if c.poisoned != nil {
			return 0, c.poisoned
		}
		return 0, domain.NewStorageError(domain.CodeStorageFailure, "persist sequence counter", err)
	}
	return next, nil
}

// Poisoned returns the error that disabled the counter, nil if healthy.
func (c *Counter) Poisoned() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned
}

func (c *Counter) poison(userID, deviceID string, cause error) error {
	c.poisoned = &domain.Error{
		Kind:    domain.KindStorage,
		Code:    domain.CodeCounterUnreadable,
		Message: "sequence counter state is unreadable; refusing to issue numbers",
		Details: map[string]string{"user_id": userID, "device_id": deviceID},
		Err:     cause,
	}
	return c.poisoned
}
