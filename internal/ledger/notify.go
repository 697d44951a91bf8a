package ledger

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/habitledger/internal/domain"
)

// ViewChanged announces that a completion record was rewritten.
//
// Version increases by one per notification across the whole ledger, so a
// subscriber can tell it has seen every change in commit order.
type ViewChanged struct {
	Version uint64                  `json:"version"`
	Record  domain.CompletionRecord `json:"record"`
}

// Subscription is an unbounded FIFO of view changes.
//
// Publishing never blocks: changes are appended under a mutex and a size-1
// signal channel coalesces wake-ups for the reader.
type Subscription struct {
	mu      sync.Mutex
	changes []ViewChanged
	closed  bool
	signal  chan struct{}
	remove  func()
}

func newSubscription() *Subscription {
	return &Subscription{
		changes: make([]ViewChanged, 0, 16),
		signal:  make(chan struct{}, 1),
	}
}

func (s *Subscription) push(c ViewChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.changes = append(s.changes, c)

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// TryNext returns the oldest pending change without blocking.
func (s *Subscription) TryNext() (ViewChanged, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.changes) == 0 {
		return ViewChanged{}, false
	}
	c := s.changes[0]
	if len(s.changes) == 1 {
		s.changes = s.changes[:0]
	} else {
		s.changes = s.changes[1:]
	}
	return c, true
}

// Wait returns a channel that signals when changes may be available.
// It is closed when the subscription is closed.
func (s *Subscription) Wait() <-chan struct{} {
	return s.signal
}

// Next blocks until a change is available, the subscription is closed, or
// ctx is done. ok is false once closed and drained.
func (s *Subscription) Next(ctx context.Context) (c ViewChanged, ok bool, err error) {
	for {
		if c, ok := s.TryNext(); ok {
			return c, true, nil
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return ViewChanged{}, false, nil
		}

		select {
		case <-ctx.Done():
			return ViewChanged{}, false, ctx.Err()
		case <-s.signal:
		}
	}
}

// Len returns the number of pending changes.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.changes)
}

// Close detaches the subscription. Pending changes can still be drained.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.signal)
	remove := s.remove
	s.mu.Unlock()

	if remove != nil {
		remove()
	}
}

// notifier fans out changes to subscriptions.
type notifier struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	version atomic.Uint64
}

func newNotifier() *notifier {
	return &notifier{subs: map[*Subscription]struct{}{}}
}

func (n *notifier) subscribe() *Subscription {
	s := newSubscription()
	s.remove = func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, s)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[s] = struct{}{}
	return s
}

func (n *notifier) publish(records []domain.CompletionRecord) {
	if len(records) == 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range records {
		c := ViewChanged{Version: n.version.Add(1), Record: r}
		for s := range n.subs {
			s.push(c)
		}
	}
}
