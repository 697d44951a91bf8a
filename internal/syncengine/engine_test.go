package syncengine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/habitledger/internal/catalog"
	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/identity"
	"github.com/roach88/habitledger/internal/ledger"
	"github.com/roach88/habitledger/internal/remote"
	"github.com/roach88/habitledger/internal/store"
	"github.com/roach88/habitledger/internal/testutil"
)

const day = domain.DateKey("2024-03-01")

var errOffline = errors.New("offline")

type device struct {
	ledger   *ledger.Ledger
	engine   *Engine
	provider *identity.StaticProvider
}

func newDevice(t *testing.T, deviceID string, rs remote.DocumentStore, cfg Config) *device {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), deviceID+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	cat := catalog.NewStatic(domain.Habit{ID: "run", Name: "Run", Type: domain.HabitFormation, Goal: 3})
	l, err := ledger.New(s, cat, ledger.Config{DeviceID: deviceID, Clock: clock})
	require.NoError(t, err)

	p := identity.NewStaticProvider(domain.Identity{UserID: "alice", Authenticated: true})
	if cfg.Clock == nil {
		cfg.Clock = clock
	}
	return &device{ledger: l, engine: New(l, rs, p, cfg), provider: p}
}

func (d *device) add(t *testing.T, value int64) domain.ProgressEvent {
	t.Helper()
	e, _, err := d.ledger.Record(context.Background(), ledger.Change{
		UserID: "alice", HabitID: "run", DateKey: day, Mode: ledger.ModeDelta, Value: value,
	})
	require.NoError(t, err)
	return e
}

func (d *device) progress(t *testing.T) int64 {
	t.Helper()
	recs, err := d.ledger.Records(context.Background(), "alice", day)
	require.NoError(t, err)
	if len(recs) == 0 {
		return 0
	}
	return recs[0].Progress
}

func (d *device) uploadedThrough(t *testing.T, deviceID string) int64 {
	t.Helper()
	c, err := d.ledger.Cursor(context.Background(), "alice")
	require.NoError(t, err)
	return c.UploadedThrough(domain.Stream{OriginUserID: "alice", DeviceID: deviceID})
}

func startRun(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSyncOnce_TwoDevicesConverge(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	phone := newDevice(t, "phone", rs, Config{})
	tablet := newDevice(t, "tablet", rs, Config{})

	phone.add(t, 1)
	phone.add(t, 1)
	tablet.add(t, 1)

	require.NoError(t, phone.engine.SyncOnce(ctx))
	require.NoError(t, tablet.engine.SyncOnce(ctx))
	require.NoError(t, phone.engine.SyncOnce(ctx))

	assert.Equal(t, int64(3), phone.progress(t))
	assert.Equal(t, int64(3), tablet.progress(t))
	assert.Equal(t, 3, rs.Len(remote.EventsCollection("", "alice")))

	h := phone.engine.Health()
	assert.Equal(t, StateIdle, h.State)
	assert.False(t, h.LastSuccess.IsZero())
	assert.Zero(t, h.ConsecutiveFailures)
}

func TestSyncOnce_RepeatIsIdempotent(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	phone := newDevice(t, "phone", rs, Config{})
	phone.add(t, 2)

	require.NoError(t, phone.engine.SyncOnce(ctx))
	calls := rs.PutCalls()
	require.NoError(t, phone.engine.SyncOnce(ctx))

	assert.Equal(t, calls, rs.PutCalls(), "nothing past the cursor to upload")
	assert.Equal(t, 1, rs.Len(remote.EventsCollection("", "alice")))
	assert.Equal(t, int64(2), phone.progress(t))
}

func TestSyncOnce_RetriedBatchIsSafe(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	phone := newDevice(t, "phone", rs, Config{})
	tablet := newDevice(t, "tablet", rs, Config{})

	phone.add(t, 1)
	second := phone.add(t, 1)

	rs.SetPutHook(func(_ context.Context, _, id string) error {
		if id == second.ID {
			return errOffline
		}
		return nil
	})
	err := phone.engine.SyncOnce(ctx)
	require.Error(t, err)
	assert.True(t, domain.IsSync(err))
	assert.Equal(t, int64(0), phone.uploadedThrough(t, "phone"), "cursor holds until the whole batch is acknowledged")
	assert.Equal(t, 1, rs.Len(remote.EventsCollection("", "alice")))

	h := phone.engine.Health()
	assert.Equal(t, StateError, h.State)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.Contains(t, h.LastError, "offline")

	rs.SetPutHook(nil)
	// Backoff normally returns the engine to idle before the retry.
	phone.engine.setState(StateIdle)
	require.NoError(t, phone.engine.SyncOnce(ctx))
	assert.Equal(t, int64(2), phone.uploadedThrough(t, "phone"))
	assert.Equal(t, 2, rs.Len(remote.EventsCollection("", "alice")))

	require.NoError(t, tablet.engine.SyncOnce(ctx))
	assert.Equal(t, int64(2), tablet.progress(t))
}

func TestSyncOnce_BusyWhileInError(t *testing.T) {
	rs := remote.NewMemory()
	rs.SetQueryHook(func(context.Context, string) error { return errOffline })
	phone := newDevice(t, "phone", rs, Config{})

	require.Error(t, phone.engine.SyncOnce(context.Background()))
	assert.ErrorIs(t, phone.engine.SyncOnce(context.Background()), ErrBusy)
	assert.False(t, phone.engine.SyncNow(), "triggers are dropped outside idle")
}

func TestResume_EndsBackoff(t *testing.T) {
	rs := remote.NewMemory()
	rs.SetQueryHook(func(context.Context, string) error { return errOffline })
	phone := newDevice(t, "phone", rs, Config{})
	phone.add(t, 2)

	assert.False(t, phone.engine.Resume(), "nothing to resume while idle")
	require.Error(t, phone.engine.SyncOnce(context.Background()))
	require.Equal(t, StateError, phone.engine.Health().State)

	rs.SetQueryHook(nil)
	assert.True(t, phone.engine.Resume())
	h := phone.engine.Health()
	assert.Equal(t, StateIdle, h.State)
	assert.Equal(t, 1, h.ConsecutiveFailures, "failures are kept until a cycle succeeds")

	require.NoError(t, phone.engine.SyncOnce(context.Background()))
	assert.Zero(t, phone.engine.Health().ConsecutiveFailures)
	assert.Equal(t, 1, rs.Len(remote.EventsCollection("", "alice")))
}

func TestSyncOnce_Batches(t *testing.T) {
	rs := remote.NewMemory()
	phone := newDevice(t, "phone", rs, Config{BatchSize: 2})
	tablet := newDevice(t, "tablet", rs, Config{BatchSize: 2})
	for i := 0; i < 5; i++ {
		phone.add(t, 1)
	}

	require.NoError(t, phone.engine.SyncOnce(context.Background()))
	assert.Equal(t, int64(5), phone.uploadedThrough(t, "phone"))

	require.NoError(t, tablet.engine.SyncOnce(context.Background()))
	assert.Equal(t, int64(5), tablet.progress(t))

	c, err := tablet.ledger.Cursor(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.Merged)
}

func TestSyncOnce_GuestNeverSyncs(t *testing.T) {
	rs := remote.NewMemory()
	phone := newDevice(t, "phone", rs, Config{})
	phone.provider.Set(domain.Identity{})

	err := phone.engine.SyncOnce(context.Background())
	assert.Equal(t, domain.CodeNotAuthenticated, domain.CodeOf(err))
	assert.Zero(t, rs.PutCalls())

	h := phone.engine.Health()
	assert.Equal(t, StateIdle, h.State)
	assert.Zero(t, h.ConsecutiveFailures)
}

func TestSyncOnce_SkipsUndecodableDocuments(t *testing.T) {
	ctx := context.Background()
	rs := remote.NewMemory()
	coll := remote.EventsCollection("", "alice")
	require.NoError(t, rs.Put(ctx, coll, "junk", []byte(`{not json`)))

	tablet := newDevice(t, "tablet", rs, Config{})
	phone := newDevice(t, "phone", rs, Config{})
	phone.add(t, 2)
	require.NoError(t, phone.engine.SyncOnce(ctx))

	require.NoError(t, tablet.engine.SyncOnce(ctx))
	assert.Equal(t, int64(2), tablet.progress(t))

	c, err := tablet.ledger.Cursor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Merged)
}

func TestSyncOnce_CollectionPrefix(t *testing.T) {
	rs := remote.NewMemory()
	phone := newDevice(t, "phone", rs, Config{CollectionPrefix: "staging/"})
	phone.add(t, 1)

	require.NoError(t, phone.engine.SyncOnce(context.Background()))
	assert.Equal(t, 1, rs.Len("staging/progress_events/alice"))
	assert.Equal(t, 0, rs.Len("progress_events/alice"))
}

func TestCancel_LeavesCursorAndHealth(t *testing.T) {
	rs := remote.NewMemory()
	phone := newDevice(t, "phone", rs, Config{})
	phone.add(t, 1)

	started := make(chan struct{})
	var once sync.Once
	rs.SetPutHook(func(ctx context.Context, _, _ string) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})

	errc := make(chan error, 1)
	go func() { errc <- phone.engine.SyncOnce(context.Background()) }()

	<-started
	assert.Equal(t, StateUploading, phone.engine.Health().State)
	assert.False(t, phone.engine.SyncNow(), "dropped while uploading")

	phone.engine.Cancel()
	err := <-errc
	assert.ErrorIs(t, err, ErrCancelled)

	h := phone.engine.Health()
	assert.Equal(t, StateIdle, h.State)
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Equal(t, int64(0), phone.uploadedThrough(t, "phone"))
}

func TestRun_CoalescesTriggers(t *testing.T) {
	rs := remote.NewMemory()
	var queries atomic.Int32
	rs.SetQueryHook(func(context.Context, string) error {
		queries.Add(1)
		return nil
	})
	phone := newDevice(t, "phone", rs, Config{Interval: time.Hour})

	assert.True(t, phone.engine.SyncNow())
	assert.True(t, phone.engine.SyncNow())
	assert.True(t, phone.engine.Foreground())

	startRun(t, phone.engine)
	require.Eventually(t, func() bool {
		return !phone.engine.Health().LastSuccess.IsZero()
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), queries.Load(), "three idle triggers ran one cycle")
}

func TestRun_BacksOffAndDegrades(t *testing.T) {
	rs := remote.NewMemory()
	var failing atomic.Bool
	failing.Store(true)
	rs.SetQueryHook(func(context.Context, string) error {
		if failing.Load() {
			return errOffline
		}
		return nil
	})

	var mu sync.Mutex
	var changes []Health
	phone := newDevice(t, "phone", rs, Config{
		Interval:          time.Hour,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
		DegradedThreshold: 3,
		OnHealthChange: func(h Health) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, h)
		},
	})

	startRun(t, phone.engine)
	require.True(t, phone.engine.SyncNow())

	require.Eventually(t, func() bool {
		return phone.engine.Health().Degraded
	}, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, phone.engine.Health().ConsecutiveFailures, 3)

	failing.Store(false)
	require.Eventually(t, func() bool {
		h := phone.engine.Health()
		return !h.Degraded && h.ConsecutiveFailures == 0 && h.State == StateIdle
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 2)
	assert.True(t, changes[0].Degraded)
	assert.Equal(t, 3, changes[0].ConsecutiveFailures)
	assert.False(t, changes[1].Degraded)
}

func TestEnqueue(t *testing.T) {
	rs := remote.NewMemory()
	phone := newDevice(t, "phone", rs, Config{Interval: time.Hour})
	ev := phone.add(t, 1)

	require.NoError(t, phone.engine.Enqueue(ev))
	assert.Equal(t, int64(1), phone.engine.Health().Pending)

	startRun(t, phone.engine)
	require.Eventually(t, func() bool {
		return rs.Len(remote.EventsCollection("", "alice")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return phone.engine.Health().Pending == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEnqueue_AfterStop(t *testing.T) {
	phone := newDevice(t, "phone", remote.NewMemory(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, phone.engine.Run(ctx), context.Canceled)

	err := phone.engine.Enqueue(domain.ProgressEvent{ID: "x"})
	assert.True(t, domain.IsSync(err))
	assert.Equal(t, domain.CodeEngineStopped, domain.CodeOf(err))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(time.Second, 10*time.Second, tt.failures), "failures=%d", tt.failures)
	}
}
