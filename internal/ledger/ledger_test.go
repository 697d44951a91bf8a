package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/habitledger/internal/catalog"
	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/store"
	"github.com/roach88/habitledger/internal/testutil"
)

var (
	habitRun      = domain.Habit{ID: "run", Name: "Run", Type: domain.HabitFormation, Goal: 5}
	habitMeditate = domain.Habit{ID: "meditate", Name: "Meditate", Type: domain.HabitFormation, Goal: 1}
	habitSmoking  = domain.Habit{ID: "smoking", Name: "No smoking", Type: domain.HabitBreaking, Goal: 0}
)

const today = domain.DateKey("2024-03-01")

type fixture struct {
	store   *store.Store
	ledger  *Ledger
	catalog *catalog.Static
	clock   *testutil.FakeClock
	path    string
}

func newFixture(t *testing.T, deviceID string) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	return openFixture(t, path, deviceID)
}

func openFixture(t *testing.T, path, deviceID string) *fixture {
	t.Helper()
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cat := catalog.NewStatic(habitRun, habitMeditate, habitSmoking)
	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	l, err := New(s, cat, Config{DeviceID: deviceID, Clock: clock})
	require.NoError(t, err)
	return &fixture{store: s, ledger: l, catalog: cat, clock: clock, path: path}
}

func (f *fixture) add(t *testing.T, user, habit string, value int64) (domain.ProgressEvent, domain.CompletionRecord) {
	t.Helper()
	e, rec, err := f.ledger.Record(context.Background(), Change{UserID: user, HabitID: habit, DateKey: today, Mode: ModeDelta, Value: value})
	require.NoError(t, err)
	return e, rec
}

func TestNew_RequiresDevice(t *testing.T) {
	_, err := New(nil, catalog.NewStatic(), Config{})
	assert.Error(t, err)
}

func TestRecord_RunScenario(t *testing.T) {
	f := newFixture(t, "dev-a")

	var rec domain.CompletionRecord
	for i := 0; i < 3; i++ {
		_, rec = f.add(t, "alice", "run", 1)
	}
	assert.Equal(t, int64(3), rec.Progress)
	assert.False(t, rec.IsCompleted())

	for i := 0; i < 2; i++ {
		_, rec = f.add(t, "alice", "run", 1)
	}
	assert.Equal(t, int64(5), rec.Progress)
	assert.True(t, rec.IsCompleted())

	agg, err := f.ledger.Aggregate(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.TotalXP, "meditate is scheduled and incomplete")

	_, _ = f.add(t, "alice", "meditate", 1)
	agg, err = f.ledger.Aggregate(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), agg.TotalXP)
	assert.Equal(t, int64(1), agg.CurrentStreak)

	events, err := f.ledger.EventsFor(context.Background(), "alice", "run", today)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, "dev-a", e.DeviceID)
	}
}

func TestRecord_Modes(t *testing.T) {
	f := newFixture(t, "dev-a")
	ctx := context.Background()

	_, rec, err := f.ledger.Record(ctx, Change{UserID: "alice", HabitID: "run", DateKey: today, Mode: ModeSet, Value: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Progress)

	e, rec, err := f.ledger.Record(ctx, Change{UserID: "alice", HabitID: "run", DateKey: today, Mode: ModeTarget, Value: 7})
	require.NoError(t, err)
	assert.Equal(t, domain.KindDelta, e.Kind)
	assert.Equal(t, int64(3), e.Value)
	assert.Equal(t, int64(7), rec.Progress)

	e, rec, err = f.ledger.Record(ctx, Change{UserID: "alice", HabitID: "run", DateKey: today, Mode: ModeTarget, Value: 7})
	require.NoError(t, err)
	assert.Empty(t, e.ID, "no-op target appends nothing")
	assert.Equal(t, int64(7), rec.Progress)

	_, _, err = f.ledger.Record(ctx, Change{UserID: "alice", HabitID: "run", DateKey: today, Mode: "double", Value: 1})
	assert.True(t, domain.IsValidation(err))

	_, _, err = f.ledger.Record(ctx, Change{UserID: "alice", HabitID: "swim", DateKey: today, Mode: ModeDelta, Value: 1})
	assert.Equal(t, domain.CodeUnknownHabit, domain.CodeOf(err))

	_, _, err = f.ledger.Record(ctx, Change{UserID: " alice", HabitID: "run", DateKey: today, Mode: ModeDelta, Value: 1})
	assert.Equal(t, domain.CodeInvalidUser, domain.CodeOf(err))
}

func TestAppend_Idempotent(t *testing.T) {
	f := newFixture(t, "dev-a")
	ctx := context.Background()

	e := domain.ProgressEvent{
		UserID: "alice", OriginUserID: "alice", DeviceID: "dev-a",
		HabitID: "run", DateKey: today, Kind: domain.KindDelta, Value: 2, Sequence: 1,
	}
	once, err := f.ledger.Append(ctx, e)
	require.NoError(t, err)

	e, err = e.WithID()
	require.NoError(t, err)
	twice, err := f.ledger.Append(ctx, e)
	require.NoError(t, err)

	assert.Equal(t, once.Progress, twice.Progress)
	events, err := f.ledger.EventsFor(ctx, "alice", "run", today)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAppend_SequenceMustAdvance(t *testing.T) {
	f := newFixture(t, "dev-a")
	ctx := context.Background()

	base := domain.ProgressEvent{
		UserID: "alice", OriginUserID: "alice", DeviceID: "dev-a",
		HabitID: "run", DateKey: today, Kind: domain.KindDelta, Value: 1, Sequence: 5,
	}
	_, err := f.ledger.Append(ctx, base)
	require.NoError(t, err)

	stale := base
	stale.Value = 9
	stale.Sequence = 5
	_, err = f.ledger.Append(ctx, stale)
	require.Error(t, err)
	assert.Equal(t, domain.CodeSequenceRegression, domain.CodeOf(err))

	stale.Sequence = 3
	_, err = f.ledger.Append(ctx, stale)
	assert.Equal(t, domain.CodeSequenceRegression, domain.CodeOf(err))

	e, _ := f.add(t, "alice", "run", 1)
	assert.Equal(t, int64(6), e.Sequence, "counter continues past an externally appended head")
}

func TestAppend_RejectsSnapshotsAndMalformed(t *testing.T) {
	f := newFixture(t, "dev-a")
	ctx := context.Background()

	_, err := f.ledger.Append(ctx, domain.ProgressEvent{
		UserID: "alice", OriginUserID: "alice", DeviceID: "dev-a",
		HabitID: "run", DateKey: today, Kind: domain.KindSnapshotSum, Value: 1, Sequence: 1,
	})
	assert.True(t, domain.IsValidation(err))

	_, err = f.ledger.Append(ctx, domain.ProgressEvent{UserID: "alice", HabitID: "run"})
	assert.True(t, domain.IsValidation(err))
}

func TestCounter_DurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	f := openFixture(t, path, "dev-a")
	e1, _ := f.add(t, "alice", "run", 1)
	e2, _ := f.add(t, "alice", "run", 1)
	require.NoError(t, f.store.Close())

	g := openFixture(t, path, "dev-a")
	e3, _ := g.add(t, "alice", "run", 1)

	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, int64(2), e2.Sequence)
	assert.Equal(t, int64(3), e3.Sequence)
}

func TestCounter_Concurrent(t *testing.T) {
	f := newFixture(t, "dev-a")
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, _, err := f.ledger.Record(ctx, Change{UserID: "alice", HabitID: "run", DateKey: today, Mode: ModeDelta, Value: 1})
			assert.NoError(t, err)
			seqs <- e.Sequence
		}()
	}
	wg.Wait()
	close(seqs)

	seen := map[int64]bool{}
	for s := range seqs {
		assert.False(t, seen[s], "sequence %d issued twice", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)

	rec, err := f.ledger.Recompute(ctx, domain.RecordKey{UserID: "alice", HabitID: "run", DateKey: today})
	require.NoError(t, err)
	assert.Equal(t, int64(n), rec.Progress)
}

func TestCounter_NeverReusedAfterFailedAppend(t *testing.T) {
	f := newFixture(t, "dev-a")
	ctx := context.Background()

	seq, err := f.ledger.Counter().Next(ctx, "alice", "dev-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	e, _ := f.add(t, "alice", "run", 1)
	assert.Equal(t, int64(2), e.Sequence)
}

func TestCounter_PoisonedOnUnreadableState(t *testing.T) {
	f := newFixture(t, "dev-a")
	ctx := context.Background()
	f.add(t, "alice", "run", 1)

	_, err := f.store.DB().Exec(`UPDATE sequence_counters SET last_issued = -4`)
	require.NoError(t, err)

	_, _, err = f.ledger.Record(ctx, Change{UserID: "alice", HabitID: "run", DateKey: today, Mode: ModeDelta, Value: 1})
	require.Error(t, err)
	assert.True(t, domain.IsStorage(err))
	assert.Equal(t, domain.CodeCounterUnreadable, domain.CodeOf(err))

	// Repairing the row does not un-poison the counter.
	_, err = f.store.DB().Exec(`UPDATE sequence_counters SET last_issued = 1`)
	require.NoError(t, err)
	_, _, err = f.ledger.Record(ctx, Change{UserID: "alice", HabitID: "run", DateKey: today, Mode: ModeDelta, Value: 1})
	assert.Equal(t, domain.CodeCounterUnreadable, domain.CodeOf(err))

	_, err = f.ledger.Append(ctx, domain.ProgressEvent{
		UserID: "alice", OriginUserID: "alice", DeviceID: "dev-a",
		HabitID: "run", DateKey: today, Kind: domain.KindDelta, Value: 1, Sequence: 10,
	})
	assert.Equal(t, domain.CodeCounterUnreadable, domain.CodeOf(err), "local appends are refused")
}

func TestMerge_DedupAndRecompute(t *testing.T) {
	a := newFixture(t, "dev-a")
	b := newFixture(t, "dev-b")
	ctx := context.Background()

	e1, _ := a.add(t, "alice", "run", 2)
	e2, _ := a.add(t, "alice", "run", 2)
	b.add(t, "alice", "run", 1)

	n, err := b.ledger.Merge(ctx, []domain.ProgressEvent{e1, e2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = b.ledger.Merge(ctx, []domain.ProgressEvent{e1, e2})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "merging twice has no effect")

	records, err := b.ledger.Records(ctx, "alice", today)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(5), records[0].Progress)
	assert.True(t, records[0].IsCompleted())
}

func TestMerge_SkipsMalformedAndUnknownHabit(t *testing.T) {
	f := newFixture(t, "dev-b")
	ctx := context.Background()

	unknown := domain.ProgressEvent{
		UserID: "alice", OriginUserID: "alice", DeviceID: "dev-a",
		HabitID: "swim", DateKey: today, Kind: domain.KindDelta, Value: 1, Sequence: 1,
	}
	unknown, err := unknown.WithID()
	require.NoError(t, err)
	tampered := unknown
	tampered.Value = 100

	n, err := f.ledger.Merge(ctx, []domain.ProgressEvent{unknown, tampered})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := f.ledger.EventsFor(ctx, "alice", "swim", today)
	require.NoError(t, err)
	assert.Len(t, events, 1, "event is kept even without a catalog entry")
	records, err := f.ledger.Records(ctx, "alice", today)
	require.NoError(t, err)
	assert.Empty(t, records)

	f.catalog.Put(domain.Habit{ID: "swim", Type: domain.HabitFormation, Goal: 1})
	rec, err := f.ledger.Recompute(ctx, unknown.Key())
	require.NoError(t, err)
	assert.True(t, rec.IsCompleted())
}

func TestSubscribe_OrderedAfterCommit(t *testing.T) {
	f := newFixture(t, "dev-a")
	ctx := context.Background()
	sub := f.ledger.Subscribe()
	defer sub.Close()

	f.add(t, "alice", "run", 1)
	f.add(t, "alice", "meditate", 1)
	f.add(t, "alice", "run", 4)

	var got []ViewChanged
	for i := 0; i < 3; i++ {
		c, ok, err := sub.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, c)

		_, found, err := f.store.Reader().Record(ctx, c.Record.Key())
		require.NoError(t, err)
		require.True(t, found, "record is committed before it is announced")
	}

	assert.Equal(t, "run", got[0].Record.HabitID)
	assert.Equal(t, "meditate", got[1].Record.HabitID)
	assert.Equal(t, int64(5), got[2].Record.Progress)
	assert.Less(t, got[0].Version, got[1].Version)
	assert.Less(t, got[1].Version, got[2].Version)
}

func TestSubscribe_CloseStopsDelivery(t *testing.T) {
	f := newFixture(t, "dev-a")
	sub := f.ledger.Subscribe()
	sub.Close()
	f.add(t, "alice", "run", 1)

	_, ok, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, sub.Len())
}

func TestSubscribe_NextHonoursContext(t *testing.T) {
	f := newFixture(t, "dev-a")
	sub := f.ledger.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := sub.Next(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRebuildAndVerify(t *testing.T) {
	f := newFixture(t, "dev-a")
	ctx := context.Background()
	f.add(t, "alice", "run", 3)
	f.add(t, "alice", "meditate", 1)

	mismatches, err := f.ledger.VerifyViews(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	_, err = f.store.DB().Exec(`UPDATE completion_records SET progress = 99 WHERE habit_id = 'run'`)
	require.NoError(t, err)

	mismatches, err = f.ledger.VerifyViews(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, int64(99), mismatches[0].Stored)
	assert.Equal(t, int64(3), mismatches[0].Expected)

	n, err := f.ledger.Rebuild(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mismatches, err = f.ledger.VerifyViews(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestDeleteHabit(t *testing.T) {
	f := newFixture(t, "dev-a")
	ctx := context.Background()
	f.add(t, "alice", "run", 3)

	n, err := f.ledger.DeleteHabit(ctx, "alice", "run")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	records, err := f.ledger.Records(ctx, "alice", today)
	require.NoError(t, err)
	assert.Empty(t, records)

	events, err := f.ledger.EventsFor(ctx, "alice", "run", today)
	require.NoError(t, err)
	assert.Len(t, events, 1, "events stay in the log")
}

func TestCursorsAndStreams(t *testing.T) {
	f := newFixture(t, "dev-a")
	ctx := context.Background()
	f.add(t, "alice", "run", 1)
	f.add(t, "alice", "run", 1)

	streams, err := f.ledger.UploadStreams(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []domain.Stream{{OriginUserID: "alice", DeviceID: "dev-a"}}, streams)

	batch, err := f.ledger.EventsSince(ctx, "alice", streams[0], 0, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	require.NoError(t, f.ledger.AdvanceUpload(ctx, "alice", streams[0], 2))
	require.NoError(t, f.ledger.AdvanceMerge(ctx, "alice", 7))

	cur, err := f.ledger.Cursor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cur.UploadedThrough(streams[0]))
	assert.Equal(t, int64(7), cur.Merged)
	assert.Equal(t, "dev-a", cur.DeviceID)
}

func TestAggregate_BreakingHabitOnlyDay(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer s.Close()

	clock := testutil.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	l, err := New(s, catalog.NewStatic(habitSmoking), Config{DeviceID: "dev-a", Clock: clock})
	require.NoError(t, err)

	agg, err := l.Aggregate(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), agg.DailyXP, "an untouched breaking habit is kept")

	stored, found, err := s.Reader().Aggregate(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, agg, stored)
}
