package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/habitledger/internal/domain"
)

const eventColumns = `id, user_id, origin_user_id, device_id, habit_id, date_key, kind, value, sequence, created_at`

const eventOrder = `ORDER BY sequence ASC, origin_user_id, device_id, id COLLATE BINARY ASC`

// InsertEvent writes an event to the log.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently
// ignored and reported with inserted=false. Non-snapshot events also advance
// the stream head.
func (t *Tx) InsertEvent(ctx context.Context, e domain.ProgressEvent) (inserted bool, err error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.UserID,
		e.OriginUserID,
		e.DeviceID,
		e.HabitID,
		string(e.DateKey),
		string(e.Kind),
		e.Value,
		e.Sequence,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	if !e.Kind.IsSnapshot() {
		if err := t.raiseStreamHead(ctx, e.Stream(), e.Sequence); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (t *Tx) raiseStreamHead(ctx context.Context, s domain.Stream, seq int64) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO stream_heads (origin_user_id, device_id, last_seq)
		VALUES (?, ?, ?)
		ON CONFLICT(origin_user_id, device_id) DO UPDATE SET last_seq = MAX(last_seq, excluded.last_seq)
	`, s.OriginUserID, s.DeviceID, seq)
	if err != nil {
		return fmt.Errorf("raise stream head: %w", err)
	}
	return nil
}

// StreamHead returns the highest sequence ever stored for a stream, 0 if none.
// Compaction does not lower it.
func (t *Tx) StreamHead(ctx context.Context, s domain.Stream) (int64, error) {
	var head int64
	err := t.q.QueryRowContext(ctx, `
		SELECT last_seq FROM stream_heads WHERE origin_user_id = ? AND device_id = ?
	`, s.OriginUserID, s.DeviceID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read stream head: %w", err)
	}
	return head, nil
}

// EventKnown reports whether an event id is stored or was compacted away.
func (t *Tx) EventKnown(ctx context.Context, id string) (bool, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM events WHERE id = ?) + (SELECT COUNT(*) FROM compacted_events WHERE id = ?)
	`, id, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return n > 0, nil
}

// EventsForKey returns every event of one record key in fold order.
// Returns an empty slice (not nil) if none exist.
func (t *Tx) EventsForKey(ctx context.Context, key domain.RecordKey) ([]domain.ProgressEvent, error) {
	return t.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = ? AND habit_id = ? AND date_key = ?
		`+eventOrder, key.UserID, key.HabitID, string(key.DateKey))
}

// EventsForUser returns every event owned by userID in fold order.
func (t *Tx) EventsForUser(ctx context.Context, userID string) ([]domain.ProgressEvent, error) {
	return t.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = ?
		`+eventOrder, userID)
}

// EventsSince returns up to limit non-snapshot events owned by ownerID in one
// stream with a sequence greater than after, ascending.
func (t *Tx) EventsSince(ctx context.Context, ownerID string, s domain.Stream, after int64, limit int) ([]domain.ProgressEvent, error) {
	return t.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE user_id = ? AND origin_user_id = ? AND device_id = ? AND sequence > ?
		  AND kind IN ('delta', 'set')
		ORDER BY sequence ASC, id COLLATE BINARY ASC
		LIMIT ?
	`, ownerID, s.OriginUserID, s.DeviceID, after, limit)
}

// Streams returns the distinct non-snapshot streams created on deviceID among
// events owned by ownerID.
func (t *Tx) Streams(ctx context.Context, ownerID, deviceID string) ([]domain.Stream, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT DISTINCT origin_user_id, device_id FROM events
		WHERE user_id = ? AND device_id = ? AND kind IN ('delta', 'set')
		ORDER BY origin_user_id, device_id
	`, ownerID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query streams: %w", err)
	}
	defer rows.Close()

	streams := []domain.Stream{}
	for rows.Next() {
		var s domain.Stream
		if err := rows.Scan(&s.OriginUserID, &s.DeviceID); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return streams, nil
}

// KeysForUser returns the distinct record keys that have events owned by userID.
func (t *Tx) KeysForUser(ctx context.Context, userID string) ([]domain.RecordKey, error) {
	return t.queryKeys(ctx, `
		SELECT DISTINCT user_id, habit_id, date_key FROM events
		WHERE user_id = ?
		ORDER BY date_key, habit_id
	`, userID)
}

// CompactionCandidates returns non-guest keys dated before the cutoff that
// hold at least two events.
func (t *Tx) CompactionCandidates(ctx context.Context, before domain.DateKey) ([]domain.RecordKey, error) {
	return t.queryKeys(ctx, `
		SELECT user_id, habit_id, date_key FROM events
		WHERE date_key < ? AND user_id <> ''
		GROUP BY user_id, habit_id, date_key
		HAVING COUNT(*) >= 2
		ORDER BY user_id, date_key, habit_id
	`, string(before))
}

// Owners returns every distinct owner of local events or records.
func (t *Tx) Owners(ctx context.Context) ([]string, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT user_id FROM events
		UNION
		SELECT user_id FROM completion_records
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	defer rows.Close()

	owners := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}
	return owners, nil
}

// RetagEvents moves ownership of every event owned by from to to.
// Only user_id changes; origin, sequence and id stay as they were.
func (t *Tx) RetagEvents(ctx context.Context, from, to string) (int64, error) {
	res, err := t.q.ExecContext(ctx, `UPDATE events SET user_id = ? WHERE user_id = ?`, to, from)
	if err != nil {
		return 0, fmt.Errorf("retag events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retag events: %w", err)
	}
	return n, nil
}

// CompactEvent deletes an event and leaves a tombstone holding the whole
// event. A later merge of the same id is recognised as already applied, and
// ExpandSnapshot can put the event back.
func (t *Tx) CompactEvent(ctx context.Context, e domain.ProgressEvent, snapshotID string, at time.Time) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO compacted_events (`+eventColumns+`, snapshot_id, compacted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.UserID,
		e.OriginUserID,
		e.DeviceID,
		e.HabitID,
		string(e.DateKey),
		string(e.Kind),
		e.Value,
		e.Sequence,
		formatTime(e.CreatedAt),
		snapshotID,
		formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("tombstone event: %w", err)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, e.ID); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// ExpandSnapshot replaces a snapshot with the events it was built from and
// returns them in fold order. It returns ok=false and changes nothing when
// the tombstones cannot restore the snapshot: none exist, or they were
// written before tombstones kept the event.
func (t *Tx) ExpandSnapshot(ctx context.Context, snapshotID string) (restored []domain.ProgressEvent, ok bool, err error) {
	originals, err := t.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM compacted_events
		WHERE snapshot_id = ? AND kind != ''
		`+eventOrder, snapshotID)
	if err != nil {
		return nil, false, err
	}
	var legacy int
	err = t.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM compacted_events WHERE snapshot_id = ? AND kind = ''
	`, snapshotID).Scan(&legacy)
	if err != nil {
		return nil, false, fmt.Errorf("check tombstones: %w", err)
	}
	if len(originals) == 0 || legacy > 0 {
		return nil, false, nil
	}

	if _, err := t.q.ExecContext(ctx, `DELETE FROM compacted_events WHERE snapshot_id = ?`, snapshotID); err != nil {
		return nil, false, fmt.Errorf("delete tombstones: %w", err)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, snapshotID); err != nil {
		return nil, false, fmt.Errorf("delete snapshot: %w", err)
	}
	for _, e := range originals {
		if _, err := t.InsertEvent(ctx, e); err != nil {
			return nil, false, err
		}
	}
	return originals, true, nil
}

// CountEvents returns the number of stored events and tombstones.
func (t *Tx) CountEvents(ctx context.Context) (events, tombstones int64, err error) {
	err = t.q.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM events), (SELECT COUNT(*) FROM compacted_events)
	`).Scan(&events, &tombstones)
	if err != nil {
		return 0, 0, fmt.Errorf("count events: %w", err)
	}
	return events, tombstones, nil
}

func (t *Tx) queryEvents(ctx context.Context, query string, args ...any) ([]domain.ProgressEvent, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []domain.ProgressEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (t *Tx) queryKeys(ctx context.Context, query string, args ...any) ([]domain.RecordKey, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	keys := []domain.RecordKey{}
	for rows.Next() {
		var k domain.RecordKey
		var date string
		if err := rows.Scan(&k.UserID, &k.HabitID, &date); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		k.DateKey = domain.DateKey(date)
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func scanEvent(rows *sql.Rows) (domain.ProgressEvent, error) {
	var e domain.ProgressEvent
	var date, kind, created string
	err := rows.Scan(&e.ID, &e.UserID, &e.OriginUserID, &e.DeviceID, &e.HabitID,
		&date, &kind, &e.Value, &e.Sequence, &created)
	if err != nil {
		return e, fmt.Errorf("scan event: %w", err)
	}
	e.DateKey = domain.DateKey(date)
	e.Kind = domain.EventKind(kind)
	e.CreatedAt, err = parseTime(created)
	if err != nil {
		return e, fmt.Errorf("scan event %s: %w", e.ID, err)
	}
	return e, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
