package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/habitledger/internal/domain"
)

// LastIssued returns the persisted counter for (userID, deviceID).
// found is false when no number has ever been issued. The raw value is
// returned as stored; the caller decides whether it is trustworthy.
func (t *Tx) LastIssued(ctx context.Context, userID, deviceID string) (last int64, found bool, err error) {
	var v sql.NullInt64
	err = t.q.QueryRowContext(ctx, `
		SELECT last_issued FROM sequence_counters WHERE user_id = ? AND device_id = ?
	`, userID, deviceID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read counter: %w", err)
	}
	if !v.Valid {
		return 0, true, fmt.Errorf("read counter: last_issued is null")
	}
	return v.Int64, true, nil
}

// SetLastIssued persists the counter for (userID, deviceID).
func (t *Tx) SetLastIssued(ctx context.Context, userID, deviceID string, last int64) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sequence_counters (user_id, device_id, last_issued)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, device_id) DO UPDATE SET last_issued = excluded.last_issued
	`, userID, deviceID, last)
	if err != nil {
		return fmt.Errorf("write counter: %w", err)
	}
	return nil
}

// UploadCursors returns the acknowledged sequence of every stream uploaded
// on behalf of ownerID.
func (t *Tx) UploadCursors(ctx context.Context, ownerID string) (map[domain.Stream]int64, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT origin_user_id, device_id, last_seq FROM upload_cursors WHERE owner_user_id = ?
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query upload cursors: %w", err)
	}
	defer rows.Close()

	cursors := map[domain.Stream]int64{}
	for rows.Next() {
		var s domain.Stream
		var seq int64
		if err := rows.Scan(&s.OriginUserID, &s.DeviceID, &seq); err != nil {
			return nil, fmt.Errorf("scan upload cursor: %w", err)
		}
		cursors[s] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload cursors: %w", err)
	}
	return cursors, nil
}

// AdvanceUploadCursor records that every event of the stream up to seq has
// been acknowledged. The cursor never moves backwards.
func (t *Tx) AdvanceUploadCursor(ctx context.Context, ownerID string, s domain.Stream, seq int64) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO upload_cursors (owner_user_id, origin_user_id, device_id, last_seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_user_id, origin_user_id, device_id) DO UPDATE SET last_seq = MAX(last_seq, excluded.last_seq)
	`, ownerID, s.OriginUserID, s.DeviceID, seq)
	if err != nil {
		return fmt.Errorf("advance upload cursor: %w", err)
	}
	return nil
}

// MergeCursor returns the last merged remote offset for (userID, deviceID).
func (t *Tx) MergeCursor(ctx context.Context, userID, deviceID string) (int64, error) {
	var off int64
	err := t.q.QueryRowContext(ctx, `
		SELECT last_offset FROM merge_cursors WHERE user_id = ? AND device_id = ?
	`, userID, deviceID).Scan(&off)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read merge cursor: %w", err)
	}
	return off, nil
}

// AdvanceMergeCursor records the last merged remote offset. The cursor never
// moves backwards.
func (t *Tx) AdvanceMergeCursor(ctx context.Context, userID, deviceID string, offset int64) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO merge_cursors (user_id, device_id, last_offset)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, device_id) DO UPDATE SET last_offset = MAX(last_offset, excluded.last_offset)
	`, userID, deviceID, offset)
	if err != nil {
		return fmt.Errorf("advance merge cursor: %w", err)
	}
	return nil
}
