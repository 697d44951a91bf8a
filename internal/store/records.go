package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/habitledger/internal/domain"
)

const recordColumns = `user_id, habit_id, date_key, progress, goal, habit_type, updated_at`

// UpsertRecord writes a completion record. is_completed is generated by
// SQLite from progress and goal and is not among the written columns.
func (t *Tx) UpsertRecord(ctx context.Context, r domain.CompletionRecord) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO completion_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, habit_id, date_key) DO UPDATE SET
			progress = excluded.progress,
			goal = excluded.goal,
			habit_type = excluded.habit_type,
			updated_at = excluded.updated_at
	`,
		r.UserID,
		r.HabitID,
		string(r.DateKey),
		r.Progress,
		r.Goal,
		string(r.HabitType),
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Record returns the stored record for a key. found is false if none exists.
func (t *Tx) Record(ctx context.Context, key domain.RecordKey) (rec domain.CompletionRecord, found bool, err error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM completion_records
		WHERE user_id = ? AND habit_id = ? AND date_key = ?
	`, key.UserID, key.HabitID, string(key.DateKey))
	if err != nil {
		return rec, false, fmt.Errorf("query record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return rec, false, rows.Err()
	}
	rec, err = scanRecord(rows)
	if err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// StoredCompletion returns the generated is_completed column for a key.
// Used to check that SQLite agrees with the Go completion formula.
func (t *Tx) StoredCompletion(ctx context.Context, key domain.RecordKey) (bool, error) {
	var done bool
	err := t.q.QueryRowContext(ctx, `
		SELECT is_completed FROM completion_records
		WHERE user_id = ? AND habit_id = ? AND date_key = ?
	`, key.UserID, key.HabitID, string(key.DateKey)).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("query completion: %w", err)
	}
	return done, nil
}

// RecordsForUser returns every record of a user ordered by date then habit.
func (t *Tx) RecordsForUser(ctx context.Context, userID string) ([]domain.CompletionRecord, error) {
	return t.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM completion_records
		WHERE user_id = ?
		ORDER BY date_key, habit_id
	`, userID)
}

// RecordsForDate returns the records of a user on one day ordered by habit.
func (t *Tx) RecordsForDate(ctx context.Context, userID string, date domain.DateKey) ([]domain.CompletionRecord, error) {
	return t.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM completion_records
		WHERE user_id = ? AND date_key = ?
		ORDER BY habit_id
	`, userID, string(date))
}

// DeleteRecordsForUser removes every materialized record of a user.
// Only rebuild paths call it; the events remain.
func (t *Tx) DeleteRecordsForUser(ctx context.Context, userID string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM completion_records WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// DeleteHabitRecords removes all records of one habit for a user.
func (t *Tx) DeleteHabitRecords(ctx context.Context, userID, habitID string) (int64, error) {
	res, err := t.q.ExecContext(ctx, `
		DELETE FROM completion_records WHERE user_id = ? AND habit_id = ?
	`, userID, habitID)
	if err != nil {
		return 0, fmt.Errorf("delete habit records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete habit records: %w", err)
	}
	return n, nil
}

// UpsertAggregate writes a user's aggregate.
func (t *Tx) UpsertAggregate(ctx context.Context, a domain.UserProgressAggregate) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO user_aggregates
		(user_id, total_xp, current_level, daily_xp, completed_days, current_streak, longest_streak, as_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total_xp = excluded.total_xp,
			current_level = excluded.current_level,
			daily_xp = excluded.daily_xp,
			completed_days = excluded.completed_days,
			current_streak = excluded.current_streak,
			longest_streak = excluded.longest_streak,
			as_of = excluded.as_of
	`,
		a.UserID, a.TotalXP, a.CurrentLevel, a.DailyXP,
		a.CompletedDays, a.CurrentStreak, a.LongestStreak, string(a.AsOf),
	)
	if err != nil {
		return fmt.Errorf("upsert aggregate: %w", err)
	}
	return nil
}

// Aggregate returns the stored aggregate of a user. found is false if none.
func (t *Tx) Aggregate(ctx context.Context, userID string) (agg domain.UserProgressAggregate, found bool, err error) {
	var asOf string
	err = t.q.QueryRowContext(ctx, `
		SELECT user_id, total_xp, current_level, daily_xp, completed_days, current_streak, longest_streak, as_of
		FROM user_aggregates WHERE user_id = ?
	`, userID).Scan(&agg.UserID, &agg.TotalXP, &agg.CurrentLevel, &agg.DailyXP,
		&agg.CompletedDays, &agg.CurrentStreak, &agg.LongestStreak, &asOf)
	if errors.Is(err, sql.ErrNoRows) {
		return agg, false, nil
	}
	if err != nil {
		return agg, false, fmt.Errorf("query aggregate: %w", err)
	}
	agg.AsOf = domain.DateKey(asOf)
	return agg, true, nil
}

// DeleteAggregate removes a user's aggregate.
func (t *Tx) DeleteAggregate(ctx context.Context, userID string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM user_aggregates WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete aggregate: %w", err)
	}
	return nil
}

func (t *Tx) queryRecords(ctx context.Context, query string, args ...any) ([]domain.CompletionRecord, error) {
	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []domain.CompletionRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (domain.CompletionRecord, error) {
	var r domain.CompletionRecord
	var date, habitType, updated string
	if err := rows.Scan(&r.UserID, &r.HabitID, &date, &r.Progress, &r.Goal, &habitType, &updated); err != nil {
		return r, fmt.Errorf("scan record: %w", err)
	}
	r.DateKey = domain.DateKey(date)
	r.HabitType = domain.HabitType(habitType)
	var err error
	r.UpdatedAt, err = parseTime(updated)
	if err != nil {
		return r, fmt.Errorf("scan record: %w", err)
	}
	return r, nil
}
