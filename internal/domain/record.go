package domain

import (
	"encoding/json"
	"time"
)

// HabitType decides which way the completion formula compares.
type HabitType string

const (
	// HabitFormation is complete when progress reaches the goal.
	HabitFormation HabitType = "formation"

	// HabitBreaking is complete while progress stays at or under the goal.
	HabitBreaking HabitType = "breaking"
)

// Valid reports whether t is a known habit type.
func (t HabitType) Valid() bool {
	return t == HabitFormation || t == HabitBreaking
}

// Habit is a catalog entry. The ledger only reads habits; it never owns them.
type Habit struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     HabitType      `json:"type"`
	Goal     int64          `json:"goal"`
	Unit     string         `json:"unit,omitempty"`
	Schedule []time.Weekday `json:"schedule,omitempty"`
}

// ScheduledOn reports whether the habit is due on the given date.
// An empty schedule means every day.
func (h Habit) ScheduledOn(d DateKey) bool {
	if len(h.Schedule) == 0 {
		return true
	}
	wd, err := d.Weekday()
	if err != nil {
		return false
	}
	for _, s := range h.Schedule {
		if s == wd {
			return true
		}
	}
	return false
}

// Completed applies the completion formula.
func Completed(t HabitType, progress, goal int64) bool {
	if t == HabitBreaking {
		return progress <= goal
	}
	return progress >= goal
}

// RecordKey identifies one completion record.
type RecordKey struct {
	UserID  string  `json:"user_id"`
	HabitID string  `json:"habit_id"`
	DateKey DateKey `json:"date_key"`
}

// CompletionRecord is the materialized progress of one habit on one day.
//
// There is no completed field. Completion is derived by IsCompleted every time
// it is asked, so it cannot disagree with Progress.
type CompletionRecord struct {
	UserID    string    `json:"user_id"`
	HabitID   string    `json:"habit_id"`
	DateKey   DateKey   `json:"date_key"`
	Progress  int64     `json:"progress"`
	Goal      int64     `json:"goal"`
	HabitType HabitType `json:"habit_type"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the record's key.
func (r CompletionRecord) Key() RecordKey {
	return RecordKey{UserID: r.UserID, HabitID: r.HabitID, DateKey: r.DateKey}
}

// IsCompleted applies the completion formula to the record.
func (r CompletionRecord) IsCompleted() bool {
	return Completed(r.HabitType, r.Progress, r.Goal)
}

// MarshalJSON includes the derived completion flag for display.
func (r CompletionRecord) MarshalJSON() ([]byte, error) {
	type plain CompletionRecord
	return json.Marshal(struct {
		plain
		IsCompleted bool `json:"is_completed"`
	}{plain(r), r.IsCompleted()})
}
