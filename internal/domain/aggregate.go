package domain

// UserProgressAggregate is the derived XP, level and streak summary of a user.
type UserProgressAggregate struct {
	UserID        string  `json:"user_id"`
	TotalXP       int64   `json:"total_xp"`
	CurrentLevel  int64   `json:"current_level"`
	DailyXP       int64   `json:"daily_xp"`
	CompletedDays int64   `json:"completed_days"`
	CurrentStreak int64   `json:"current_streak"`
	LongestStreak int64   `json:"longest_streak"`
	AsOf          DateKey `json:"as_of"`
}

// SyncCursor is the replication position of one user on one device.
//
// Uploaded holds the last acknowledged sequence per local stream. Merged is
// the last remote offset whose batch has been committed locally.
type SyncCursor struct {
	UserID   string           `json:"user_id"`
	DeviceID string           `json:"device_id"`
	Uploaded map[Stream]int64 `json:"-"`
	Merged   int64            `json:"merged"`
}

// UploadedThrough returns the acknowledged sequence for a stream, 0 if none.
func (c SyncCursor) UploadedThrough(s Stream) int64 {
	return c.Uploaded[s]
}
