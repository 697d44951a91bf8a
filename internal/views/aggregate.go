package views

import "github.com/roach88/habitledger/internal/domain"

// XPRules holds the XP constants.
type XPRules struct {
	XPPerCompletedDay int64 `yaml:"xp_per_completed_day" json:"xp_per_completed_day"`
	XPPerLevel        int64 `yaml:"xp_per_level" json:"xp_per_level"`
}

// DefaultXPRules returns the stock XP constants.
func DefaultXPRules() XPRules {
	return XPRules{XPPerCompletedDay: 50, XPPerLevel: 500}
}

// Schedule maps a day to the habits scheduled on it. A day missing from the
// map has nothing scheduled.
type Schedule map[domain.DateKey][]domain.Habit

// DayStatus is the evaluation of one day against the all-habits gate.
type DayStatus int

const (
	// DayNeutral means nothing was scheduled. It neither extends nor breaks a streak.
	DayNeutral DayStatus = iota

	// DayIncomplete means at least one scheduled habit was not completed.
	DayIncomplete

	// DayComplete means every scheduled habit was completed.
	DayComplete
)

// EvaluateDay applies the gate: a day is complete only when at least one
// habit is scheduled and every scheduled habit satisfies the completion
// formula. A scheduled habit with no record is evaluated at progress 0.
func EvaluateDay(scheduled []domain.Habit, records map[string]domain.CompletionRecord) DayStatus {
	if len(scheduled) == 0 {
		return DayNeutral
	}
	for _, h := range scheduled {
		if rec, ok := records[h.ID]; ok {
			if !rec.IsCompleted() {
				return DayIncomplete
			}
			continue
		}
		if !domain.Completed(h.Type, 0, h.Goal) {
			return DayIncomplete
		}
	}
	return DayComplete
}

// ComputeAggregate derives XP, level and streaks for userID as of today.
//
// Days are walked from the earliest record on or before today up to today.
// The current streak ends today, or yesterday when today is still open.
func ComputeAggregate(userID string, today domain.DateKey, records []domain.CompletionRecord, schedule Schedule, rules XPRules) domain.UserProgressAggregate {
	if rules.XPPerLevel <= 0 {
		rules = DefaultXPRules()
	}

	agg := domain.UserProgressAggregate{UserID: userID, AsOf: today, CurrentLevel: 1}
	if !validDay(today) {
		return agg
	}

	byDay := map[domain.DateKey]map[string]domain.CompletionRecord{}
	start := today
	for _, r := range records {
		if r.UserID != userID || today.Before(r.DateKey) || !validDay(r.DateKey) {
			continue
		}
		if byDay[r.DateKey] == nil {
			byDay[r.DateKey] = map[string]domain.CompletionRecord{}
		}
		byDay[r.DateKey][r.HabitID] = r
		if r.DateKey.Before(start) {
			start = r.DateKey
		}
	}

	var run int64
	for day := start; day.Before(today); day = day.AddDays(1) {
		switch EvaluateDay(schedule[day], byDay[day]) {
		case DayComplete:
			agg.CompletedDays++
			run++
			agg.LongestStreak = max(agg.LongestStreak, run)
		case DayIncomplete:
			run = 0
		}
	}

	agg.CurrentStreak = run
	if EvaluateDay(schedule[today], byDay[today]) == DayComplete {
		agg.CompletedDays++
		agg.CurrentStreak = run + 1
		agg.DailyXP = rules.XPPerCompletedDay
	}
	agg.LongestStreak = max(agg.LongestStreak, agg.CurrentStreak)

	agg.TotalXP = agg.CompletedDays * rules.XPPerCompletedDay
	agg.CurrentLevel = 1 + agg.TotalXP/rules.XPPerLevel
	return agg
}

// Days returns every day from the earliest record on or before today through
// today. The ledger uses it to know which days to ask the catalog about.
func Days(today domain.DateKey, records []domain.CompletionRecord) []domain.DateKey {
	if !validDay(today) {
		return nil
	}
	start := today
	for _, r := range records {
		if r.DateKey.Before(start) && validDay(r.DateKey) {
			start = r.DateKey
		}
	}
	var days []domain.DateKey
	for day := start; !today.Before(day); day = day.AddDays(1) {
		days = append(days, day)
	}
	return days
}

func validDay(d domain.DateKey) bool {
	_, err := domain.ParseDateKey(string(d))
	return err == nil
}
