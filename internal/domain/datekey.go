package domain

import (
	"fmt"
	"time"
)

const dateKeyLayout = "2006-01-02"

// DateKey is a calendar day in YYYY-MM-DD form.
type DateKey string

// NewDateKey normalizes t to the calendar day it falls on in loc.
func NewDateKey(t time.Time, loc *time.Location) DateKey {
	if loc == nil {
		loc = time.UTC
	}
	return DateKey(t.In(loc).Format(dateKeyLayout))
}

// ParseDateKey validates s and returns it as a DateKey.
func ParseDateKey(s string) (DateKey, error) {
	t, err := time.Parse(dateKeyLayout, s)
	if err != nil || t.Format(dateKeyLayout) != s {
		return "", &Error{
			Kind:    KindValidation,
			Code:    CodeInvalidDate,
			Message: fmt.Sprintf("date key %q is not YYYY-MM-DD", s),
		}
	}
	return DateKey(s), nil
}

// Time returns midnight UTC of the day. Only calendar arithmetic uses it.
func (d DateKey) Time() (time.Time, error) {
	return time.Parse(dateKeyLayout, string(d))
}

// Weekday returns the day of the week.
func (d DateKey) Weekday() (time.Weekday, error) {
	t, err := d.Time()
	if err != nil {
		return 0, err
	}
	return t.Weekday(), nil
}

// AddDays returns the key n days later (earlier for negative n).
// An invalid key is returned unchanged.
func (d DateKey) AddDays(n int) DateKey {
	t, err := d.Time()
	if err != nil {
		return d
	}
	return DateKey(t.AddDate(0, 0, n).Format(dateKeyLayout))
}

// Before reports whether d is an earlier day than other.
// YYYY-MM-DD sorts lexically in calendar order.
func (d DateKey) Before(other DateKey) bool {
	return d < other
}
