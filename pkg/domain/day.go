package domain

import (
	"fmt"
	"time"
)

// Day is a UTC calendar date identifying one quota bucket. It is a proper
// value type rather than a formatted string so that reservation and commit
// always agree on the bucket regardless of request-local timezones.
type Day struct {
	year  int
	month time.Month
	day   int
}

// DayOf returns the UTC calendar day containing t.
func DayOf(t time.Time) Day {
	y, m, d := t.UTC().Date()
	return Day{year: y, month: m, day: d}
}

// ParseDay parses an ISO date string (YYYY-MM-DD) into a Day.
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Day{}, fmt.Errorf("parse day: %w", err)
	}
	return DayOf(t), nil
}

// String renders the day as an ISO date (YYYY-MM-DD), the persisted form.
func (d Day) String() string {
	return d.Start().Format(time.DateOnly)
}

// Start returns midnight UTC at the beginning of the day.
func (d Day) Start() time.Time {
	return time.Date(d.year, d.month, d.day, 0, 0, 0, 0, time.UTC)
}

// ResetAt returns the instant the quota bucket for this day expires:
// midnight UTC at the start of the following day.
func (d Day) ResetAt() time.Time {
	return time.Date(d.year, d.month, d.day+1, 0, 0, 0, 0, time.UTC)
}

// Next returns the following calendar day.
func (d Day) Next() Day {
	return DayOf(d.ResetAt())
}

// IsZero reports whether the day is the zero value.
func (d Day) IsZero() bool {
	return d.year == 0 && d.month == 0 && d.day == 0
}
