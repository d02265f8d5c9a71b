package models

import "time"

// DateLayout is the calendar date format used in keys and records.
const DateLayout = "2006-01-02"

// FormatDate renders t's calendar date in its own location.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a calendar date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, loc)
}

// PrevDate returns the calendar date before date.
func PrevDate(date string) (string, error) {
	d, err := time.Parse(DateLayout, date)
	if err != nil {
		return "", err
	}
	return d.AddDate(0, 0, -1).Format(DateLayout), nil
}

// DaySpan counts the calendar dates from start to end, both inclusive, without listing them.
// It is zero or negative when end is before start.
func DaySpan(start, end time.Time) int {
	s, e := calendarDay(start), calendarDay(end)
	return int(e.Sub(s)/(24*time.Hour)) + 1
}

// DateRange lists every date from start to end, both inclusive. It returns nil when end is before start.
func DateRange(start, end time.Time) []string {
	s, e := calendarDay(start), calendarDay(end)
	var out []string
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Format(DateLayout))
	}
	return out
}

func calendarDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
