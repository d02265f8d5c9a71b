package models

import (
	"fmt"
	"time"
)

// AttendanceWindow is a time-of-day interval [StartMinute, EndMinute) in which check-in is allowed.
// Minutes count from local midnight. A window with StartMinute > EndMinute wraps past midnight.
type AttendanceWindow struct {
	ID          uint `gorm:"primaryKey" json:"id" msgpack:"id"`
	StartMinute int  `gorm:"not null" json:"start_minute" msgpack:"start_minute"`
	EndMinute   int  `gorm:"not null" json:"end_minute" msgpack:"end_minute"`
}

// NewWindow builds a window from hour/minute pairs.
func NewWindow(startH, startM, endH, endM int) AttendanceWindow {
	return AttendanceWindow{StartMinute: startH*60 + startM, EndMinute: endH*60 + endM}
}

// Contains reports whether t's wall clock falls inside the window. Seconds count, so 10:59:59 is inside [09:00,11:00).
func (w AttendanceWindow) Contains(t time.Time) bool {
	h, m, s := t.Clock()
	sec := h*3600 + m*60 + s
	start, end := w.StartMinute*60, w.EndMinute*60
	switch {
	case start == end:
		return false
	case start < end:
		return sec >= start && sec < end
	default:
		return sec >= start || sec < end
	}
}

// Label renders the window as HH:MM-HH:MM.
func (w AttendanceWindow) Label() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.StartMinute/60, w.StartMinute%60, w.EndMinute/60, w.EndMinute%60)
}

// AnyContains reports whether any window contains t.
func AnyContains(windows []AttendanceWindow, t time.Time) bool {
	for _, w := range windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}
