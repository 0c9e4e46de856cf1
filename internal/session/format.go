package session

import (
	"fmt"
	"time"
)

// FormatRelativeTime renders a last-active timestamp for display.
func FormatRelativeTime(ts time.Time) string {
	return formatRelativeTime(ts, time.Now())
}

func formatRelativeTime(ts, now time.Time) string {
	ts = ts.In(now.Location())
	elapsed := now.Sub(ts)
	if elapsed < time.Minute {
		return "Just now"
	}
	sameDay := ts.Year() == now.Year() && ts.YearDay() == now.YearDay()
	if sameDay && elapsed < time.Hour {
		return fmt.Sprintf("%d minutes ago", int(elapsed/time.Minute))
	}
	if sameDay {
		return ts.Format("3:04 PM")
	}
	return ts.Format("Jan 2, 2006, 3:04 PM")
}
