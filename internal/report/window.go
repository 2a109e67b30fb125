package report

import (
	"fmt"
	"time"

	"github.com/TobiSchelling/postwatch/internal/database"
)

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Display formats the window's days for humans.
// Single day: "Mar 01, 2026"
// Range: "Feb 23 - Mar 01, 2026"
func (w Window) Display() string {
	first := w.Start
	last := w.End.AddDate(0, 0, -1)
	if !last.After(first) {
		return first.Format("Jan 02, 2006")
	}
	if first.Year() != last.Year() {
		return fmt.Sprintf("%s - %s", first.Format("Jan 02, 2006"), last.Format("Jan 02, 2006"))
	}
	return fmt.Sprintf("%s - %s", first.Format("Jan 02"), last.Format("Jan 02, 2006"))
}

// DailyWindow is the local calendar day before ref's local midnight.
func DailyWindow(ref time.Time, loc *time.Location) Window {
	l := ref.In(loc)
	end := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
	start := time.Date(l.Year(), l.Month(), l.Day()-1, 0, 0, 0, 0, loc)
	return Window{Start: start, End: end}
}

// WeeklyWindow ends at the most recent local midnight on weekday (1=Monday
// .. 7=Sunday) at or before ref, and starts seven days earlier.
func WeeklyWindow(ref time.Time, loc *time.Location, weekday int) Window {
	l := ref.In(loc)
	back := (isoWeekday(l.Weekday()) - weekday + 7) % 7
	end := time.Date(l.Year(), l.Month(), l.Day()-back, 0, 0, 0, 0, loc)
	start := time.Date(l.Year(), l.Month(), l.Day()-back-7, 0, 0, 0, 0, loc)
	return Window{Start: start, End: end}
}

// WindowFor computes the window of a daily or weekly report.
func WindowFor(kind string, ref time.Time, loc *time.Location, weekday int) (Window, error) {
	switch kind {
	case database.ReportDaily:
		return DailyWindow(ref, loc), nil
	case database.ReportWeekly:
		return WeeklyWindow(ref, loc, weekday), nil
	}
	return Window{}, fmt.Errorf("unknown report type %q", kind)
}

func isoWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}
