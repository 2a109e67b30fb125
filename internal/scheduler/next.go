package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/TobiSchelling/postwatch/internal/config"
)

// NextScrape is last plus the effective scrape interval. The sleep interval
// applies when last falls inside the author's sleep hours.
func NextScrape(last time.Time, s config.Settings, author *time.Location) time.Time {
	if s.SleepScrapeInterval > 0 && s.InSleepWindow(last.In(author).Hour()) {
		return last.Add(s.SleepEvery())
	}
	return last.Add(s.ScrapeEvery())
}

// FirstScrape is the first scrape instant after startup. A successful scrape
// less than min_scrape_gap ago defers it.
func FirstScrape(now time.Time, lastSuccess *time.Time, s config.Settings) time.Time {
	if lastSuccess == nil {
		return now
	}
	if earliest := lastSuccess.Add(s.MinGap()); earliest.After(now) {
		return earliest
	}
	return now
}

// NextDaily is the next daily_report_time in loc strictly after after.
func NextDaily(after time.Time, s config.Settings, loc *time.Location) (time.Time, error) {
	return next(after, s.DailyReportTime, "*", loc)
}

// NextWeekly is the next weekly_report_day at weekly_report_time in loc
// strictly after after.
func NextWeekly(after time.Time, s config.Settings, loc *time.Location) (time.Time, error) {
	return next(after, s.WeeklyReportTime, fmt.Sprint(s.WeeklyReportDay%7), loc)
}

func next(after time.Time, clock, weekday string, loc *time.Location) (time.Time, error) {
	hour, minute, err := config.ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * %s", minute, hour, weekday))
	if err != nil {
		return time.Time{}, fmt.Errorf("building schedule: %w", err)
	}
	return sched.Next(after.In(loc)), nil
}
