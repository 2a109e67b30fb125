package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds every runtime knob. It is a plain value: components receive
// a copy at the start of each unit of work and never observe later edits.
type Settings struct {
	ScrapeEnabled       bool `json:"scrape_enabled"`
	ScrapeInterval      int  `json:"scrape_interval"`
	ScrapeTimeout       int  `json:"scrape_timeout"`
	MaxPostsPerScrape   int  `json:"max_posts_per_scrape"`
	SleepScrapeInterval int  `json:"sleep_scrape_interval"`
	SleepStartHour      int  `json:"sleep_start_hour"`
	SleepEndHour        int  `json:"sleep_end_hour"`
	MinScrapeGap        int  `json:"min_scrape_gap"`
	SkipInitialBacklog  bool `json:"skip_initial_backlog"`

	RealtimeEnabled        bool `json:"realtime_enabled"`
	DeliverTimeout         int  `json:"deliver_timeout"`
	NotifyRetryAttempts    int  `json:"notify_retry_attempts"`
	NotifyRetryBaseDelayMS int  `json:"notify_retry_base_delay_ms"`

	DailyReportEnabled   bool   `json:"daily_report_enabled"`
	DailyReportTime      string `json:"daily_report_time"`
	WeeklyReportEnabled  bool   `json:"weekly_report_enabled"`
	WeeklyReportDay      int    `json:"weekly_report_day"`
	WeeklyReportTime     string `json:"weekly_report_time"`
	WeeklyReportTopPosts int    `json:"weekly_report_top_posts"`

	TranslateEnabled bool `json:"translate_enabled"`
	TranslateTimeout int  `json:"translate_timeout"`
	AIEnabled        bool `json:"ai_enabled"`
	AITimeout        int  `json:"ai_timeout"`
	EnrichAttempts   int  `json:"enrich_attempts"`

	WeightReplies    float64 `json:"weight_replies"`
	WeightReblogs    float64 `json:"weight_reblogs"`
	WeightFavourites float64 `json:"weight_favourites"`
}

// DefaultSettings returns the settings seeded into an empty database.
func DefaultSettings() Settings {
	return Settings{
		ScrapeEnabled:       true,
		ScrapeInterval:      3600,
		ScrapeTimeout:       60,
		MaxPostsPerScrape:   20,
		SleepScrapeInterval: 21600,
		SleepStartHour:      0,
		SleepEndHour:        7,
		MinScrapeGap:        300,
		SkipInitialBacklog:  true,

		RealtimeEnabled:        true,
		DeliverTimeout:         15,
		NotifyRetryAttempts:    3,
		NotifyRetryBaseDelayMS: 2000,

		DailyReportEnabled:   true,
		DailyReportTime:      "09:00",
		WeeklyReportEnabled:  true,
		WeeklyReportDay:      1,
		WeeklyReportTime:     "09:00",
		WeeklyReportTopPosts: 10,

		TranslateEnabled: true,
		TranslateTimeout: 30,
		AIEnabled:        true,
		AITimeout:        120,
		EnrichAttempts:   1,

		WeightReplies:    3,
		WeightReblogs:    2,
		WeightFavourites: 1,
	}
}

// Upper bounds in seconds (milliseconds for the retry delay). They keep every
// derived time.Duration far from overflow.
const (
	maxInterval    = 7 * 24 * 3600
	maxGap         = 24 * 3600
	maxTimeout     = 3600
	maxBaseDelayMS = 60_000
)

// ValidationError lists every rejected setting. The previous snapshot stays
// active when one is returned.
type ValidationError struct {
	Problems map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Problems))
	for k := range e.Problems {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Problems[k])
	}
	return "invalid settings: " + strings.Join(parts, "; ")
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks ranges and formats.
func (s Settings) Validate() error {
	p := map[string]string{}

	positive := func(key string, v int) {
		if v <= 0 {
			p[key] = "must be greater than 0"
		}
	}
	between := func(key string, v, lo, hi int) {
		if v < lo || v > hi {
			p[key] = fmt.Sprintf("must be between %d and %d", lo, hi)
		}
	}
	clock := func(key, v string) {
		if _, _, err := ParseClock(v); err != nil {
			p[key] = "must be HH:MM"
		}
	}
	weight := func(key string, v float64) {
		if v < 0 {
			p[key] = "must not be negative"
		}
	}

	between("scrape_interval", s.ScrapeInterval, 1, maxInterval)
	between("scrape_timeout", s.ScrapeTimeout, 1, maxTimeout)
	positive("max_posts_per_scrape", s.MaxPostsPerScrape)
	between("sleep_scrape_interval", s.SleepScrapeInterval, 0, maxInterval)
	between("sleep_start_hour", s.SleepStartHour, 0, 23)
	between("sleep_end_hour", s.SleepEndHour, 0, 23)
	between("min_scrape_gap", s.MinScrapeGap, 0, maxGap)

	between("deliver_timeout", s.DeliverTimeout, 1, maxTimeout)
	between("notify_retry_attempts", s.NotifyRetryAttempts, 1, 10)
	between("notify_retry_base_delay_ms", s.NotifyRetryBaseDelayMS, 0, maxBaseDelayMS)

	clock("daily_report_time", s.DailyReportTime)
	between("weekly_report_day", s.WeeklyReportDay, 1, 7)
	clock("weekly_report_time", s.WeeklyReportTime)
	between("weekly_report_top_posts", s.WeeklyReportTopPosts, 1, 50)

	between("translate_timeout", s.TranslateTimeout, 1, maxTimeout)
	between("ai_timeout", s.AITimeout, 1, maxTimeout)
	between("enrich_attempts", s.EnrichAttempts, 1, 5)

	weight("weight_replies", s.WeightReplies)
	weight("weight_reblogs", s.WeightReblogs)
	weight("weight_favourites", s.WeightFavourites)

	if len(p) > 0 {
		return &ValidationError{Problems: p}
	}
	return nil
}

// Apply returns a copy of s with changes merged in, validated. Keys are the
// JSON names of the fields.
func (s Settings) Apply(changes map[string]any) (Settings, error) {
	current, err := s.Map()
	if err != nil {
		return s, err
	}

	problems := map[string]string{}
	for k, v := range changes {
		if _, ok := current[k]; !ok {
			problems[k] = "unknown setting"
			continue
		}
		current[k] = v
	}
	if len(problems) > 0 {
		return s, &ValidationError{Problems: problems}
	}

	data, err := json.Marshal(current)
	if err != nil {
		return s, fmt.Errorf("encoding settings: %w", err)
	}

	var next Settings
	if err := json.Unmarshal(data, &next); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return s, &ValidationError{Problems: map[string]string{
				typeErr.Field: "must be " + typeErr.Type.String(),
			}}
		}
		return s, fmt.Errorf("decoding settings: %w", err)
	}

	if err := next.Validate(); err != nil {
		return s, err
	}
	return next, nil
}

// Map returns the settings as key -> value.
func (s Settings) Map() (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding settings: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	return m, nil
}

// ParseValue turns a command-line value into a typed scalar: "true" becomes a
// bool, "30" an int, "09:00" stays a string.
func ParseValue(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	switch v.(type) {
	case bool, int, float64, string:
		return v
	}
	return raw
}

// ParseClock parses an HH:MM wall-clock time.
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

func (s Settings) ScrapeEvery() time.Duration {
	return time.Duration(s.ScrapeInterval) * time.Second
}

func (s Settings) SleepEvery() time.Duration {
	return time.Duration(s.SleepScrapeInterval) * time.Second
}

func (s Settings) ScrapeDeadline() time.Duration {
	return time.Duration(s.ScrapeTimeout) * time.Second
}

func (s Settings) MinGap() time.Duration {
	return time.Duration(s.MinScrapeGap) * time.Second
}

func (s Settings) DeliverDeadline() time.Duration {
	return time.Duration(s.DeliverTimeout) * time.Second
}

func (s Settings) NotifyBaseDelay() time.Duration {
	return time.Duration(s.NotifyRetryBaseDelayMS) * time.Millisecond
}

func (s Settings) TranslateDeadline() time.Duration {
	return time.Duration(s.TranslateTimeout) * time.Second
}

func (s Settings) AIDeadline() time.Duration {
	return time.Duration(s.AITimeout) * time.Second
}

// InSleepWindow reports whether hour falls inside the author's sleep hours.
// The window may wrap midnight; equal bounds mean no window.
func (s Settings) InSleepWindow(hour int) bool {
	start, end := s.SleepStartHour, s.SleepEndHour
	switch {
	case start == end:
		return false
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}
