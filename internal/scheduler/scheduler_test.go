package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/pipeline"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Monday 2026-03-02 12:00 UTC.
var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type report struct {
	kind   string
	manual bool
}

type fakeRunner struct {
	mu      sync.Mutex
	cycles  []time.Time
	reports []report
	clock   Clock
	panics  bool
}

func (f *fakeRunner) Cycle(_ context.Context, _ config.Settings) *pipeline.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	f.cycles = append(f.cycles, f.clock.Now())
	return &pipeline.Result{}
}

func (f *fakeRunner) Report(_ context.Context, _ config.Settings, kind string, _ time.Time, manual bool) pipeline.StepResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report{kind, manual})
	return pipeline.StepResult{Name: "Report " + kind, Summary: "sent"}
}

type memPersister struct {
	payload []byte
	version int64
}

func (m *memPersister) LoadConfig(_ context.Context) ([]byte, int64, bool, error) {
	return m.payload, m.version, m.payload != nil, nil
}

func (m *memPersister) SaveConfig(_ context.Context, payload []byte, version int64) error {
	m.payload, m.version = payload, version
	return nil
}

type fakeHistory struct{ last *database.ScrapeRun }

func (f fakeHistory) LastSuccessfulScrape(_ context.Context) (*database.ScrapeRun, error) {
	return f.last, nil
}

func setup(t *testing.T, history History) (*Scheduler, *fakeClock, *fakeRunner, *config.Store) {
	t.Helper()
	store := config.NewStore(&memPersister{})
	if err := store.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: t0}
	runner := &fakeRunner{clock: clock}
	s := New(runner, store, history, clock, Options{ReportLoc: time.UTC, AuthorLoc: time.UTC}, quietLogger())
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, clock, runner, store
}

func TestNextScrapeSleepWindow(t *testing.T) {
	s := config.DefaultSettings() // sleep 0..7, 6h
	day := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	night := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)

	if got := NextScrape(day, s, time.UTC); !got.Equal(day.Add(time.Hour)) {
		t.Errorf("day: got %v", got)
	}
	if got := NextScrape(night, s, time.UTC); !got.Equal(night.Add(6 * time.Hour)) {
		t.Errorf("night: got %v", got)
	}

	s.SleepScrapeInterval = 0
	if got := NextScrape(night, s, time.UTC); !got.Equal(night.Add(time.Hour)) {
		t.Errorf("sleep disabled: got %v", got)
	}

	// 03:00 UTC is 22:00 in New York, outside the sleep hours there.
	if ny, err := time.LoadLocation("America/New_York"); err == nil {
		s.SleepScrapeInterval = 21600
		if got := NextScrape(night, s, ny); !got.Equal(night.Add(time.Hour)) {
			t.Errorf("author zone: got %v", got)
		}
	}
}

func TestFirstScrapeHonorsMinGap(t *testing.T) {
	s := config.DefaultSettings() // 300s gap
	if got := FirstScrape(t0, nil, s); !got.Equal(t0) {
		t.Errorf("no history: got %v", got)
	}
	recent := t0.Add(-time.Minute)
	if got := FirstScrape(t0, &recent, s); !got.Equal(recent.Add(5 * time.Minute)) {
		t.Errorf("recent: got %v", got)
	}
	old := t0.Add(-time.Hour)
	if got := FirstScrape(t0, &old, s); !got.Equal(t0) {
		t.Errorf("old: got %v", got)
	}
}

func TestNextReportFires(t *testing.T) {
	s := config.DefaultSettings() // daily 09:00, weekly Monday 09:00

	daily, err := NextDaily(t0, s, time.UTC)
	if err != nil || !daily.Equal(time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("daily: got %v (%v)", daily, err)
	}
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if daily, _ := NextDaily(at, s, time.UTC); !daily.After(at) {
		t.Error("next fire must be strictly after the last fire")
	}

	weekly, err := NextWeekly(t0, s, time.UTC)
	if err != nil || !weekly.Equal(time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("weekly: got %v (%v)", weekly, err)
	}

	s.WeeklyReportDay = 7
	weekly, _ = NextWeekly(t0, s, time.UTC)
	if weekly.Weekday() != time.Sunday || !weekly.Equal(time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("sunday: got %v", weekly)
	}
}

func TestHotReloadAffectsOnlyNextComputedFire(t *testing.T) {
	ctx := context.Background()
	s, clock, runner, store := setup(t, nil)

	s.Tick(ctx) // t0: first scrape
	if len(runner.cycles) != 1 || !s.Fires().Scrape.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected state after first tick: %d cycles, next %v", len(runner.cycles), s.Fires().Scrape)
	}

	if _, err := store.Update(ctx, map[string]any{"scrape_interval": 600}); err != nil {
		t.Fatal(err)
	}

	clock.Set(t0.Add(10 * time.Minute))
	s.Tick(ctx)
	if len(runner.cycles) != 1 {
		t.Fatal("already scheduled fire must not move")
	}

	clock.Set(t0.Add(time.Hour))
	s.Tick(ctx)
	if len(runner.cycles) != 2 {
		t.Fatal("expected the scheduled scrape to fire")
	}
	if want := t0.Add(time.Hour + 10*time.Minute); !s.Fires().Scrape.Equal(want) {
		t.Errorf("next fire should use the new interval: want %v, got %v", want, s.Fires().Scrape)
	}
}

func TestDisabledTriggersStillAdvance(t *testing.T) {
	ctx := context.Background()
	s, clock, runner, store := setup(t, nil)
	if _, err := store.Update(ctx, map[string]any{"scrape_enabled": false}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		clock.Set(t0.Add(time.Duration(i) * time.Hour))
		s.Tick(ctx)
	}
	if len(runner.cycles) != 0 {
		t.Errorf("disabled scrape ran %d cycles", len(runner.cycles))
	}

	if _, err := store.Update(ctx, map[string]any{"scrape_enabled": true}); err != nil {
		t.Fatal(err)
	}
	clock.Set(t0.Add(3 * time.Hour))
	s.Tick(ctx)
	if len(runner.cycles) != 1 {
		t.Errorf("expected exactly one cycle after re-enabling, got %d", len(runner.cycles))
	}
}

func TestReportsFireOnceAndAdvance(t *testing.T) {
	ctx := context.Background()
	s, clock, runner, _ := setup(t, nil)

	// Tuesday 09:00 fires daily only.
	clock.Set(time.Date(2026, 3, 3, 9, 0, 2, 0, time.UTC))
	s.Tick(ctx)
	clock.Set(time.Date(2026, 3, 3, 9, 0, 7, 0, time.UTC))
	s.Tick(ctx)

	if len(runner.reports) != 1 || runner.reports[0].kind != database.ReportDaily {
		t.Fatalf("expected one daily report, got %+v", runner.reports)
	}
	if !s.Fires().Daily.Equal(time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected next daily %v", s.Fires().Daily)
	}

	// Days later: one report each, no catch-up burst.
	clock.Set(time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC))
	s.Tick(ctx)
	if len(runner.reports) != 3 {
		t.Errorf("expected one daily and one weekly, got %+v", runner.reports)
	}
}

func TestReportTimeChangeWaitsForPendingFire(t *testing.T) {
	ctx := context.Background()
	s, clock, runner, store := setup(t, nil)
	pending := time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC)

	if _, err := store.Update(ctx, map[string]any{"daily_report_time": "18:30"}); err != nil {
		t.Fatal(err)
	}
	s.Tick(ctx)
	if !s.Fires().Daily.Equal(pending) {
		t.Errorf("scheduled fire moved: want %v, got %v", pending, s.Fires().Daily)
	}
	if len(runner.reports) != 0 {
		t.Errorf("no report expected before the pending fire, got %v", runner.reports)
	}

	clock.Set(pending)
	s.Tick(ctx)
	if len(runner.reports) != 1 || runner.reports[0].kind != database.ReportDaily {
		t.Fatalf("expected one daily report at the pending fire, got %v", runner.reports)
	}
	if want := time.Date(2026, 3, 3, 18, 30, 0, 0, time.UTC); !s.Fires().Daily.Equal(want) {
		t.Errorf("new time should apply after the fire: want %v, got %v", want, s.Fires().Daily)
	}
}

func TestMinGapDefersFirstScrape(t *testing.T) {
	last := &database.ScrapeRun{Status: database.ScrapeSuccess, FinishedAt: t0.Add(-time.Minute)}
	s, _, runner, _ := setup(t, fakeHistory{last: last})

	s.Tick(context.Background())
	if len(runner.cycles) != 0 {
		t.Error("first scrape should wait for min_scrape_gap")
	}
	if want := t0.Add(4 * time.Minute); !s.Fires().Scrape.Equal(want) {
		t.Errorf("want %v, got %v", want, s.Fires().Scrape)
	}
}

func TestPanicDoesNotStopTicking(t *testing.T) {
	ctx := context.Background()
	s, clock, runner, _ := setup(t, nil)
	runner.panics = true

	s.Tick(ctx)
	if !s.Fires().Scrape.Equal(t0.Add(time.Hour)) {
		t.Error("scrape should advance after a panic")
	}
	runner.panics = false
	clock.Set(t0.Add(time.Hour))
	s.Tick(ctx)
	if len(runner.cycles) != 1 {
		t.Error("loop should keep working after a panic")
	}
}

func TestManualTrigger(t *testing.T) {
	s, _, runner, _ := setup(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	res, err := s.Trigger(ctx, database.ReportWeekly)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Summary != "sent" {
		t.Errorf("unexpected result %+v", res)
	}
	runner.mu.Lock()
	got := runner.reports
	runner.mu.Unlock()
	if len(got) != 1 || !got[0].manual || got[0].kind != database.ReportWeekly {
		t.Errorf("unexpected reports %+v", got)
	}

	if _, err := s.Trigger(ctx, "monthly"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestTriggerQueueFull(t *testing.T) {
	s, _, _, _ := setup(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	for i := 0; i < 4; i++ {
		s.manual <- request{kind: database.ReportDaily, done: make(chan pipeline.StepResult, 1)}
	}
	if _, err := s.Trigger(ctx, database.ReportDaily); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
	s.Drain(context.Background())
}
