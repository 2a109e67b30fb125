// Package scheduler drives the pipeline from a single cooperative loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/pipeline"
)

// ErrQueueFull is returned when too many manual requests are waiting.
var ErrQueueFull = errors.New("manual trigger queue is full")

// Clock tells the scheduler what time it is.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

// Runner is the work the scheduler drives.
type Runner interface {
	Cycle(ctx context.Context, s config.Settings) *pipeline.Result
	Report(ctx context.Context, s config.Settings, kind string, ref time.Time, manual bool) pipeline.StepResult
}

// Settings is the configuration access point.
type Settings interface {
	Refresh(ctx context.Context) (bool, error)
	Settings() config.Settings
}

// History reports when the last successful scrape finished.
type History interface {
	LastSuccessfulScrape(ctx context.Context) (*database.ScrapeRun, error)
}

// Options are the static scheduler parameters.
type Options struct {
	Tick         time.Duration
	ReportLoc    *time.Location
	AuthorLoc    *time.Location
	ManualBuffer int
}

// Fires are the next-fire instants.
type Fires struct {
	Scrape time.Time
	Daily  time.Time
	Weekly time.Time
}

type request struct {
	kind string
	done chan pipeline.StepResult
}

// Scheduler runs due work each tick, strictly one unit at a time.
type Scheduler struct {
	runner  Runner
	config  Settings
	history History
	clock   Clock
	opts    Options
	logger  *slog.Logger
	manual  chan request

	fires     Fires
	published atomic.Pointer[Fires]
}

// New creates a scheduler. Call Init, then Run.
func New(runner Runner, cfg Settings, history History, clock Clock, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	if opts.ReportLoc == nil {
		opts.ReportLoc = time.Local
	}
	if opts.AuthorLoc == nil {
		opts.AuthorLoc = time.Local
	}
	if opts.ManualBuffer <= 0 {
		opts.ManualBuffer = 4
	}
	return &Scheduler{
		runner:  runner,
		config:  cfg,
		history: history,
		clock:   clock,
		opts:    opts,
		logger:  logger,
		manual:  make(chan request, opts.ManualBuffer),
	}
}

// Init computes the first fire instants. Reports never catch up on instants
// missed while the process was down.
func (s *Scheduler) Init(ctx context.Context) error {
	now := s.clock.Now()
	set := s.config.Settings()

	var lastSuccess *time.Time
	if s.history != nil {
		run, err := s.history.LastSuccessfulScrape(ctx)
		if err != nil {
			return fmt.Errorf("loading last scrape: %w", err)
		}
		if run != nil {
			lastSuccess = &run.FinishedAt
		}
	}
	s.fires.Scrape = FirstScrape(now, lastSuccess, set)

	var err error
	if s.fires.Daily, err = NextDaily(now, set, s.opts.ReportLoc); err != nil {
		return err
	}
	if s.fires.Weekly, err = NextWeekly(now, set, s.opts.ReportLoc); err != nil {
		return err
	}

	s.publish()
	s.logger.Info("scheduler initialized",
		"next_scrape", s.fires.Scrape, "next_daily", s.fires.Daily, "next_weekly", s.fires.Weekly)
	return nil
}

// Fires returns the next-fire instants as of the last tick. It is safe to
// call from any goroutine.
func (s *Scheduler) Fires() Fires {
	if f := s.published.Load(); f != nil {
		return *f
	}
	return Fires{}
}

func (s *Scheduler) publish() {
	f := s.fires
	s.published.Store(&f)
}

// Run ticks until ctx is done. Manual requests are served between ticks.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case req := <-s.manual:
			s.serve(ctx, req)
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick refreshes the configuration and runs whatever is due.
func (s *Scheduler) Tick(ctx context.Context) {
	if changed, err := s.config.Refresh(ctx); err != nil {
		s.logger.Warn("config refresh failed; keeping current snapshot", "error", err)
	} else if changed {
		s.logger.Info("config reloaded")
	}
	now := s.clock.Now()

	if !now.Before(s.fires.Scrape) {
		if set := s.config.Settings(); set.ScrapeEnabled {
			s.guard("cycle", func() { s.logCycle(s.runner.Cycle(ctx, set)) })
		} else {
			s.logger.Debug("scrape disabled; advancing")
		}
		s.fires.Scrape = NextScrape(now, s.config.Settings(), s.opts.AuthorLoc)
		s.logger.Debug("next scrape", "at", s.fires.Scrape)
	}

	if !now.Before(s.fires.Daily) {
		s.report(ctx, database.ReportDaily, now)
		s.advance(database.ReportDaily, now)
	}

	if !now.Before(s.fires.Weekly) {
		s.report(ctx, database.ReportWeekly, now)
		s.advance(database.ReportWeekly, now)
	}
	s.publish()
}

// Trigger queues a manual report of kind (daily or weekly) and waits for it.
func (s *Scheduler) Trigger(ctx context.Context, kind string) (pipeline.StepResult, error) {
	if kind != database.ReportDaily && kind != database.ReportWeekly {
		return pipeline.StepResult{}, fmt.Errorf("unknown report type %q", kind)
	}
	req := request{kind: kind, done: make(chan pipeline.StepResult, 1)}
	select {
	case s.manual <- req:
	default:
		return pipeline.StepResult{}, ErrQueueFull
	}

	select {
	case res := <-req.done:
		return res, nil
	case <-ctx.Done():
		return pipeline.StepResult{}, ctx.Err()
	}
}

// Drain serves every queued manual request.
func (s *Scheduler) Drain(ctx context.Context) {
	for {
		select {
		case req := <-s.manual:
			s.serve(ctx, req)
		default:
			return
		}
	}
}

func (s *Scheduler) serve(ctx context.Context, req request) {
	set := s.config.Settings()
	res := pipeline.StepResult{Name: "Report " + req.kind, Err: errors.New("report panicked")}
	s.guard("manual report", func() {
		res = s.runner.Report(ctx, set, req.kind, s.clock.Now(), true)
	})
	s.logStep(res)
	req.done <- res
}

func (s *Scheduler) report(ctx context.Context, kind string, now time.Time) {
	set := s.config.Settings()
	s.guard(kind+" report", func() { s.logStep(s.runner.Report(ctx, set, kind, now, false)) })
}

// advance computes the fire after last from the current snapshot. A
// changed report time or day only takes effect here, after the pending fire.
func (s *Scheduler) advance(kind string, last time.Time) {
	set := s.config.Settings()
	var err error
	switch kind {
	case database.ReportDaily:
		s.fires.Daily, err = NextDaily(last, set, s.opts.ReportLoc)
	case database.ReportWeekly:
		s.fires.Weekly, err = NextWeekly(last, set, s.opts.ReportLoc)
	}
	if err != nil {
		s.logger.Error("computing next report fire", "report", kind, "error", err)
	}
}

// guard runs fn and logs a panic instead of unwinding the loop.
func (s *Scheduler) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic", "unit", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (s *Scheduler) logCycle(r *pipeline.Result) {
	for _, step := range r.Steps {
		s.logStep(step)
	}
}

func (s *Scheduler) logStep(step pipeline.StepResult) {
	if step.Err != nil {
		s.logger.Warn("step failed", "step", step.Name, "summary", step.Summary, "error", step.Err)
		return
	}
	s.logger.Info("step done", "step", step.Name, "summary", step.Summary)
}
