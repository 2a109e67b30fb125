// Package report builds and delivers the weighted daily and weekly reports.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/notify"
	"github.com/TobiSchelling/postwatch/internal/policy"
)

// Store is the slice of the persistence gateway the aggregator needs.
type Store interface {
	GetPostsByWindow(ctx context.Context, start, end time.Time) ([]database.Post, error)
	SaveReportRun(ctx context.Context, r *database.ReportRun) error
}

// Analyzer produces a macro analysis over a set of posts.
type Analyzer interface {
	AnalyzeBatch(ctx context.Context, posts []database.Post, focus string) (map[string]any, error)
}

// Sender delivers a rendered report.
type Sender interface {
	Send(ctx context.Context, s config.Settings, msg notify.Message) error
}

// Aggregator selects, ranks, renders and dispatches reports.
type Aggregator struct {
	store    Store
	analyzer Analyzer
	sender   Sender
	loc      *time.Location
	logger   *slog.Logger
	now      func() time.Time
}

// NewAggregator creates an aggregator. analyzer may be nil; reports then
// carry statistics only. loc is the timezone windows are computed in.
func NewAggregator(store Store, analyzer Analyzer, sender Sender, loc *time.Location, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:    store,
		analyzer: analyzer,
		sender:   sender,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

// Run builds the daily or weekly report for the window ending before ref. A
// disabled type or an empty window records a skipped run. The returned error
// is set only when the run could not be recorded.
func (a *Aggregator) Run(ctx context.Context, s config.Settings, kind string, ref time.Time) (*database.ReportRun, error) {
	return a.run(ctx, s, kind, ref, false)
}

// Manual builds a report on request with the window of mimics. The enabled
// toggles do not apply.
func (a *Aggregator) Manual(ctx context.Context, s config.Settings, mimics string, ref time.Time) (*database.ReportRun, error) {
	return a.run(ctx, s, mimics, ref, true)
}

func (a *Aggregator) run(ctx context.Context, s config.Settings, kind string, ref time.Time, manual bool) (*database.ReportRun, error) {
	w, err := WindowFor(kind, ref, a.loc, s.WeeklyReportDay)
	if err != nil {
		return nil, err
	}

	run := &database.ReportRun{
		ReportType:  kind,
		WindowStart: w.Start,
		WindowEnd:   w.End,
		CreatedAt:   a.now(),
	}
	if manual {
		run.ReportType = database.ReportManual
		run.Mimics = &kind
	}
	log := a.logger.With("report", run.ReportType, "window_start", w.Start, "window_end", w.End)

	if !manual && !enabled(s, kind) {
		log.Info("report disabled; skipping")
		return a.finish(ctx, run, database.ReportSkipped, kind+" reports disabled")
	}

	posts, err := a.store.GetPostsByWindow(ctx, w.Start, w.End)
	if err != nil {
		log.Error("loading report window failed", "error", err)
		return a.finish(ctx, run, database.ReportFailed, err.Error())
	}
	if len(posts) == 0 {
		log.Info("no posts in window; skipping")
		return a.finish(ctx, run, database.ReportSkipped, "no posts in window")
	}

	top := Rank(posts, s, s.WeeklyReportTopPosts)
	st := Summarize(posts)
	run.TotalPosts, run.OriginalPosts, run.ReblogPosts = st.Total, st.Original, st.Reblog
	run.TextPosts, run.MediaPosts = st.Text, st.Media
	for _, p := range top {
		run.TopPostIDs = append(run.TopPostIDs, p.PostID)
	}

	rep := Report{
		Kind:     kind,
		Manual:   manual,
		Window:   w,
		Stats:    st,
		Top:      top,
		Analysis: a.analyze(ctx, s, kind, top, log),
		Settings: s,
		Created:  run.CreatedAt,
	}
	run.Body = rep.Markdown()

	msg := notify.Message{
		Kind:  run.ReportType,
		Title: rep.Title(),
		Body:  run.Body,
		Color: "purple",
		Items: st.Total,
	}
	if err := a.sender.Send(ctx, s, msg); err != nil {
		log.Error("report delivery failed", "error", err)
		return a.finish(ctx, run, database.ReportFailed, err.Error())
	}

	at := a.now()
	run.DispatchedAt = &at
	log.Info("report sent", "posts", st.Total, "top", len(top))
	return a.finish(ctx, run, database.ReportSent, "")
}

// analyze asks for a macro analysis bounded by ai_timeout. Any failure
// degrades to a statistics-only report.
func (a *Aggregator) analyze(ctx context.Context, s config.Settings, kind string, top []database.Post, log *slog.Logger) map[string]any {
	if !s.AIEnabled || a.analyzer == nil {
		return nil
	}
	textual := make([]database.Post, 0, len(top))
	for _, p := range top {
		if p.HasText() {
			textual = append(textual, p)
		}
	}
	if len(textual) == 0 {
		return nil
	}

	result, err := policy.Call(ctx, policy.Once(s.AIDeadline()), log, "analyze_batch",
		func(ctx context.Context) (map[string]any, error) {
			return a.analyzer.AnalyzeBatch(ctx, textual, kind+"_summary")
		})
	if err != nil {
		if errors.Is(err, policy.ErrTimeout) {
			log.Warn("macro analysis timed out; sending statistics only")
		} else {
			log.Warn("macro analysis failed; sending statistics only", "error", err)
		}
		return nil
	}
	return result
}

func (a *Aggregator) finish(ctx context.Context, run *database.ReportRun, status, reason string) (*database.ReportRun, error) {
	run.Status = status
	if reason != "" {
		run.Error = &reason
	}
	if err := a.store.SaveReportRun(ctx, run); err != nil {
		return run, fmt.Errorf("recording report run: %w", err)
	}
	return run, nil
}

func enabled(s config.Settings, kind string) bool {
	switch kind {
	case database.ReportDaily:
		return s.DailyReportEnabled
	case database.ReportWeekly:
		return s.WeeklyReportEnabled
	}
	return false
}
