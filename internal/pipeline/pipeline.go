// Package pipeline runs the post lifecycle: ingest, enrich, notify, and the
// scheduled reports.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/enrich"
	"github.com/TobiSchelling/postwatch/internal/ingest"
	"github.com/TobiSchelling/postwatch/internal/notify"
	"github.com/TobiSchelling/postwatch/internal/report"
)

const previewLimit = 1000

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of one cycle.
type Result struct {
	Started time.Time
	Steps   []StepResult
}

// Failed reports whether any step returned an error.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Pipeline wires the lifecycle components together.
type Pipeline struct {
	db         *database.DB
	ingest     *ingest.Engine
	enrich     *enrich.Orchestrator
	dispatcher *notify.Dispatcher
	reports    *report.Aggregator
	logger     *slog.Logger
}

// New creates a pipeline.
func New(db *database.DB, engine *ingest.Engine, orch *enrich.Orchestrator, dispatcher *notify.Dispatcher, reports *report.Aggregator, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		db:         db,
		ingest:     engine,
		enrich:     orch,
		dispatcher: dispatcher,
		reports:    reports,
		logger:     logger,
	}
}

// Cycle runs ingest, enrich and notify in order with one settings snapshot.
// Only the posts ingested by this cycle are enriched before notify; older
// pending posts are retried afterwards. A failed ingest does not stop the
// later steps.
func (p *Pipeline) Cycle(ctx context.Context, s config.Settings) *Result {
	r := &Result{Started: time.Now()}
	ingested, fresh := p.runIngest(ctx, s)
	r.Steps = append(r.Steps, ingested)

	p.logger.Info("step 2/4: enriching new posts", "count", len(fresh))
	r.Steps = append(r.Steps, enrichStep("Enrich new", p.enrich.RunPosts(ctx, s, fresh)))
	r.Steps = append(r.Steps, p.runNotify(ctx, s))

	p.logger.Info("step 4/4: enriching pending backlog")
	r.Steps = append(r.Steps, enrichStep("Enrich backlog", p.enrich.Run(ctx, s)))
	return r
}

// Report runs a daily or weekly report. manual marks an explicit request.
func (p *Pipeline) Report(ctx context.Context, s config.Settings, kind string, ref time.Time, manual bool) StepResult {
	name := "Report " + kind
	var run *database.ReportRun
	var err error
	if manual {
		run, err = p.reports.Manual(ctx, s, kind, ref)
	} else {
		run, err = p.reports.Run(ctx, s, kind, ref)
	}
	if err != nil {
		return StepResult{Name: name, Err: err}
	}

	summary := fmt.Sprintf("%s: %d posts, top %d", run.Status, run.TotalPosts, len(run.TopPostIDs))
	if run.Error != nil {
		summary = fmt.Sprintf("%s (%s)", run.Status, *run.Error)
	}
	step := StepResult{Name: name, Summary: summary}
	if run.Status == database.ReportFailed {
		step.Err = fmt.Errorf("%s report failed: %s", kind, summary)
	}
	return step
}

// DryRun shows what a cycle would pick up without executing it.
func (p *Pipeline) DryRun(ctx context.Context, s config.Settings) *Result {
	r := &Result{Started: time.Now()}

	count, err := p.db.CountPosts(ctx)
	r.Steps = append(r.Steps, StepResult{
		Name:    "Ingest",
		Summary: fmt.Sprintf("[dry-run] %d posts stored; would fetch up to %d", count, s.MaxPostsPerScrape),
		Err:     err,
	})

	untranslated, err := p.db.GetPendingEnrichment(ctx, database.Translated, previewLimit)
	unanalyzed, err2 := p.db.GetPendingEnrichment(ctx, database.Analyzed, previewLimit)
	if err == nil {
		err = err2
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Enrich",
		Summary: fmt.Sprintf("[dry-run] %d posts need translation, %d need analysis", len(untranslated), len(unanalyzed)),
		Err:     err,
	})

	unnotified, err := p.db.GetUnnotified(ctx, previewLimit)
	summary := fmt.Sprintf("[dry-run] %d posts awaiting notification", len(unnotified))
	if !s.RealtimeEnabled {
		summary += " (realtime disabled)"
	}
	r.Steps = append(r.Steps, StepResult{Name: "Notify", Summary: summary, Err: err})
	return r
}

func (p *Pipeline) runIngest(ctx context.Context, s config.Settings) (StepResult, []string) {
	p.logger.Info("step 1/4: ingesting posts")
	res, err := p.ingest.Run(ctx, s)
	if err != nil {
		return StepResult{Name: "Ingest", Err: err}, nil
	}
	run := res.Run
	step := StepResult{
		Name: "Ingest",
		Summary: fmt.Sprintf("%s: fetched %d, %d new, %d updated",
			run.Status, run.FetchedCount, run.NewCount, run.UpdatedCount),
	}
	if res.Backlog > 0 {
		step.Summary += fmt.Sprintf(", %d backlog marked notified", res.Backlog)
	}
	if run.Status == database.ScrapeFailed && run.Error != nil {
		step.Err = fmt.Errorf("scrape failed: %s", *run.Error)
	}
	return step, res.NewPostIDs
}

func enrichStep(name string, res *enrich.Result) StepResult {
	summary := fmt.Sprintf("translated %d, analyzed %d, %d without text, %d waiting, %d errors",
		res.Translated, res.Analyzed, res.NoText, res.Waiting, res.Errors)
	if res.Deferred > 0 {
		summary += fmt.Sprintf(", %d deferred", res.Deferred)
	}
	return StepResult{Name: name, Summary: summary}
}

func (p *Pipeline) runNotify(ctx context.Context, s config.Settings) StepResult {
	p.logger.Info("step 3/4: dispatching notifications")
	res := p.dispatcher.Run(ctx, s)
	if res.Disabled {
		return StepResult{Name: "Notify", Summary: "realtime notifications disabled"}
	}
	return StepResult{
		Name:    "Notify",
		Summary: fmt.Sprintf("sent %d, %d failed", res.Sent, res.Failed),
	}
}
