// Package enrich advances stored posts through translation and analysis.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/policy"
)

// Stage names used in logs and errors.
const (
	StageTranslate = "translate"
	StageAnalyze   = "analyze"
)

// defaultBatch bounds how many posts each stage attempts per cycle.
const defaultBatch = 50

// maxFailureStreak consecutive collaborator failures end a stage for the
// pass. The remaining posts are retried next cycle.
const maxFailureStreak = 3

// skippedAnalysis is recorded for posts that carry no text.
var skippedAnalysis = map[string]any{"skipped": "no text content"}

// Translator turns post text into the target language.
type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
}

// Analyzer produces an opaque analysis object for one post or a set of posts.
type Analyzer interface {
	Analyze(ctx context.Context, post database.Post) (map[string]any, error)
	AnalyzeBatch(ctx context.Context, posts []database.Post, focus string) (map[string]any, error)
}

// Store is the slice of the persistence gateway the orchestrator needs.
type Store interface {
	GetPendingEnrichment(ctx context.Context, stage database.State, limit int) ([]database.Post, error)
	CompleteTranslation(ctx context.Context, postID, text string, at time.Time) error
	CompleteAnalysis(ctx context.Context, postID string, result map[string]any, at time.Time) error
}

// EnrichmentError reports a failed stage for one post. It is logged, never
// returned out of a cycle.
type EnrichmentError struct {
	Stage  string
	PostID string
	Err    error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("%s post %s: %v", e.Stage, e.PostID, e.Err)
}

func (e *EnrichmentError) Unwrap() error { return e.Err }

// Result holds the results of one enrichment pass.
type Result struct {
	Translated int
	Analyzed   int
	NoText     int
	Waiting    int
	Errors     int
	Deferred   int // left for the next cycle after a failure streak
}

// Orchestrator runs the translate and analyze stages.
type Orchestrator struct {
	store      Store
	translator Translator
	analyzer   Analyzer
	logger     *slog.Logger
	now        func() time.Time
	batch      int
}

// NewOrchestrator creates an orchestrator. translator or analyzer may be nil,
// which leaves that stage pending.
func NewOrchestrator(store Store, translator Translator, analyzer Analyzer, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:      store,
		translator: translator,
		analyzer:   analyzer,
		logger:     logger,
		now:        time.Now,
		batch:      defaultBatch,
	}
}

// Run attempts each pending stage once for a bounded batch of posts, newest
// first. Failures leave the marker null for the next cycle.
func (o *Orchestrator) Run(ctx context.Context, s config.Settings) *Result {
	return o.run(ctx, s, nil)
}

// RunPosts is Run restricted to the given posts, so freshly ingested posts
// are enriched without waiting behind the backlog.
func (o *Orchestrator) RunPosts(ctx context.Context, s config.Settings, ids []string) *Result {
	only := make(map[string]bool, len(ids))
	for _, id := range ids {
		only[id] = true
	}
	return o.run(ctx, s, only)
}

// run enriches pending posts. A nil only means every pending post.
func (o *Orchestrator) run(ctx context.Context, s config.Settings, only map[string]bool) *Result {
	r := &Result{}
	if only != nil && len(only) == 0 {
		return r
	}
	if s.TranslateEnabled {
		o.translate(ctx, s, o.pending(ctx, database.Translated, only, r), r)
	}
	if s.AIEnabled {
		o.analyze(ctx, s, o.pending(ctx, database.Analyzed, only, r), r)
	}
	if r.Translated+r.Analyzed+r.Errors > 0 {
		o.logger.Info("enrichment complete",
			"translated", r.Translated, "analyzed", r.Analyzed,
			"no_text", r.NoText, "waiting", r.Waiting, "errors", r.Errors, "deferred", r.Deferred)
	}
	return r
}

func (o *Orchestrator) pending(ctx context.Context, stage database.State, only map[string]bool, r *Result) []database.Post {
	posts, err := o.store.GetPendingEnrichment(ctx, stage, o.batch)
	if err != nil {
		o.logger.Error("loading pending posts", "stage", stage.String(), "error", err)
		r.Errors++
		return nil
	}
	if only == nil {
		return posts
	}
	kept := posts[:0]
	for _, p := range posts {
		if only[p.PostID] {
			kept = append(kept, p)
		}
	}
	return kept
}

func (o *Orchestrator) translate(ctx context.Context, s config.Settings, posts []database.Post, r *Result) {
	if len(posts) > 0 && o.translator == nil {
		o.logger.Warn("no translator configured; posts stay untranslated", "pending", len(posts))
		return
	}

	p := policy.Backoff(s.EnrichAttempts, time.Second, s.TranslateDeadline())
	streak := 0
	for i, post := range posts {
		if !post.Can(database.Translated) {
			continue
		}
		if streak >= maxFailureStreak {
			o.postpone(r, StageTranslate, len(posts)-i)
			break
		}

		var text string
		if post.HasText() {
			var err error
			text, err = policy.Call(ctx, p, o.logger, StageTranslate, func(ctx context.Context) (string, error) {
				return o.translator.Translate(ctx, post.Text())
			})
			if err != nil {
				o.fail(r, &EnrichmentError{Stage: StageTranslate, PostID: post.PostID, Err: err})
				streak++
				continue
			}
			streak = 0
		} else {
			r.NoText++
		}

		if err := o.store.CompleteTranslation(ctx, post.PostID, text, o.now()); err != nil {
			o.fail(r, &EnrichmentError{Stage: StageTranslate, PostID: post.PostID, Err: err})
			continue
		}
		r.Translated++
		o.logger.Debug("translated post", "post_id", post.PostID)
	}
}

func (o *Orchestrator) analyze(ctx context.Context, s config.Settings, posts []database.Post, r *Result) {
	if len(posts) > 0 && o.analyzer == nil {
		o.logger.Warn("no analyzer configured; posts stay unanalyzed", "pending", len(posts))
		return
	}

	p := policy.Backoff(s.EnrichAttempts, time.Second, s.AIDeadline())
	streak := 0
	for i, post := range posts {
		if !post.Can(database.Analyzed) {
			continue
		}
		if streak >= maxFailureStreak {
			o.postpone(r, StageAnalyze, len(posts)-i)
			break
		}
		// Analysis reads the translation when translation is on.
		if s.TranslateEnabled && post.TranslatedAt == nil {
			r.Waiting++
			continue
		}

		result := skippedAnalysis
		if post.HasText() {
			var err error
			result, err = policy.Call(ctx, p, o.logger, StageAnalyze, func(ctx context.Context) (map[string]any, error) {
				return o.analyzer.Analyze(ctx, post)
			})
			if err != nil {
				o.fail(r, &EnrichmentError{Stage: StageAnalyze, PostID: post.PostID, Err: err})
				streak++
				continue
			}
			streak = 0
		} else {
			r.NoText++
		}

		if err := o.store.CompleteAnalysis(ctx, post.PostID, result, o.now()); err != nil {
			o.fail(r, &EnrichmentError{Stage: StageAnalyze, PostID: post.PostID, Err: err})
			continue
		}
		r.Analyzed++
		o.logger.Debug("analyzed post", "post_id", post.PostID)
	}
}

func (o *Orchestrator) postpone(r *Result, stage string, n int) {
	r.Deferred += n
	o.logger.Warn("stage keeps failing; deferring the rest to the next cycle",
		"stage", stage, "deferred", n)
}

func (o *Orchestrator) fail(r *Result, err *EnrichmentError) {
	if errors.Is(err, database.ErrStageAlreadySet) {
		// Another writer completed the stage first.
		o.logger.Debug("stage already set", "stage", err.Stage, "post_id", err.PostID)
		return
	}
	r.Errors++
	o.logger.Warn("enrichment failed", "stage", err.Stage, "post_id", err.PostID, "error", err.Err)
}
