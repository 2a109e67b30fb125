// Package ingest pulls posts from the source and upserts them, one scrape run
// per cycle.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/source"
)

// Store is the slice of the persistence gateway ingestion needs.
type Store interface {
	UpsertPost(ctx context.Context, p *database.Post, now time.Time) (bool, error)
	CountPosts(ctx context.Context) (int, error)
	MarkNotified(ctx context.Context, postID string, at time.Time) error
	SaveScrapeRun(ctx context.Context, r *database.ScrapeRun) error
}

// Result holds the sealed run and the posts it inserted.
type Result struct {
	Run        *database.ScrapeRun
	NewPostIDs []string
	Backlog    int // new posts marked notified without delivery
}

// Engine runs ingestion cycles for one account.
type Engine struct {
	store   Store
	src     source.Source
	account string
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an ingestion engine.
func NewEngine(store Store, src source.Source, account string, logger *slog.Logger) *Engine {
	return &Engine{store: store, src: src, account: account, logger: logger, now: time.Now}
}

// Run fetches up to max_posts_per_scrape posts and upserts each. Upstream
// failures are recorded on the run, not returned; the error is non-nil only
// when the run itself cannot be saved. Applied writes are never rolled back.
func (e *Engine) Run(ctx context.Context, s config.Settings) (*Result, error) {
	run := &database.ScrapeRun{Username: e.account, StartedAt: e.now()}
	res := &Result{Run: run}

	before, err := e.store.CountPosts(ctx)
	if err != nil {
		return res, fmt.Errorf("counting posts: %w", err)
	}
	firstRun := before == 0

	fetchCtx, cancel := context.WithTimeout(ctx, s.ScrapeDeadline())
	defer cancel()

	var upstreamErr error
	persistFailures := 0
	for raw, err := range e.src.Fetch(fetchCtx, e.account, s.MaxPostsPerScrape) {
		if err != nil {
			upstreamErr = err
			break
		}
		if run.FetchedCount >= s.MaxPostsPerScrape {
			break
		}
		run.FetchedCount++

		inserted, err := e.store.UpsertPost(ctx, toPost(raw), e.now())
		if err != nil {
			persistFailures++
			e.logger.Warn("failed to persist post", "post_id", raw.PostID, "error", err)
			continue
		}
		if inserted {
			run.NewCount++
			res.NewPostIDs = append(res.NewPostIDs, raw.PostID)
		} else {
			run.UpdatedCount++
		}

		if err := fetchCtx.Err(); err != nil {
			upstreamErr = fmt.Errorf("scrape timed out after %s: %w", s.ScrapeDeadline(), err)
			break
		}
	}

	switch {
	case upstreamErr != nil && run.FetchedCount == 0:
		run.Status = database.ScrapeFailed
		msg := upstreamErr.Error()
		run.Error = &msg
	case upstreamErr != nil:
		run.Status = database.ScrapePartial
		msg := upstreamErr.Error()
		run.Error = &msg
	case persistFailures > 0:
		run.Status = database.ScrapePartial
		msg := fmt.Sprintf("%d of %d posts failed to persist", persistFailures, run.FetchedCount)
		run.Error = &msg
	default:
		run.Status = database.ScrapeSuccess
	}

	if firstRun && s.SkipInitialBacklog && len(res.NewPostIDs) > 0 {
		at := e.now()
		for _, id := range res.NewPostIDs {
			if err := e.store.MarkNotified(ctx, id, at); err != nil {
				e.logger.Warn("failed to mark backlog post", "post_id", id, "error", err)
				continue
			}
			res.Backlog++
		}
		e.logger.Info("first run: existing posts marked as notified", "count", res.Backlog)
	}

	run.FinishedAt = e.now()
	if err := e.store.SaveScrapeRun(ctx, run); err != nil {
		return res, err
	}

	attrs := []any{"status", run.Status, "fetched", run.FetchedCount, "new", run.NewCount, "updated", run.UpdatedCount}
	if run.Error != nil {
		e.logger.Warn("scrape finished", append(attrs, "error", *run.Error)...)
	} else {
		e.logger.Info("scrape finished", attrs...)
	}
	return res, nil
}

func toPost(r source.RawPost) *database.Post {
	return &database.Post{
		PostID:         r.PostID,
		Username:       r.Username,
		Content:        r.Content,
		IsReblog:       r.IsReblog,
		ReblogContent:  r.ReblogContent,
		MediaRefs:      r.MediaRefs,
		URL:            r.URL,
		ReplyCount:     r.ReplyCount,
		ReblogCount:    r.ReblogCount,
		FavouriteCount: r.FavouriteCount,
		PostedAt:       r.PostedAt,
	}
}
