package pipeline

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/enrich"
	"github.com/TobiSchelling/postwatch/internal/ingest"
	"github.com/TobiSchelling/postwatch/internal/notify"
	"github.com/TobiSchelling/postwatch/internal/report"
	"github.com/TobiSchelling/postwatch/internal/source"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var base = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeSource struct{ posts []source.RawPost }

func (f *fakeSource) Fetch(_ context.Context, _ string, max int) iter.Seq2[source.RawPost, error] {
	return func(yield func(source.RawPost, error) bool) {
		for i, p := range f.posts {
			if i >= max || !yield(p, nil) {
				return
			}
		}
	}
}

type upper struct{}

func (upper) Translate(_ context.Context, text string) (string, error) {
	return strings.ToUpper(text), nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recorder) Deliver(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// stuckAnalyzer never answers before its deadline.
type stuckAnalyzer struct{ calls atomic.Int32 }

func (a *stuckAnalyzer) Analyze(ctx context.Context, _ database.Post) (map[string]any, error) {
	a.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (a *stuckAnalyzer) AnalyzeBatch(ctx context.Context, _ []database.Post, _ string) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newPipeline(t *testing.T, src source.Source, rec *recorder) (*Pipeline, *database.DB) {
	t.Helper()
	return newPipelineWith(t, src, rec, nil)
}

func newPipelineWith(t *testing.T, src source.Source, rec *recorder, an enrich.Analyzer) (*Pipeline, *database.DB) {
	t.Helper()
	db := openTestDB(t)
	logger := quietLogger()
	dispatcher := notify.NewDispatcher(db, rec, time.UTC, logger)
	p := New(db,
		ingest.NewEngine(db, src, "someone", logger),
		enrich.NewOrchestrator(db, upper{}, an, logger),
		dispatcher,
		report.NewAggregator(db, nil, dispatcher, time.UTC, logger),
		logger,
	)
	return p, db
}

func TestCycleRunsLifecycle(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	rec := &recorder{}
	p, db := newPipeline(t, src, rec)

	s := config.DefaultSettings()
	s.AIEnabled = false
	s.SkipInitialBacklog = false

	src.posts = []source.RawPost{{PostID: "A", Content: "hello", PostedAt: base}}
	r := p.Cycle(ctx, s)
	if r.Failed() || len(r.Steps) != 4 {
		t.Fatalf("unexpected result: %+v", r.Steps)
	}

	post, _ := db.GetPost(ctx, "A")
	if !post.State().Has(database.Stored | database.Translated | database.Notified) {
		t.Errorf("unexpected state %s", post.State())
	}
	if len(rec.msgs) != 1 || !strings.Contains(rec.msgs[0].Body, "HELLO") {
		t.Errorf("expected one notification with translation, got %+v", rec.msgs)
	}

	p.Cycle(ctx, s)
	if len(rec.msgs) != 1 {
		t.Errorf("second cycle must not notify again, got %d", len(rec.msgs))
	}
}

func TestAnalysisTimeoutStillNotifies(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{posts: []source.RawPost{{PostID: "A", Content: "hello", PostedAt: base}}}
	rec := &recorder{}
	an := &stuckAnalyzer{}
	p, db := newPipelineWith(t, src, rec, an)

	s := config.DefaultSettings()
	s.SkipInitialBacklog = false
	s.AITimeout = 1

	p.Cycle(ctx, s)
	if len(rec.msgs) != 1 {
		t.Fatalf("expected one notification, got %d", len(rec.msgs))
	}
	body := rec.msgs[0].Body
	if !strings.Contains(body, "HELLO") || strings.Contains(body, "**Analysis**") {
		t.Errorf("expected translation without analysis, got %q", body)
	}

	post, _ := db.GetPost(ctx, "A")
	if post.TranslatedContent == nil || *post.TranslatedContent != "HELLO" {
		t.Errorf("translation should be stored, got %v", post.TranslatedContent)
	}
	if post.AnalyzedAt != nil || post.AnalysisResult != nil {
		t.Error("analysis must stay null after a timeout")
	}

	before := an.calls.Load()
	p.Cycle(ctx, s)
	if an.calls.Load() <= before {
		t.Error("analysis should be attempted again on the next cycle")
	}
	if len(rec.msgs) != 1 {
		t.Errorf("post must not be notified twice, got %d", len(rec.msgs))
	}
}

// slowTranslator times out on the backlog but answers for one post.
type slowTranslator struct {
	fast  string
	calls atomic.Int32
}

func (tr *slowTranslator) Translate(ctx context.Context, text string) (string, error) {
	tr.calls.Add(1)
	if text == tr.fast {
		return strings.ToUpper(text), nil
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func TestBacklogDoesNotDelayNewPosts(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	logger := quietLogger()

	// A backlog of already notified posts the translator cannot handle.
	for i := 0; i < 10; i++ {
		post := &database.Post{PostID: fmt.Sprintf("old-%d", i), Content: "old", PostedAt: base.Add(-time.Duration(i+1) * time.Hour)}
		if _, err := db.UpsertPost(ctx, post, base); err != nil {
			t.Fatal(err)
		}
		if err := db.MarkNotified(ctx, post.PostID, base); err != nil {
			t.Fatal(err)
		}
	}

	src := &fakeSource{posts: []source.RawPost{{PostID: "new", Content: "fresh", PostedAt: base}}}
	rec := &recorder{}
	tr := &slowTranslator{fast: "fresh"}
	dispatcher := notify.NewDispatcher(db, rec, time.UTC, logger)
	p := New(db,
		ingest.NewEngine(db, src, "someone", logger),
		enrich.NewOrchestrator(db, tr, nil, logger),
		dispatcher,
		report.NewAggregator(db, nil, dispatcher, time.UTC, logger),
		logger,
	)

	s := config.DefaultSettings()
	s.AIEnabled = false
	s.SkipInitialBacklog = false
	s.TranslateTimeout = 1

	r := p.Cycle(ctx, s)
	if len(rec.msgs) != 1 || !strings.Contains(rec.msgs[0].Body, "FRESH") {
		t.Fatalf("expected the new post notified with its translation, got %+v", rec.msgs)
	}
	// The fresh post plus a capped number of backlog attempts.
	if got := tr.calls.Load(); got != 4 {
		t.Errorf("expected 1 fresh and 3 backlog translations, got %d", got)
	}
	if last := r.Steps[len(r.Steps)-1]; last.Name != "Enrich backlog" || !strings.Contains(last.Summary, "deferred") {
		t.Errorf("unexpected backlog step %+v", last)
	}
}

func TestReportStep(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{posts: []source.RawPost{{PostID: "A", Content: "hello", PostedAt: base.Add(-24 * time.Hour)}}}
	rec := &recorder{}
	p, _ := newPipeline(t, src, rec)

	s := config.DefaultSettings()
	s.AIEnabled = false
	p.Cycle(ctx, s)

	step := p.Report(ctx, s, database.ReportDaily, base, false)
	if step.Err != nil || !strings.HasPrefix(step.Summary, "sent") {
		t.Errorf("unexpected step %+v", step)
	}

	s.DailyReportEnabled = false
	step = p.Report(ctx, s, database.ReportDaily, base, false)
	if step.Err != nil || !strings.HasPrefix(step.Summary, "skipped") {
		t.Errorf("expected skipped step, got %+v", step)
	}
}

func TestDryRunCountsPending(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{posts: []source.RawPost{{PostID: "A", Content: "hello", PostedAt: base}}}
	p, _ := newPipeline(t, src, &recorder{})

	s := config.DefaultSettings()
	r := p.DryRun(ctx, s)
	if len(r.Steps) != 3 || !strings.Contains(r.Steps[0].Summary, "0 posts stored") {
		t.Errorf("unexpected dry run %+v", r.Steps)
	}
}
