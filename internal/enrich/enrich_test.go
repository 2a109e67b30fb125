package enrich

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
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

func addPost(t *testing.T, db *database.DB, id, content string, at time.Time) {
	t.Helper()
	p := &database.Post{PostID: id, Content: content, PostedAt: at}
	if _, err := db.UpsertPost(context.Background(), p, at); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
}

type fakeTranslator struct {
	calls atomic.Int32
	err   error
}

func (f *fakeTranslator) Translate(_ context.Context, text string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "zh:" + text, nil
}

type fakeAnalyzer struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, post database.Post) (map[string]any, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"summary": "about " + post.PostID}, nil
}

func (f *fakeAnalyzer) AnalyzeBatch(_ context.Context, posts []database.Post, _ string) (map[string]any, error) {
	return map[string]any{"summary": "batch"}, nil
}

func settings() config.Settings {
	s := config.DefaultSettings()
	s.TranslateTimeout = 1
	s.AITimeout = 1
	return s
}

func TestRunTranslatesThenAnalyzes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addPost(t, db, "A", "hello", base)

	tr, an := &fakeTranslator{}, &fakeAnalyzer{}
	o := NewOrchestrator(db, tr, an, quietLogger())
	r := o.Run(ctx, settings())

	if r.Translated != 1 || r.Analyzed != 1 || r.Errors != 0 {
		t.Errorf("unexpected result: %+v", r)
	}
	p, _ := db.GetPost(ctx, "A")
	if p.State() != database.Stored|database.Translated|database.Analyzed {
		t.Errorf("unexpected state %s", p.State())
	}
	if *p.TranslatedContent != "zh:hello" || p.AnalysisResult["summary"] != "about A" {
		t.Errorf("unexpected payloads: %q %v", *p.TranslatedContent, p.AnalysisResult)
	}
}

func TestRunIsMonotonic(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addPost(t, db, "A", "hello", base)

	tr, an := &fakeTranslator{}, &fakeAnalyzer{}
	o := NewOrchestrator(db, tr, an, quietLogger())
	o.Run(ctx, settings())
	first, _ := db.GetPost(ctx, "A")

	o.Run(ctx, settings())
	second, _ := db.GetPost(ctx, "A")

	if tr.calls.Load() != 1 || an.calls.Load() != 1 {
		t.Errorf("stages must not rerun: translate=%d analyze=%d", tr.calls.Load(), an.calls.Load())
	}
	if !first.TranslatedAt.Equal(*second.TranslatedAt) || !first.AnalyzedAt.Equal(*second.AnalyzedAt) {
		t.Error("markers changed on a second pass")
	}
}

func TestAnalyzeTimeoutDegrades(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addPost(t, db, "P", "slow one", base)

	s := settings()
	s.AITimeout = 1
	an := &fakeAnalyzer{delay: 1500 * time.Millisecond}
	o := NewOrchestrator(db, &fakeTranslator{}, an, quietLogger())

	r := o.Run(ctx, s)
	if r.Translated != 1 || r.Analyzed != 0 || r.Errors != 1 {
		t.Errorf("unexpected result: %+v", r)
	}

	p, _ := db.GetPost(ctx, "P")
	if p.TranslatedAt == nil {
		t.Error("translation should be kept")
	}
	if p.AnalyzedAt != nil || p.AnalysisResult != nil {
		t.Error("timed-out analysis must leave the marker null")
	}

	// Let the abandoned call finish; its result must not be written.
	time.Sleep(700 * time.Millisecond)
	p, _ = db.GetPost(ctx, "P")
	if p.AnalyzedAt != nil {
		t.Error("late result was persisted")
	}
}

func TestAnalyzeWaitsForTranslation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addPost(t, db, "A", "hello", base)

	an := &fakeAnalyzer{}
	o := NewOrchestrator(db, &fakeTranslator{err: errors.New("translator down")}, an, quietLogger())
	r := o.Run(ctx, settings())

	if r.Waiting != 1 || an.calls.Load() != 0 {
		t.Errorf("analysis should wait for translation: %+v calls=%d", r, an.calls.Load())
	}

	s := settings()
	s.TranslateEnabled = false
	r = o.Run(ctx, s)
	if r.Analyzed != 1 {
		t.Errorf("analysis should run when translation is disabled: %+v", r)
	}
	p, _ := db.GetPost(ctx, "A")
	if p.TranslatedAt != nil || p.AnalyzedAt == nil {
		t.Errorf("unexpected state %s", p.State())
	}
}

func TestAIDisabledSkipsAnalysis(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addPost(t, db, "A", "hello", base)

	s := settings()
	s.AIEnabled = false
	an := &fakeAnalyzer{}
	NewOrchestrator(db, &fakeTranslator{}, an, quietLogger()).Run(ctx, s)

	if an.calls.Load() != 0 {
		t.Error("analyzer called with ai_enabled=false")
	}
}

func TestMediaOnlyPostSkipsCollaborators(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addPost(t, db, "M", "", base)

	tr, an := &fakeTranslator{}, &fakeAnalyzer{}
	r := NewOrchestrator(db, tr, an, quietLogger()).Run(ctx, settings())

	if tr.calls.Load() != 0 || an.calls.Load() != 0 {
		t.Error("collaborators called for a media-only post")
	}
	if r.NoText != 2 {
		t.Errorf("expected both stages counted as no-text, got %+v", r)
	}
	p, _ := db.GetPost(ctx, "M")
	if p.TranslatedContent == nil || *p.TranslatedContent != "" || p.AnalysisResult["skipped"] != "no text content" {
		t.Errorf("unexpected markers for media post: %+v", p)
	}
}

func TestEnrichmentErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := error(&EnrichmentError{Stage: StageTranslate, PostID: "A", Err: inner})
	if !errors.Is(err, inner) {
		t.Error("expected EnrichmentError to unwrap")
	}
	if err.Error() != "translate post A: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestRunPostsOnlyTouchesGivenPosts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	addPost(t, db, "old", "old text", base.Add(-time.Hour))
	addPost(t, db, "new", "new text", base)

	tr := &fakeTranslator{}
	o := NewOrchestrator(db, tr, &fakeAnalyzer{}, quietLogger())
	r := o.RunPosts(ctx, settings(), []string{"new"})

	if r.Translated != 1 || r.Analyzed != 1 {
		t.Errorf("unexpected result: %+v", r)
	}
	old, _ := db.GetPost(ctx, "old")
	if old.TranslatedAt != nil || old.AnalyzedAt != nil {
		t.Error("posts outside the list must stay pending")
	}

	if r := o.RunPosts(ctx, settings(), nil); r.Translated != 0 || tr.calls.Load() != 1 {
		t.Errorf("an empty list should do nothing: %+v", r)
	}
}

func TestFailureStreakDefersRest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		addPost(t, db, string(rune('A'+i)), "text", base.Add(time.Duration(i)*time.Minute))
	}

	tr := &fakeTranslator{err: errors.New("translator down")}
	r := NewOrchestrator(db, tr, &fakeAnalyzer{}, quietLogger()).Run(ctx, settings())

	if got := tr.calls.Load(); got != maxFailureStreak {
		t.Errorf("expected %d attempts before giving up, got %d", maxFailureStreak, got)
	}
	if r.Errors != maxFailureStreak || r.Deferred != 8-maxFailureStreak {
		t.Errorf("unexpected result: %+v", r)
	}
}
