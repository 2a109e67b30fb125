// Package server serves the status API and the report archive.
package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/pipeline"
	"github.com/TobiSchelling/postwatch/internal/scheduler"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

const listLimit = 50

// Scheduler is the part of the scheduler the server talks to.
type Scheduler interface {
	Trigger(ctx context.Context, kind string) (pipeline.StepResult, error)
	Fires() scheduler.Fires
}

// Server is the HTTP server for the API and the report pages.
type Server struct {
	db      *database.DB
	store   *config.Store
	sched   Scheduler
	logger  *slog.Logger
	version string
	loc     *time.Location
	pages   map[string]*template.Template
	mux     *http.ServeMux
}

// New creates a new Server. sched may be nil; manual reports are then
// refused.
func New(db *database.DB, store *config.Store, sched Scheduler, loc *time.Location, version string, logger *slog.Logger) (*Server, error) {
	if loc == nil {
		loc = time.Local
	}
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"when": func(t time.Time) string {
			return t.In(loc).Format("2006-01-02 15:04")
		},
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// Each page gets its own clone of the base, so every page can define
	// "title" and "content".
	pageNames := []string{"index.html", "report.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		if _, err := clone.ParseFS(templateFS, "templates/"+name); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{
		db:      db,
		store:   store,
		sched:   sched,
		logger:  logger,
		version: version,
		loc:     loc,
		pages:   pages,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	s.mux.HandleFunc("POST /api/reports/{type}", s.handleTriggerReport)
	s.mux.HandleFunc("GET /api/reports", s.handleListReports)
	s.mux.HandleFunc("GET /api/scrape-runs", s.handleScrapeRuns)

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /reports/{id}", s.handleReport)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats(r.Context())
	if err != nil {
		s.logger.Error("loading stats", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "error", "error": err.Error()})
		return
	}

	resp := map[string]any{
		"status":         "ok",
		"version":        s.version,
		"config_version": s.store.Snapshot().Version,
		"posts": map[string]int{
			"total":      stats.TotalPosts,
			"translated": stats.TranslatedPosts,
			"analyzed":   stats.AnalyzedPosts,
			"notified":   stats.NotifiedPosts,
		},
		"scrape_runs": stats.ScrapeRuns,
		"report_runs": stats.ReportRuns,
		"last_scrape": stats.LastScrape,
	}
	if s.sched != nil {
		f := s.sched.Fires()
		resp["next"] = map[string]time.Time{"scrape": f.Scrape, "daily": f.Daily, "weekly": f.Weekly}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version, "settings": snap.Settings})
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var changes map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&changes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body must be a JSON object: " + err.Error()})
		return
	}

	snap, err := s.store.Update(r.Context(), changes)
	if err != nil {
		var ve *config.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": ve.Error(), "problems": ve.Problems})
			return
		}
		s.logger.Error("updating config", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}

	s.logger.Info("config updated", "version", snap.Version, "keys", len(changes))
	writeJSON(w, http.StatusOK, map[string]any{"version": snap.Version, "settings": snap.Settings})
}

func (s *Server) handleTriggerReport(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("type")
	if kind != database.ReportDaily && kind != database.ReportWeekly {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown report type " + strconv.Quote(kind)})
		return
	}
	if s.sched == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "scheduler not running"})
		return
	}

	res, err := s.sched.Trigger(r.Context(), kind)
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	resp := map[string]any{"step": res.Name, "summary": res.Summary}
	if res.Err != nil {
		resp["error"] = res.Err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListReportRuns(r.Context(), limitParam(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, reportJSON(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScrapeRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListScrapeRuns(r.Context(), limitParam(r))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, map[string]any{
			"id":            run.ID,
			"username":      run.Username,
			"status":        run.Status,
			"fetched_count": run.FetchedCount,
			"new_count":     run.NewCount,
			"updated_count": run.UpdatedCount,
			"error":         run.Error,
			"started_at":    run.StartedAt,
			"finished_at":   run.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	runs, err := s.db.ListReportRuns(r.Context(), listLimit)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.render(w, "index.html", map[string]any{
		"Reports": runs,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	run, err := s.db.GetReportRun(r.Context(), id)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.NotFound(w, r)
		return
	}
	s.render(w, "report.html", map[string]any{
		"Report": run,
	})
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error("template not found", "template", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		s.logger.Error("rendering template", "template", name, "error", err)
	}
}

func reportJSON(run database.ReportRun) map[string]any {
	return map[string]any{
		"id":             run.ID,
		"report_type":    run.ReportType,
		"mimics":         run.Mimics,
		"window_start":   run.WindowStart,
		"window_end":     run.WindowEnd,
		"top_post_ids":   run.TopPostIDs,
		"total_posts":    run.TotalPosts,
		"original_posts": run.OriginalPosts,
		"reblog_posts":   run.ReblogPosts,
		"text_posts":     run.TextPosts,
		"media_posts":    run.MediaPosts,
		"status":         run.Status,
		"error":          run.Error,
		"dispatched_at":  run.DispatchedAt,
		"created_at":     run.CreatedAt,
	}
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return listLimit
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve runs the server on 127.0.0.1:port until ctx is done.
func Serve(ctx context.Context, handler http.Handler, port int, logger *slog.Logger) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "url", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
