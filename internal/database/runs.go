package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveScrapeRun inserts a sealed scrape run and sets its ID.
func (db *DB) SaveScrapeRun(ctx context.Context, r *ScrapeRun) error {
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO scrape_runs (username, status, fetched_count, new_count, updated_count, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Username, r.Status, r.FetchedCount, r.NewCount, r.UpdatedCount, r.Error,
		formatTime(r.StartedAt), formatTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("saving scrape run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// LastSuccessfulScrape returns the most recent run that fetched anything
// (success or partial), or nil if there is none.
func (db *DB) LastSuccessfulScrape(ctx context.Context) (*ScrapeRun, error) {
	runs, err := db.queryScrapeRuns(ctx,
		`SELECT id, username, status, fetched_count, new_count, updated_count, error, started_at, finished_at
		FROM scrape_runs WHERE status != 'failed' ORDER BY finished_at DESC, id DESC LIMIT 1`,
	)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return &runs[0], nil
}

// ListScrapeRuns returns the most recent scrape runs, newest first.
func (db *DB) ListScrapeRuns(ctx context.Context, limit int) ([]ScrapeRun, error) {
	return db.queryScrapeRuns(ctx,
		`SELECT id, username, status, fetched_count, new_count, updated_count, error, started_at, finished_at
		FROM scrape_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
}

func (db *DB) queryScrapeRuns(ctx context.Context, query string, args ...any) ([]ScrapeRun, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ScrapeRun
	for rows.Next() {
		var r ScrapeRun
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Username, &r.Status, &r.FetchedCount, &r.NewCount,
			&r.UpdatedCount, &r.Error, &started, &finished); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

const reportColumns = `id, report_type, mimics, window_start, window_end, top_post_ids,
	total_posts, original_posts, reblog_posts, text_posts, media_posts,
	body, status, error, dispatched_at, created_at`

// SaveReportRun inserts a report run and sets its ID.
func (db *DB) SaveReportRun(ctx context.Context, r *ReportRun) error {
	ids, err := json.Marshal(nonNil(r.TopPostIDs))
	if err != nil {
		return fmt.Errorf("encoding top post ids: %w", err)
	}
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO report_runs (report_type, mimics, window_start, window_end, top_post_ids,
			total_posts, original_posts, reblog_posts, text_posts, media_posts,
			body, status, error, dispatched_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReportType, r.Mimics, formatTime(r.WindowStart), formatTime(r.WindowEnd), string(ids),
		r.TotalPosts, r.OriginalPosts, r.ReblogPosts, r.TextPosts, r.MediaPosts,
		r.Body, r.Status, r.Error, formatTimePtr(r.DispatchedAt), formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving report run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// GetReportRun returns a single report run, or nil if it does not exist.
func (db *DB) GetReportRun(ctx context.Context, id int64) (*ReportRun, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+reportColumns+" FROM report_runs WHERE id = ?", id)
	r, err := scanReportRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ListReportRuns returns the most recent report runs, newest first.
func (db *DB) ListReportRuns(ctx context.Context, limit int) ([]ReportRun, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+reportColumns+" FROM report_runs ORDER BY created_at DESC, id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ReportRun
	for rows.Next() {
		r, err := scanReportRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanReportRun(s scanner) (*ReportRun, error) {
	var r ReportRun
	var start, end, ids, created string
	var dispatched *string
	if err := s.Scan(&r.ID, &r.ReportType, &r.Mimics, &start, &end, &ids,
		&r.TotalPosts, &r.OriginalPosts, &r.ReblogPosts, &r.TextPosts, &r.MediaPosts,
		&r.Body, &r.Status, &r.Error, &dispatched, &created); err != nil {
		return nil, err
	}

	var err error
	if r.WindowStart, err = parseTime(start); err != nil {
		return nil, err
	}
	if r.WindowEnd, err = parseTime(end); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.DispatchedAt, err = parseTimePtr(dispatched); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ids), &r.TopPostIDs); err != nil {
		return nil, fmt.Errorf("decoding top post ids: %w", err)
	}
	return &r, nil
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COUNT(translated_at),
			COUNT(analyzed_at),
			COUNT(notified_at)
		FROM posts`,
	).Scan(&s.TotalPosts, &s.TranslatedPosts, &s.AnalyzedPosts, &s.NotifiedPosts)
	if err != nil {
		return nil, err
	}

	var last *string
	if err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*), MAX(finished_at) FROM scrape_runs",
	).Scan(&s.ScrapeRuns, &last); err != nil {
		return nil, err
	}
	if s.LastScrape, err = parseTimePtr(last); err != nil {
		return nil, err
	}

	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM report_runs").Scan(&s.ReportRuns); err != nil {
		return nil, err
	}
	return &s, nil
}
