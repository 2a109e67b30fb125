package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const postColumns = `post_id, username, content, is_reblog, reblog_content, media_refs, url,
	reply_count, reblog_count, favourite_count, posted_at, stored_at,
	translated_at, translated_content, analyzed_at, analysis_result, notified_at, updated_at`

// UpsertPost inserts p if its post_id is new, with stored_at = now and every
// other marker null. Otherwise it refreshes the engagement counters and the
// mutable content fields only. It reports whether the post was inserted.
func (db *DB) UpsertPost(ctx context.Context, p *Post, now time.Time) (bool, error) {
	media, err := json.Marshal(nonNil(p.MediaRefs))
	if err != nil {
		return false, fmt.Errorf("encoding media refs: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert %s: %w", p.PostID, err)
	}
	defer tx.Rollback()

	ts := formatTime(now)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO posts (post_id, username, content, is_reblog, reblog_content, media_refs, url,
			reply_count, reblog_count, favourite_count, posted_at, stored_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(post_id) DO NOTHING`,
		p.PostID, p.Username, p.Content, p.IsReblog, p.ReblogContent, string(media), p.URL,
		p.ReplyCount, p.ReblogCount, p.FavouriteCount, formatTime(p.PostedAt), ts, ts,
	)
	if err != nil {
		return false, fmt.Errorf("inserting post %s: %w", p.PostID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	inserted := n == 1
	if !inserted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE posts SET content = ?, is_reblog = ?, reblog_content = ?, media_refs = ?, url = ?,
				reply_count = ?, reblog_count = ?, favourite_count = ?, updated_at = ?
			WHERE post_id = ?`,
			p.Content, p.IsReblog, p.ReblogContent, string(media), p.URL,
			p.ReplyCount, p.ReblogCount, p.FavouriteCount, ts, p.PostID,
		); err != nil {
			return false, fmt.Errorf("updating post %s: %w", p.PostID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit upsert %s: %w", p.PostID, err)
	}
	return inserted, nil
}

// GetPost returns a single post, or nil if it does not exist.
func (db *DB) GetPost(ctx context.Context, postID string) (*Post, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+postColumns+" FROM posts WHERE post_id = ?", postID)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPostsByWindow returns posts with posted_at in [start, end), newest first.
func (db *DB) GetPostsByWindow(ctx context.Context, start, end time.Time) ([]Post, error) {
	return db.queryPosts(ctx,
		"SELECT "+postColumns+" FROM posts WHERE posted_at >= ? AND posted_at < ? ORDER BY posted_at DESC, post_id ASC",
		formatTime(start), formatTime(end),
	)
}

// GetPendingEnrichment returns stored posts whose marker for stage is still
// null, newest first. stage must be Translated or Analyzed.
func (db *DB) GetPendingEnrichment(ctx context.Context, stage State, limit int) ([]Post, error) {
	var column string
	switch stage {
	case Translated:
		column = "translated_at"
	case Analyzed:
		column = "analyzed_at"
	default:
		return nil, fmt.Errorf("no enrichment stage %s", stage)
	}
	return db.queryPosts(ctx,
		"SELECT "+postColumns+" FROM posts WHERE "+column+" IS NULL ORDER BY posted_at DESC LIMIT ?",
		limit,
	)
}

// GetUnnotified returns stored posts with notified_at null, newest first.
func (db *DB) GetUnnotified(ctx context.Context, limit int) ([]Post, error) {
	return db.queryPosts(ctx,
		"SELECT "+postColumns+" FROM posts WHERE notified_at IS NULL ORDER BY posted_at DESC LIMIT ?",
		limit,
	)
}

// CountPosts returns the number of stored posts.
func (db *DB) CountPosts(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts").Scan(&n)
	return n, err
}

// CompleteTranslation writes the translation and its marker in one statement.
func (db *DB) CompleteTranslation(ctx context.Context, postID, text string, at time.Time) error {
	return db.setStage(ctx, postID,
		"UPDATE posts SET translated_content = ?, translated_at = ?, updated_at = ? WHERE post_id = ? AND translated_at IS NULL",
		text, formatTime(at), formatTime(at), postID,
	)
}

// CompleteAnalysis writes the analysis and its marker in one statement.
func (db *DB) CompleteAnalysis(ctx context.Context, postID string, result map[string]any, at time.Time) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding analysis for %s: %w", postID, err)
	}
	return db.setStage(ctx, postID,
		"UPDATE posts SET analysis_result = ?, analyzed_at = ?, updated_at = ? WHERE post_id = ? AND analyzed_at IS NULL",
		string(data), formatTime(at), formatTime(at), postID,
	)
}

// MarkNotified sets notified_at. It is the only write that controls real-time
// dispatch deduplication.
func (db *DB) MarkNotified(ctx context.Context, postID string, at time.Time) error {
	return db.setStage(ctx, postID,
		"UPDATE posts SET notified_at = ?, updated_at = ? WHERE post_id = ? AND notified_at IS NULL",
		formatTime(at), formatTime(at), postID,
	)
}

// setStage runs a guarded marker update and tells a repeat write apart from
// a missing post.
func (db *DB) setStage(ctx context.Context, postID, query string, args ...any) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating post %s: %w", postID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts WHERE post_id = ?", postID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("post %s: %w", postID, ErrPostNotFound)
	}
	return fmt.Errorf("post %s: %w", postID, ErrStageAlreadySet)
}

func (db *DB) queryPosts(ctx context.Context, query string, args ...any) ([]Post, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(s scanner) (*Post, error) {
	var p Post
	var reblog int
	var media string
	var analysis *string
	var postedAt, storedAt, updatedAt string
	var translatedAt, analyzedAt, notifiedAt *string
	if err := s.Scan(&p.PostID, &p.Username, &p.Content, &reblog, &p.ReblogContent, &media, &p.URL,
		&p.ReplyCount, &p.ReblogCount, &p.FavouriteCount, &postedAt, &storedAt,
		&translatedAt, &p.TranslatedContent, &analyzedAt, &analysis, &notifiedAt, &updatedAt); err != nil {
		return nil, err
	}

	p.IsReblog = reblog != 0

	var err error
	if p.PostedAt, err = parseTime(postedAt); err != nil {
		return nil, err
	}
	stored, err := parseTime(storedAt)
	if err != nil {
		return nil, err
	}
	p.StoredAt = &stored
	updated, err := parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = &updated
	if p.TranslatedAt, err = parseTimePtr(translatedAt); err != nil {
		return nil, err
	}
	if p.AnalyzedAt, err = parseTimePtr(analyzedAt); err != nil {
		return nil, err
	}
	if p.NotifiedAt, err = parseTimePtr(notifiedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(media), &p.MediaRefs); err != nil {
		return nil, fmt.Errorf("decoding media refs for %s: %w", p.PostID, err)
	}
	if analysis != nil {
		if err := json.Unmarshal([]byte(*analysis), &p.AnalysisResult); err != nil {
			return nil, fmt.Errorf("decoding analysis for %s: %w", p.PostID, err)
		}
	}
	return &p, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
