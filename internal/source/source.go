// Package source fetches the tracked account's posts from an upstream
// provider, newest first.
package source

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/TobiSchelling/postwatch/internal/config"
)

// RawPost is a post as the upstream provider reported it.
type RawPost struct {
	PostID         string
	Username       string
	Content        string
	IsReblog       bool
	ReblogContent  *string
	MediaRefs      []string
	URL            string
	ReplyCount     int
	ReblogCount    int
	FavouriteCount int
	PostedAt       time.Time
}

// Source yields at most max posts for account, newest first. A yielded error
// ends the sequence.
type Source interface {
	Fetch(ctx context.Context, account string, max int) iter.Seq2[RawPost, error]
}

// FetchError reports an upstream failure.
type FetchError struct {
	Source string
	Status int // HTTP status, zero when the request never completed
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: HTTP %d: %v", e.Source, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// New builds the source named by cfg.Kind.
func New(cfg config.Source, client *http.Client, logger *slog.Logger) (Source, error) {
	switch cfg.Kind {
	case "api":
		key := os.Getenv(cfg.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("source: %s is not set", cfg.APIKeyEnv)
		}
		return NewAPIClient(cfg.APIURL, key, client).WithLogger(logger), nil
	case "feed":
		return NewFeedSource(cfg.FeedURL, client), nil
	default:
		return nil, fmt.Errorf("source: unknown kind %q", cfg.Kind)
	}
}

// htmlToText flattens post markup into plain text, one paragraph per block.
func htmlToText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("br").ReplaceWithHtml("\n")

	paras := doc.Find("p")
	if paras.Length() == 0 {
		return strings.TrimSpace(doc.Text())
	}

	var parts []string
	paras.Each(func(_ int, p *goquery.Selection) {
		if t := strings.TrimSpace(p.Text()); t != "" {
			parts = append(parts, t)
		}
	})
	return strings.Join(parts, "\n\n")
}
