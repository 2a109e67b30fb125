package source

import (
	"context"
	"iter"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
)

// FeedSource reads posts from an RSS or Atom feed of the account. Feeds carry
// no engagement counters, so those stay zero.
type FeedSource struct {
	url    string
	parser *gofeed.Parser
}

// NewFeedSource creates a feed source for feedURL.
func NewFeedSource(feedURL string, client *http.Client) *FeedSource {
	parser := gofeed.NewParser()
	if client != nil {
		parser.Client = client
	}
	parser.UserAgent = "postwatch/1.0"
	return &FeedSource{url: feedURL, parser: parser}
}

// Fetch parses the feed and yields up to max items, newest first.
func (f *FeedSource) Fetch(ctx context.Context, account string, max int) iter.Seq2[RawPost, error] {
	return func(yield func(RawPost, error) bool) {
		feed, err := f.parser.ParseURLWithContext(f.url, ctx)
		if err != nil {
			yield(RawPost{}, &FetchError{Source: "feed", Err: err})
			return
		}

		var posts []RawPost
		for _, item := range feed.Items {
			if p, ok := parseItem(item, account); ok {
				posts = append(posts, p)
			}
		}
		sort.SliceStable(posts, func(i, j int) bool {
			return posts[i].PostedAt.After(posts[j].PostedAt)
		})

		for i, p := range posts {
			if i >= max {
				return
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}

func parseItem(item *gofeed.Item, account string) (RawPost, bool) {
	id := item.GUID
	if id == "" {
		id = item.Link
	}
	if id == "" {
		return RawPost{}, false
	}

	var posted time.Time
	switch {
	case item.PublishedParsed != nil:
		posted = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		posted = *item.UpdatedParsed
	default:
		return RawPost{}, false
	}

	var content string
	switch {
	case item.Content != "":
		content = htmlToText(item.Content)
	case item.Description != "":
		content = htmlToText(item.Description)
	default:
		content = strings.TrimSpace(item.Title)
	}

	p := RawPost{
		PostID:   id,
		Username: account,
		Content:  content,
		URL:      item.Link,
		PostedAt: posted.UTC(),
	}
	for _, enc := range item.Enclosures {
		if enc.URL != "" {
			p.MediaRefs = append(p.MediaRefs, enc.URL)
		}
	}
	if item.Image != nil && item.Image.URL != "" {
		p.MediaRefs = append(p.MediaRefs, item.Image.URL)
	}
	// Reblogs in account feeds are conventionally titled "RT ...".
	if strings.HasPrefix(strings.TrimSpace(item.Title), "RT ") {
		p.IsReblog = true
		text := content
		p.ReblogContent = &text
	}
	return p, true
}
