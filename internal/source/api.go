package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/TobiSchelling/postwatch/internal/policy"
)

const defaultAPIURL = "https://api.scrapecreators.com"

// APIClient reads posts from a ScrapeCreators-style JSON API. Status objects
// follow the Mastodon shape.
type APIClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	retry   policy.Policy
	logger  *slog.Logger
}

// NewAPIClient creates an API client. A nil client uses a 30s-timeout default.
func NewAPIClient(baseURL, apiKey string, client *http.Client) *APIClient {
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		retry:   policy.Policy{Attempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, MaxJitter: time.Second},
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger used for request logging.
func (c *APIClient) WithLogger(l *slog.Logger) *APIClient {
	c.logger = l
	return c
}

// WithRetry replaces the per-page retry policy.
func (c *APIClient) WithRetry(p policy.Policy) *APIClient {
	c.retry = p
	return c
}

// Fetch pages through the account's posts until max have been yielded or the
// provider has no more.
func (c *APIClient) Fetch(ctx context.Context, account string, max int) iter.Seq2[RawPost, error] {
	return func(yield func(RawPost, error) bool) {
		cursor := ""
		yielded := 0
		for yielded < max {
			page, err := c.fetchPage(ctx, account, cursor, max-yielded)
			if err != nil {
				yield(RawPost{}, err)
				return
			}

			for _, st := range page.statuses {
				if yielded >= max {
					return
				}
				p, ok := st.toRawPost(account)
				if !ok {
					c.logger.Warn("skipping status without id or timestamp", "account", account)
					continue
				}
				if !yield(p, nil) {
					return
				}
				yielded++
			}

			if page.nextCursor == "" || len(page.statuses) == 0 {
				return
			}
			cursor = page.nextCursor
		}
	}
}

type apiPage struct {
	statuses   []apiStatus
	nextCursor string
}

func (c *APIClient) fetchPage(ctx context.Context, account, cursor string, limit int) (*apiPage, error) {
	params := url.Values{
		"handle": {account},
		"limit":  {strconv.Itoa(limit)},
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	endpoint := c.baseURL + "/truthsocial/user/posts?" + params.Encode()

	var body []byte
	err := c.retry.Do(ctx, c.logger, "fetch_posts", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
		if err != nil {
			return policy.Permanent(&FetchError{Source: "api", Err: err})
		}
		req.Header.Set("x-api-key", c.apiKey)
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := c.client.Do(req)
		if err != nil {
			return &FetchError{Source: "api", Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return &FetchError{Source: "api", Err: err}
		}
		c.logger.Debug("api request completed",
			"status_code", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", len(data))

		switch {
		case resp.StatusCode == http.StatusOK:
			body = data
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return policy.Permanent(&FetchError{Source: "api", Status: resp.StatusCode, Err: errors.New("invalid API key")})
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return &FetchError{Source: "api", Status: resp.StatusCode, Err: errors.New(snippet(data))}
		default:
			return policy.Permanent(&FetchError{Source: "api", Status: resp.StatusCode, Err: errors.New(snippet(data))})
		}
	})
	if err != nil {
		return nil, err
	}

	page, err := decodePage(body)
	if err != nil {
		return nil, &FetchError{Source: "api", Err: err}
	}
	return page, nil
}

// decodePage accepts a bare status array or an object wrapping one.
func decodePage(data []byte) (*apiPage, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var statuses []apiStatus
		if err := json.Unmarshal(data, &statuses); err != nil {
			return nil, fmt.Errorf("decoding statuses: %w", err)
		}
		return &apiPage{statuses: statuses}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	page := &apiPage{}
	for _, key := range []string{"next_cursor", "cursor", "next_max_id"} {
		if raw, ok := obj[key]; ok {
			var s flexString
			if json.Unmarshal(raw, &s) == nil && s != "" {
				page.nextCursor = string(s)
				break
			}
		}
	}
	for _, key := range []string{"posts", "data", "statuses", "items", "results"} {
		raw, ok := obj[key]
		if !ok || len(raw) == 0 || raw[0] != '[' {
			continue
		}
		if err := json.Unmarshal(raw, &page.statuses); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", key, err)
		}
		return page, nil
	}

	if _, ok := obj["id"]; ok {
		var st apiStatus
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decoding status: %w", err)
		}
		page.statuses = []apiStatus{st}
		return page, nil
	}
	return page, nil
}

type apiStatus struct {
	ID               flexString `json:"id"`
	PostID           flexString `json:"post_id"`
	Content          string     `json:"content"`
	Text             string     `json:"text"`
	URL              string     `json:"url"`
	URI              string     `json:"uri"`
	CreatedAt        string     `json:"created_at"`
	RepliesCount     int        `json:"replies_count"`
	ReblogsCount     int        `json:"reblogs_count"`
	FavouritesCount  int        `json:"favourites_count"`
	LikesCount       int        `json:"likes_count"`
	MediaAttachments []apiMedia `json:"media_attachments"`
	Reblog           *apiStatus `json:"reblog"`
	Account          apiAccount `json:"account"`
}

type apiMedia struct {
	URL        string `json:"url"`
	PreviewURL string `json:"preview_url"`
}

type apiAccount struct {
	Username string `json:"username"`
}

func (st apiStatus) toRawPost(account string) (RawPost, bool) {
	id := string(st.ID)
	if id == "" {
		id = string(st.PostID)
	}
	posted, err := time.Parse(time.RFC3339, st.CreatedAt)
	if id == "" || err != nil {
		return RawPost{}, false
	}

	content := st.Content
	if content == "" {
		content = st.Text
	}

	p := RawPost{
		PostID:         id,
		Username:       account,
		Content:        htmlToText(content),
		URL:            st.URL,
		ReplyCount:     st.RepliesCount,
		ReblogCount:    st.ReblogsCount,
		FavouriteCount: st.FavouritesCount,
		PostedAt:       posted.UTC(),
	}
	if p.FavouriteCount == 0 {
		p.FavouriteCount = st.LikesCount
	}
	if p.URL == "" {
		p.URL = st.URI
	}
	if p.URL == "" {
		user := st.Account.Username
		if user == "" {
			user = account
		}
		p.URL = fmt.Sprintf("https://truthsocial.com/@%s/posts/%s", user, id)
	}

	media := st.MediaAttachments
	if st.Reblog != nil {
		p.IsReblog = true
		text := htmlToText(st.Reblog.Content)
		p.ReblogContent = &text
		if len(media) == 0 {
			media = st.Reblog.MediaAttachments
		}
	}
	for _, m := range media {
		ref := m.URL
		if ref == "" {
			ref = m.PreviewURL
		}
		if ref != "" {
			p.MediaRefs = append(p.MediaRefs, ref)
		}
	}
	return p, true
}

// flexString decodes a JSON string or number into a string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
