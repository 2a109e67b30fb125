package database

import "time"

// State is the set of lifecycle stages a post has completed.
type State uint8

const (
	Stored State = 1 << iota
	Translated
	Analyzed
	Notified
)

// Has reports whether every stage in x is set.
func (s State) Has(x State) bool {
	return s&x == x
}

func (s State) String() string {
	if s == 0 {
		return "none"
	}
	names := []struct {
		bit  State
		name string
	}{{Stored, "stored"}, {Translated, "translated"}, {Analyzed, "analyzed"}, {Notified, "notified"}}
	out := ""
	for _, n := range names {
		if s.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// Post is one status from the tracked account plus its enrichment markers.
// Markers are set at most once and never cleared.
type Post struct {
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

	StoredAt          *time.Time
	TranslatedAt      *time.Time
	TranslatedContent *string
	AnalyzedAt        *time.Time
	AnalysisResult    map[string]any
	NotifiedAt        *time.Time
	UpdatedAt         *time.Time
}

// State derives the lifecycle state from the markers.
func (p *Post) State() State {
	var s State
	if p.StoredAt != nil {
		s |= Stored
	}
	if p.TranslatedAt != nil {
		s |= Translated
	}
	if p.AnalyzedAt != nil {
		s |= Analyzed
	}
	if p.NotifiedAt != nil {
		s |= Notified
	}
	return s
}

// Can reports whether stage may still be applied to the post.
func (p *Post) Can(stage State) bool {
	s := p.State()
	return s.Has(Stored) && !s.Has(stage)
}

// HasText reports whether the post carries any text to translate or analyze.
func (p *Post) HasText() bool {
	return p.Text() != ""
}

// Text is the text a reader sees: the reblogged body for reblogs.
func (p *Post) Text() string {
	if p.IsReblog && p.ReblogContent != nil && *p.ReblogContent != "" {
		return *p.ReblogContent
	}
	return p.Content
}

// Run statuses.
const (
	ScrapeSuccess = "success"
	ScrapePartial = "partial"
	ScrapeFailed  = "failed"

	ReportSent    = "sent"
	ReportFailed  = "failed"
	ReportSkipped = "skipped"
)

// Report types.
const (
	ReportDaily  = "daily"
	ReportWeekly = "weekly"
	ReportManual = "manual"
)

// ScrapeRun records one ingestion cycle. It is sealed when the cycle ends.
type ScrapeRun struct {
	ID           int64
	Username     string
	Status       string
	FetchedCount int
	NewCount     int
	UpdatedCount int
	Error        *string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// ReportRun records one daily, weekly or manual report.
type ReportRun struct {
	ID            int64
	ReportType    string
	Mimics        *string
	WindowStart   time.Time
	WindowEnd     time.Time
	TopPostIDs    []string
	TotalPosts    int
	OriginalPosts int
	ReblogPosts   int
	TextPosts     int
	MediaPosts    int
	Body          string
	Status        string
	Error         *string
	DispatchedAt  *time.Time
	CreatedAt     time.Time
}

// Stats contains aggregate database statistics.
type Stats struct {
	TotalPosts      int
	TranslatedPosts int
	AnalyzedPosts   int
	NotifiedPosts   int
	ScrapeRuns      int
	ReportRuns      int
	LastScrape      *time.Time
}
