package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/TobiSchelling/postwatch/internal/database"
)

const displayLayout = "2006-01-02 15:04"

// PostMessage renders a post from its current enrichment state.
func PostMessage(p database.Post, loc *time.Location, now time.Time) Message {
	kind, color := "New post", "blue"
	if p.IsReblog {
		kind, color = "Reblog", "red"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** by @%s\n\n", kind, p.Username)

	if text := p.Text(); text != "" {
		fmt.Fprintf(&b, "**Original**\n\n%s\n\n", text)
	}
	if p.TranslatedContent != nil && *p.TranslatedContent != "" {
		fmt.Fprintf(&b, "**Translation**\n\n%s\n\n", *p.TranslatedContent)
	}
	if analysis := AnalysisMarkdown(p.AnalysisResult); analysis != "" {
		fmt.Fprintf(&b, "**Analysis**\n\n%s\n\n", analysis)
	}
	if len(p.MediaRefs) > 0 {
		fmt.Fprintf(&b, "Media: %d attachment(s)\n\n", len(p.MediaRefs))
	}

	fmt.Fprintf(&b, "💬 %d  🔁 %d  ❤️ %d  ·  %s\n\n",
		p.ReplyCount, p.ReblogCount, p.FavouriteCount, p.PostedAt.In(loc).Format(displayLayout))
	if p.URL != "" {
		fmt.Fprintf(&b, "[View post](%s)\n\n", p.URL)
	}
	fmt.Fprintf(&b, "_Checked %s_", now.In(loc).Format("2006-01-02 15:04:05"))

	title := kind
	if p.Username != "" {
		title = "@" + p.Username + ": " + kind
	}
	return Message{
		Kind:  "post",
		Title: title,
		Body:  b.String(),
		Color: color,
		Items: 1,
	}
}

// AnalysisMarkdown renders the known fields of an analysis object. Unknown
// shapes fall back to sorted key: value lines.
func AnalysisMarkdown(a map[string]any) string {
	if len(a) == 0 {
		return ""
	}
	if _, ok := a["skipped"]; ok {
		return ""
	}

	var lines []string
	if s, ok := a["summary"].(string); ok && s != "" {
		lines = append(lines, s)
	}

	var meta []string
	for _, k := range []string{"sentiment", "market_impact", "sentiment_trend"} {
		if s, ok := a[k].(string); ok && s != "" {
			meta = append(meta, strings.ReplaceAll(k, "_", " ")+": "+s)
		}
	}
	if len(meta) > 0 {
		lines = append(lines, strings.Join(meta, " | "))
	}

	for _, k := range []string{"topics", "main_topics"} {
		if items := stringList(a[k]); len(items) > 0 {
			lines = append(lines, "Topics: "+strings.Join(items, ", "))
		}
	}
	for _, k := range []string{"key_points", "key_events", "market_signals"} {
		for _, item := range stringList(a[k]) {
			lines = append(lines, "- "+item)
		}
	}

	if len(lines) == 0 {
		keys := make([]string, 0, len(a))
		for k := range a {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("%s: %v", k, a[k]))
		}
	}
	return strings.Join(lines, "\n")
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
