package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
	"github.com/TobiSchelling/postwatch/internal/notify"
)

const excerptChars = 280

// Report is everything a rendered report is built from.
type Report struct {
	Kind     string // daily or weekly; the mimicked type for manual runs
	Manual   bool
	Window   Window
	Stats    Stats
	Top      []database.Post
	Analysis map[string]any
	Settings config.Settings
	Created  time.Time
}

// Title is the header line of the report.
func (r Report) Title() string {
	title := "Daily report"
	if r.Kind == database.ReportWeekly {
		title = "Weekly report"
	}
	if r.Manual {
		title += " (manual)"
	}
	return title + ": " + r.Window.Display()
}

// Markdown renders the report body.
func (r Report) Markdown() string {
	var b strings.Builder
	loc := r.Window.Start.Location()

	fmt.Fprintf(&b, "**%s**\n\n", r.Window.Display())
	fmt.Fprintf(&b, "- Total posts: %d\n", r.Stats.Total)
	fmt.Fprintf(&b, "- Original: %d\n", r.Stats.Original)
	fmt.Fprintf(&b, "- Reblogs: %d\n", r.Stats.Reblog)
	fmt.Fprintf(&b, "- With text: %d\n", r.Stats.Text)
	fmt.Fprintf(&b, "- Media only: %d\n\n", r.Stats.Media)

	if len(r.Top) > 0 {
		fmt.Fprintf(&b, "**Top %d posts**\n\n", len(r.Top))
		for i, p := range r.Top {
			kind := "original"
			if p.IsReblog {
				kind = "reblog"
			}
			fmt.Fprintf(&b, "%d. [%s] %s · score %s (💬 %d 🔁 %d ❤️ %d)\n",
				i+1, p.PostedAt.In(loc).Format("Jan 02 15:04"), kind,
				formatScore(Score(p, r.Settings)), p.ReplyCount, p.ReblogCount, p.FavouriteCount)
			if text := p.Text(); text != "" {
				fmt.Fprintf(&b, "   %s\n", excerpt(text))
			} else {
				fmt.Fprintf(&b, "   (%d media attachment(s))\n", len(p.MediaRefs))
			}
			if p.TranslatedContent != nil && *p.TranslatedContent != "" {
				fmt.Fprintf(&b, "   🌐 %s\n", excerpt(*p.TranslatedContent))
			}
			if p.URL != "" {
				fmt.Fprintf(&b, "   [View post](%s)\n", p.URL)
			}
		}
		b.WriteString("\n")
	}

	if analysis := notify.AnalysisMarkdown(r.Analysis); analysis != "" {
		fmt.Fprintf(&b, "**Analysis**\n\n%s\n\n", analysis)
	}

	fmt.Fprintf(&b, "_Generated %s_", r.Created.In(loc).Format("2006-01-02 15:04:05"))
	return b.String()
}

func formatScore(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= excerptChars {
		return s
	}
	return string(r[:excerptChars-3]) + "..."
}
