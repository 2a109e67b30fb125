package report

import (
	"sort"

	"github.com/TobiSchelling/postwatch/internal/config"
	"github.com/TobiSchelling/postwatch/internal/database"
)

// Score is the weighted engagement of a post.
func Score(p database.Post, s config.Settings) float64 {
	return s.WeightReplies*float64(p.ReplyCount) +
		s.WeightReblogs*float64(p.ReblogCount) +
		s.WeightFavourites*float64(p.FavouriteCount)
}

// Rank returns the top n posts by score. Ties go to the newer post, then to
// the lower post ID, so the order never depends on input order.
func Rank(posts []database.Post, s config.Settings, n int) []database.Post {
	ranked := make([]database.Post, len(posts))
	copy(ranked, posts)

	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := Score(ranked[i], s), Score(ranked[j], s)
		if si != sj {
			return si > sj
		}
		if !ranked[i].PostedAt.Equal(ranked[j].PostedAt) {
			return ranked[i].PostedAt.After(ranked[j].PostedAt)
		}
		return ranked[i].PostID < ranked[j].PostID
	})

	if n >= 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Stats are the aggregate counts of a report window.
type Stats struct {
	Total    int
	Original int
	Reblog   int
	Text     int
	Media    int
}

// Summarize counts posts by kind. Media counts media-only posts.
func Summarize(posts []database.Post) Stats {
	var st Stats
	for _, p := range posts {
		st.Total++
		if p.IsReblog {
			st.Reblog++
		} else {
			st.Original++
		}
		if p.HasText() {
			st.Text++
		} else {
			st.Media++
		}
	}
	return st
}
