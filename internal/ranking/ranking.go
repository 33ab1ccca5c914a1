// Package ranking scores community posts by age-decayed engagement and
// selects the most popular ones with a fully deterministic order.
package ranking

import (
	"math"
	"sort"
	"time"

	"github.com/matthewbaird/recipehub/internal/types"
)

// Engagement weights and the age decay exponent.
const (
	LikeWeight     = 3
	CommentWeight  = 2
	BookmarkWeight = 1

	// DecayExponent is sub-linear so fresh low-engagement posts are not
	// permanently buried by old high-engagement ones.
	DecayExponent = 0.6

	msPerHour = int64(time.Hour / time.Millisecond)
)

// Engagement returns the weighted engagement of a post.
func Engagement(p types.Post) int {
	return LikeWeight*nonNeg(p.LikeCount) + CommentWeight*nonNeg(p.CommentCount) + BookmarkWeight*nonNeg(p.BookmarkCount)
}

// Score returns the popularity score of p at the given instant.
// A post without a creation time is treated as created now.
func Score(p types.Post, now time.Time) float64 {
	return score(Engagement(p), createdAtMs(p, now), now.UnixMilli())
}

func score(engagement int, createdMs, nowMs int64) float64 {
	ageHours := float64(nowMs-createdMs) / float64(msPerHour)
	if ageHours < 1 {
		ageHours = 1
	}
	return float64(engagement) / math.Pow(ageHours, DecayExponent)
}

// Rank scores every post and returns them sorted most popular first.
// The input slice is not modified.
func Rank(posts []types.Post, now time.Time) []types.ScoredPost {
	nowMs := now.UnixMilli()
	scored := make([]types.ScoredPost, len(posts))
	for i, p := range posts {
		created := createdAtMs(p, now)
		scored[i] = types.ScoredPost{
			Post:        p,
			Score:       score(Engagement(p), created, nowMs),
			Likes:       nonNeg(p.LikeCount),
			Comments:    nonNeg(p.CommentCount),
			Bookmarks:   nonNeg(p.BookmarkCount),
			CreatedAtMs: created,
		}
	}

	// Stable sort keeps input order as the final tie-break.
	sort.SliceStable(scored, func(i, j int) bool {
		return less(scored[i], scored[j])
	})
	return scored
}

// less reports whether a ranks ahead of b.
func less(a, b types.ScoredPost) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if sa, sb := a.Likes+a.Comments+a.Bookmarks, b.Likes+b.Comments+b.Bookmarks; sa != sb {
		return sa > sb
	}
	if a.Likes != b.Likes {
		return a.Likes > b.Likes
	}
	if a.Comments != b.Comments {
		return a.Comments > b.Comments
	}
	if a.Bookmarks != b.Bookmarks {
		return a.Bookmarks > b.Bookmarks
	}
	return a.CreatedAtMs > b.CreatedAtMs
}

// RankTopAt returns the n most popular posts at the given instant.
// The result has length min(n, len(posts)); n below zero yields an empty slice.
func RankTopAt(posts []types.Post, n int, now time.Time) []types.Post {
	if n < 0 {
		n = 0
	}
	scored := Rank(posts, now)
	if n > len(scored) {
		n = len(scored)
	}
	out := make([]types.Post, n)
	for i := 0; i < n; i++ {
		out[i] = scored[i].Post
	}
	return out
}

// RankTop is RankTopAt evaluated at the current time.
func RankTop(posts []types.Post, n int) []types.Post {
	return RankTopAt(posts, n, time.Now())
}

func createdAtMs(p types.Post, now time.Time) int64 {
	if p.CreatedAt.IsZero() {
		return now.UnixMilli()
	}
	return p.CreatedAt.UnixMilli()
}

func nonNeg(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
