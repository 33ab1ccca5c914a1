package ranking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/matthewbaird/recipehub/internal/types"
)

// Upstream field aliases, checked in order.
var (
	idKeys        = []string{"id", "postId", "post_id"}
	titleKeys     = []string{"title", "name"}
	createdAtKeys = []string{"createdAt", "created_at", "createdDate"}
	likeKeys      = []string{"likeCount", "like_count", "likes", "likesCount", "likes_count"}
	commentKeys   = []string{"commentCount", "comment_count", "comments", "commentsCount", "comments_count"}
	bookmarkKeys  = []string{"bookmarkCount", "bookmark_count", "bookmarks", "bookmarksCount", "bookmarks_count", "scrapCount"}
)

// Layouts tried for string timestamps. Zone-less layouts are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// DecodePosts parses an upstream post collection. It accepts a bare array or
// an object wrapping the array under "content" or "items". Only a body that
// is not JSON at all is an error; malformed records and fields degrade to
// zero values.
func DecodePosts(data []byte) ([]types.Post, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding posts: %w", err)
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		if arr, ok := v["content"].([]any); ok {
			items = arr
		} else if arr, ok := v["items"].([]any); ok {
			items = arr
		}
	}

	posts := make([]types.Post, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		posts = append(posts, NormalizePost(m))
	}
	return posts, nil
}

// NormalizePost maps one loosely shaped upstream record onto types.Post.
func NormalizePost(m map[string]any) types.Post {
	return types.Post{
		ID:            asString(first(m, idKeys)),
		Title:         asString(first(m, titleKeys)),
		CreatedAt:     asTime(first(m, createdAtKeys)),
		LikeCount:     asCount(first(m, likeKeys)),
		CommentCount:  asCount(first(m, commentKeys)),
		BookmarkCount: asCount(first(m, bookmarkKeys)),
	}
}

func first(m map[string]any, keys []string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// asCount coerces a count-like value to a non-negative int. Arrays count
// their elements (some upstreams embed the comment list itself).
func asCount(v any) int {
	var f float64
	switch t := v.(type) {
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return 0
		}
		f = n
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		f = n
	case []any:
		return len(t)
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}

func asTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
	case json.Number:
		if ms, err := t.Int64(); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
		if f, err := t.Float64(); err == nil && f > 0 {
			return time.UnixMilli(int64(f))
		}
	case float64:
		if t > 0 {
			return time.UnixMilli(int64(t))
		}
	}
	return time.Time{}
}
