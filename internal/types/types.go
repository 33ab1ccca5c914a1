// Package types provides the Go structs shared between the ranking, ledger,
// storage and transport packages. These are the canonical shapes; loose
// upstream JSON is normalized into them at the boundary.
package types

import (
	"net/url"
	"time"
)

// Post is a community post as seen by the ranking code. Counts are already
// normalized (missing or malformed upstream values are zero).
type Post struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"created_at"` // zero when upstream omitted it
	LikeCount     int       `json:"like_count"`
	CommentCount  int       `json:"comment_count"`
	BookmarkCount int       `json:"bookmark_count"`
}

// ScoredPost is a Post with its derived popularity score. Created fresh on
// every ranking call and never persisted.
type ScoredPost struct {
	Post        Post    `json:"post"`
	Score       float64 `json:"score"`
	Likes       int     `json:"likes"`
	Comments    int     `json:"comments"`
	Bookmarks   int     `json:"bookmarks"`
	CreatedAtMs int64   `json:"created_at_ms"`
}

// ActivityEntry is one immutable record in a namespace's activity log.
type ActivityEntry struct {
	ID   string         `json:"id"`   // "<epoch ms>-<random suffix>"
	Type string         `json:"type"` // e.g. "post_create", "post_like", "comment_create"
	TS   int64          `json:"ts"`   // epoch milliseconds
	Data map[string]any `json:"data"`
}

// Time returns the entry timestamp as a time.Time.
func (e ActivityEntry) Time() time.Time {
	return time.UnixMilli(e.TS)
}

// Page is one page of activity plus the total count of the namespace.
type Page struct {
	Items []ActivityEntry `json:"items"`
	Total int             `json:"total"`
}

// Identity is the current session identity as stored by the auth layer.
// Several upstream shapes carry the account id under different names.
type Identity struct {
	Authenticated bool   `json:"authenticated"`
	UID           string `json:"uid,omitempty"`
	ID            string `json:"id,omitempty"`
	UserID        string `json:"userId,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
	Avatar        string `json:"avatar,omitempty"`
}

// AccountID returns the first non-empty account identifier.
func (i Identity) AccountID() string {
	switch {
	case i.UID != "":
		return i.UID
	case i.ID != "":
		return i.ID
	default:
		return i.UserID
	}
}

// Namespace isolates activity history per (account, provider).
type Namespace struct {
	AccountID string `json:"account_id"`
	Provider  string `json:"provider"`
}

// Key returns the deterministic storage suffix for the namespace. Both
// parts are query-escaped so a ':' inside either cannot make two
// namespaces share a key.
func (n Namespace) Key() string {
	return url.QueryEscape(n.Provider) + ":" + url.QueryEscape(n.AccountID)
}

// Valid reports whether both identity fields are present.
func (n Namespace) Valid() bool {
	return n.AccountID != "" && n.Provider != ""
}
