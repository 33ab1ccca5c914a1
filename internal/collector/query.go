// Package collector is the server-side activity collector: the store the
// HTTP service writes forwarded ledger entries and bookmark state into,
// and the recorder that publishes each stored entry on the event bus.
package collector

import (
	"strconv"
	"strings"
	"time"

	"github.com/matthewbaird/recipehub/internal/types"
)

// QueryOptions controls filtering and cursor pagination for Query.
type QueryOptions struct {
	Types  []string   // filter to these activity types
	Since  *time.Time // inclusive
	Until  *time.Time // inclusive
	Limit  int        // max results (default: 100, max: 500)
	Cursor string     // "<ts>:<id>" of the last entry of the previous page
}

// DefaultQueryOptions returns QueryOptions with defaults.
func DefaultQueryOptions() QueryOptions {
	return QueryOptions{Limit: 100}
}

func (o QueryOptions) limit() int {
	if o.Limit <= 0 || o.Limit > 500 {
		return 100
	}
	return o.Limit
}

// cursor is a position in (ts DESC, id DESC) order. Entries share a
// millisecond often enough that ts alone would skip some.
type cursor struct {
	ts int64
	id string
}

func cursorOf(e types.ActivityEntry) string {
	return strconv.FormatInt(e.TS, 10) + ":" + e.ID
}

// parseCursor accepts "<ts>:<id>" and, for older clients, a bare "<ts>".
func parseCursor(s string) (cursor, bool) {
	if s == "" {
		return cursor{}, false
	}
	tsPart, id, hasID := strings.Cut(s, ":")
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return cursor{}, false
	}
	if !hasID {
		// Everything at ts was on the previous page.
		return cursor{ts: ts}, true
	}
	return cursor{ts: ts, id: id}, true
}

// after reports whether e sorts after c, i.e. belongs on a later page.
func (c cursor) after(e types.ActivityEntry) bool {
	if e.TS != c.ts {
		return e.TS < c.ts
	}
	return e.ID < c.id
}

func clampPage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size < 1 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
