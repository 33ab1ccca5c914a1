package ledger

import (
	"context"
	"encoding/json"
	"slices"

	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/eventbus"
	"github.com/matthewbaird/recipehub/internal/types"
)

// Activity types recorded by ToggleBookmark.
const (
	TypeBookmark   = "post_bookmark"
	TypeUnbookmark = "post_unbookmark"
)

// Bookmarks returns the signed-in account's bookmarked post ids, most
// recently added first.
func (l *Ledger) Bookmarks(ctx context.Context) []string {
	ns, ok := l.bookmarkNamespace(ctx)
	if !ok {
		return []string{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ids, err := l.readBookmarksLocked(bookmarkKey(ns))
	if err != nil {
		return []string{}
	}
	return slices.Clone(ids)
}

// IsBookmarked reports whether postID is bookmarked.
func (l *Ledger) IsBookmarked(ctx context.Context, postID string) bool {
	return slices.Contains(l.Bookmarks(ctx), postID)
}

// ToggleBookmark flips the bookmark on postID and returns the new state.
// The change is recorded as a post_bookmark or post_unbookmark activity
// and forwarded to the remote best-effort. Signed out, or with an empty
// postID, it does nothing and returns false. When the stored bookmarks
// cannot be read nothing is written and false is returned.
func (l *Ledger) ToggleBookmark(ctx context.Context, postID string) bool {
	if postID == "" {
		return false
	}
	ns, ok := l.bookmarkNamespace(ctx)
	if !ok {
		return false
	}
	key := bookmarkKey(ns)

	l.mu.Lock()
	ids, err := l.readBookmarksLocked(key)
	if err != nil {
		l.mu.Unlock()
		return false
	}
	on := !slices.Contains(ids, postID)
	var next []string
	if on {
		next = append([]string{postID}, ids...)
	} else {
		next = slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == postID })
	}
	stored := l.writeBookmarksLocked(key, next)
	l.mu.Unlock()

	if !stored {
		return !on
	}
	l.publish(ctx, eventbus.Event{Kind: eventbus.KindBookmarksChanged, Namespace: ns.Key(), Key: key})

	typ := TypeUnbookmark
	if on {
		typ = TypeBookmark
	}
	l.Append(ctx, typ, map[string]any{"postId": postID})
	l.forward("bookmark "+postID, func(ctx context.Context) error {
		return l.remote.SetBookmark(ctx, ns, postID, on)
	})
	return on
}

func (l *Ledger) bookmarkNamespace(ctx context.Context) (types.Namespace, bool) {
	ns, ok := l.ResolveNamespace(ctx)
	if !ok {
		return types.Namespace{}, false
	}
	l.migrateBookmarks(ns)
	return ns, true
}

func (l *Ledger) readBookmarksLocked(key string) ([]string, error) {
	if ids, ok := l.bookmarkCache[key]; ok {
		return ids, nil
	}
	raw, ok, err := l.store.Get(key)
	if err != nil {
		l.log.Warn("ledger: reading bookmarks", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	var ids []string
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			l.log.Debug("ledger: discarding malformed bookmarks", zap.String("key", key), zap.Error(err))
			ids = nil
		}
	}
	ids = dedupIDs(ids)
	l.bookmarkCache[key] = ids
	return ids, nil
}

func (l *Ledger) writeBookmarksLocked(key string, ids []string) bool {
	b, err := json.Marshal(ids)
	if err != nil {
		return false
	}
	if err := l.store.Set(key, string(b)); err != nil {
		l.log.Warn("ledger: bookmark write dropped", zap.String("key", key), zap.Error(err))
		return false
	}
	l.bookmarkCache[key] = ids
	return true
}

func (l *Ledger) migrateBookmarks(ns types.Namespace) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bookmarksMigrated[ns.Key()] {
		return
	}
	raw, ok, err := l.store.Get(LegacyBookmarkKey)
	if err != nil {
		l.log.Warn("ledger: reading legacy bookmarks", zap.Error(err))
		return
	}
	if ok {
		var legacy []string
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
				legacy = nil
			}
		}
		key := bookmarkKey(ns)
		current, err := l.readBookmarksLocked(key)
		if err != nil {
			return
		}
		if len(legacy) > 0 && !l.writeBookmarksLocked(key, dedupIDs(slices.Concat(current, legacy))) {
			return
		}
		if err := l.store.Remove(LegacyBookmarkKey); err != nil {
			l.log.Warn("ledger: removing legacy bookmarks", zap.Error(err))
			return
		}
	}
	l.bookmarksMigrated[ns.Key()] = true
}

func dedupIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
