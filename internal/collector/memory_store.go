package collector

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/matthewbaird/recipehub/internal/types"
)

// MemoryStore implements Store using in-memory maps.
// Intended for demos and testing; no Postgres required.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string][]types.ActivityEntry // by namespace key
	bookmarks map[string][]string
}

// NewMemoryStore creates a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string][]types.ActivityEntry),
		bookmarks: make(map[string][]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Write(_ context.Context, ns types.Namespace, entries ...types.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ns.Key()
	existing := s.entries[key]
	for _, e := range entries {
		if slices.ContainsFunc(existing, func(x types.ActivityEntry) bool { return x.ID == e.ID }) {
			continue
		}
		existing = append(existing, e)
	}
	// Sort by ts DESC, id DESC.
	sort.SliceStable(existing, func(i, j int) bool {
		if existing[i].TS != existing[j].TS {
			return existing[i].TS > existing[j].TS
		}
		return existing[i].ID > existing[j].ID
	})
	s.entries[key] = existing
	return nil
}

func (s *MemoryStore) Page(_ context.Context, ns types.Namespace, page, size int) (types.Page, error) {
	page, size = clampPage(page, size)
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.entries[ns.Key()]
	p := types.Page{Items: []types.ActivityEntry{}, Total: len(all)}
	start := page * size
	if start >= len(all) {
		return p, nil
	}
	end := min(start+size, len(all))
	p.Items = append(p.Items, all[start:end]...)
	return p, nil
}

func (s *MemoryStore) Query(_ context.Context, ns types.Namespace, opts QueryOptions) ([]types.ActivityEntry, string, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, hasCursor := parseCursor(opts.Cursor)

	var matched []types.ActivityEntry
	for _, e := range s.entries[ns.Key()] {
		if len(opts.Types) > 0 && !slices.Contains(opts.Types, e.Type) {
			continue
		}
		if opts.Since != nil && e.Time().Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.Time().After(*opts.Until) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)

	if hasCursor {
		i := 0
		for i < len(matched) && !cur.after(matched[i]) {
			i++
		}
		matched = matched[i:]
	}

	limit := opts.limit()
	var nextCursor string
	if len(matched) > limit {
		matched = matched[:limit]
		nextCursor = cursorOf(matched[len(matched)-1])
	}
	return slices.Clone(matched), nextCursor, total, nil
}

func (s *MemoryStore) Clear(_ context.Context, ns types.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ns.Key())
	return nil
}

func (s *MemoryStore) SetBookmark(_ context.Context, ns types.Namespace, postID string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := ns.Key()
	ids := slices.DeleteFunc(slices.Clone(s.bookmarks[key]), func(id string) bool { return id == postID })
	if on {
		ids = append([]string{postID}, ids...)
	}
	s.bookmarks[key] = ids
	return nil
}

func (s *MemoryStore) Bookmarks(_ context.Context, ns types.Namespace) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.bookmarks[ns.Key()])
	if out == nil {
		out = []string{}
	}
	return out, nil
}
