package ledger

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/eventbus"
	"github.com/matthewbaird/recipehub/internal/kv"
	"github.com/matthewbaird/recipehub/internal/types"
)

func isQuota(err error) bool { return errors.Is(err, kv.ErrQuotaExceeded) }

// namespace resolves the current namespace and runs the one-time legacy
// migration for it.
func (l *Ledger) namespace(ctx context.Context) (types.Namespace, bool) {
	ns, ok := l.ResolveNamespace(ctx)
	if !ok {
		return types.Namespace{}, false
	}
	l.migrate(ns)
	return ns, true
}

// Append records an activity of type typ for the signed-in account.
// Without an identity it does nothing. The new entry is returned when it
// was stored locally. It is also queued for best-effort forwarding to the
// remote collector; forwarding failures are never surfaced.
func (l *Ledger) Append(ctx context.Context, typ string, data map[string]any) (types.ActivityEntry, bool) {
	ns, ok := l.namespace(ctx)
	if !ok {
		return types.ActivityEntry{}, false
	}
	if typ == "" {
		typ = "unknown"
	}
	data = cloneData(data)
	now := l.now()
	entry := types.ActivityEntry{
		ID:   l.newID(now),
		Type: typ,
		TS:   now.UnixMilli(),
		Data: data,
	}

	key := activityKey(ns)
	l.mu.Lock()
	current, err := l.readLocked(key)
	stored := false
	if err == nil {
		next := make([]types.ActivityEntry, 0, len(current)+1)
		next = append(next, entry)
		next = append(next, current...)
		stored = l.writeLocked(key, normalize(next, l.limits.MaxEntries))
	}
	l.mu.Unlock()

	// The cached entry owns data; everything handed out below gets a copy.
	if stored {
		published := entry
		published.Data = cloneData(data)
		l.publish(ctx, eventbus.Event{
			Kind:      eventbus.KindActivityChanged,
			Namespace: ns.Key(),
			Key:       key,
			Entry:     &published,
		})
	}
	remoteData := cloneData(data)
	l.forward("collect "+typ, func(ctx context.Context) error {
		return l.remote.Collect(ctx, ns, typ, remoteData)
	})
	entry.Data = cloneData(data)
	return entry, stored
}

// List returns up to limit of the most recent entries, newest first.
func (l *Ledger) List(ctx context.Context, limit int) []types.ActivityEntry {
	ns, ok := l.namespace(ctx)
	if !ok || limit <= 0 {
		return []types.ActivityEntry{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.readLocked(activityKey(ns))
	if err != nil {
		return []types.ActivityEntry{}
	}
	if limit < len(entries) {
		entries = entries[:limit]
	}
	return cloneEntries(entries)
}

// ListPaged returns the zero-based page of entries, newest first, and the
// total entry count. A page past the end is empty with the true total.
func (l *Ledger) ListPaged(ctx context.Context, page, size int) types.Page {
	page, size = clampPage(page, size)
	ns, ok := l.namespace(ctx)
	if !ok {
		return types.Page{Items: []types.ActivityEntry{}}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.readLocked(activityKey(ns))
	if err != nil {
		return types.Page{Items: []types.ActivityEntry{}}
	}
	return pageOf(entries, page, size)
}

// ListPagedRemote asks the remote collector for the page and falls back to
// ListPaged when there is no remote or the call fails.
func (l *Ledger) ListPagedRemote(ctx context.Context, page, size int) types.Page {
	page, size = clampPage(page, size)
	ns, ok := l.namespace(ctx)
	if ok && l.remote != nil {
		p, err := l.remote.ActivityPage(ctx, ns, page, size)
		if err == nil {
			if p.Items == nil {
				p.Items = []types.ActivityEntry{}
			}
			return p
		}
		l.log.Debug("ledger: remote page unavailable, using local", zap.Error(err))
	}
	return l.ListPaged(ctx, page, size)
}

// Clear deletes the signed-in account's entries and the legacy
// un-namespaced log.
func (l *Ledger) Clear(ctx context.Context) {
	ns, ok := l.ResolveNamespace(ctx)
	if !ok {
		return
	}
	key := activityKey(ns)
	l.mu.Lock()
	for _, k := range []string{key, LegacyActivityKey} {
		if err := l.store.Remove(k); err != nil {
			l.log.Warn("ledger: clear failed", zap.String("key", k), zap.Error(err))
		}
		delete(l.cache, k)
	}
	l.migrated[ns.Key()] = true
	l.mu.Unlock()

	l.publish(ctx, eventbus.Event{Kind: eventbus.KindActivityChanged, Namespace: ns.Key(), Key: key})
}

// Migrate merges any legacy un-namespaced log into the signed-in account's
// log and deletes the legacy key. It runs implicitly on first use of each
// namespace; calling it again is harmless.
func (l *Ledger) Migrate(ctx context.Context) {
	ns, ok := l.ResolveNamespace(ctx)
	if !ok {
		return
	}
	l.mu.Lock()
	delete(l.migrated, ns.Key())
	l.mu.Unlock()
	l.migrate(ns)
}

func (l *Ledger) migrate(ns types.Namespace) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.migrated[ns.Key()] {
		return
	}

	raw, ok, err := l.store.Get(LegacyActivityKey)
	if err != nil {
		l.log.Warn("ledger: reading legacy log", zap.Error(err))
		return
	}
	if !ok {
		l.migrated[ns.Key()] = true
		return
	}

	var legacy []types.ActivityEntry
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
			l.log.Debug("ledger: discarding malformed legacy log", zap.Error(err))
			legacy = nil
		}
	}

	key := activityKey(ns)
	current, err := l.readLocked(key)
	if err != nil {
		// keep the legacy log rather than overwrite an unreadable one
		return
	}
	merged := make([]types.ActivityEntry, 0, len(current)+len(legacy))
	merged = append(merged, current...)
	merged = append(merged, legacy...)
	if len(legacy) > 0 && !l.writeLocked(key, normalize(merged, l.limits.MaxEntries)) {
		// keep the legacy log for the next attempt
		return
	}
	if err := l.store.Remove(LegacyActivityKey); err != nil {
		l.log.Warn("ledger: removing legacy log", zap.Error(err))
		return
	}
	delete(l.cache, LegacyActivityKey)
	l.migrated[ns.Key()] = true
	l.log.Info("ledger: migrated legacy activity",
		zap.String("namespace", ns.Key()), zap.Int("entries", len(legacy)))
}

func clampPage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size < 1 {
		size = 1
	}
	return page, size
}

func pageOf(entries []types.ActivityEntry, page, size int) types.Page {
	total := len(entries)
	start := page * size
	if start < 0 || start >= total {
		return types.Page{Items: []types.ActivityEntry{}, Total: total}
	}
	end := start + size
	if end > total || end < start {
		end = total
	}
	return types.Page{Items: cloneEntries(entries[start:end]), Total: total}
}

