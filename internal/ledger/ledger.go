// Package ledger is the per-account activity and bookmark ledger.
//
// Entries live in a kv.Store under a key derived from the signed-in
// account and identity provider. Every operation degrades instead of
// failing: without an identity writes are no-ops and reads are empty,
// storage-full writes are retried after evicting the oldest entries, and
// remote calls fall back to local state. Nothing here returns an error.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/eventbus"
	"github.com/matthewbaird/recipehub/internal/identity"
	"github.com/matthewbaird/recipehub/internal/kv"
	"github.com/matthewbaird/recipehub/internal/types"
)

// Storage keys. Namespaced keys append ":<provider>:<accountID>".
const (
	ActivityKeyPrefix = "activity_log:v2:"
	LegacyActivityKey = "activity_log"
	BookmarkKeyPrefix = "bookmarks:v2:"
	LegacyBookmarkKey = "bookmarks"
)

// Defaults for Limits.
const (
	DefaultMaxEntries   = 300
	DefaultWriteRetries = 3
	DefaultForwardQueue = 64
)

// Limits bounds the ledger's storage and forwarding.
type Limits struct {
	MaxEntries   int // entries retained per namespace
	WriteRetries int // truncate-and-retry attempts after a quota failure
	ForwardQueue int // pending remote forwards before new ones are dropped
}

// DefaultLimits returns the default Limits.
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:   DefaultMaxEntries,
		WriteRetries: DefaultWriteRetries,
		ForwardQueue: DefaultForwardQueue,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxEntries <= 0 {
		l.MaxEntries = DefaultMaxEntries
	}
	if l.WriteRetries < 0 {
		l.WriteRetries = 0
	}
	if l.ForwardQueue <= 0 {
		l.ForwardQueue = DefaultForwardQueue
	}
	return l
}

// Remote is the server-side activity collector and bookmark endpoint.
type Remote interface {
	Collect(ctx context.Context, ns types.Namespace, typ string, data map[string]any) error
	ActivityPage(ctx context.Context, ns types.Namespace, page, size int) (types.Page, error)
	SetBookmark(ctx context.Context, ns types.Namespace, postID string, on bool) error
}

// Ledger records and reads namespaced activity. Safe for concurrent use;
// each read-modify-write of a namespace happens under one lock.
type Ledger struct {
	store       kv.Store
	ids         identity.Provider
	remote      Remote
	bus         *eventbus.Bus
	fwd         *Forwarder
	log         *zap.Logger
	now         func() time.Time
	loc         *time.Location
	newID       func(time.Time) string
	limits      Limits
	streakTypes []string

	mu                sync.Mutex
	cache             map[string][]types.ActivityEntry // by storage key
	bookmarkCache     map[string][]string
	migrated          map[string]bool                  // by namespace key
	bookmarksMigrated map[string]bool

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRemote sets the remote collector. Without one the ledger is local only.
func WithRemote(r Remote) Option { return func(l *Ledger) { l.remote = r } }

// WithBus sets the bus that receives change notifications.
func WithBus(b *eventbus.Bus) Option { return func(l *Ledger) { l.bus = b } }

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option { return func(l *Ledger) { l.log = log } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLocation sets the time zone calendar days are computed in.
func WithLocation(loc *time.Location) Option { return func(l *Ledger) { l.loc = loc } }

// WithIDFunc overrides entry id generation.
func WithIDFunc(f func(time.Time) string) Option { return func(l *Ledger) { l.newID = f } }

// WithLimits overrides the storage and forwarding bounds.
func WithLimits(lim Limits) Option { return func(l *Ledger) { l.limits = lim } }

// WithStreakTypes overrides the activity types counted by ComputeStreak.
func WithStreakTypes(t []string) Option {
	return func(l *Ledger) { l.streakTypes = append([]string(nil), t...) }
}

// New creates a Ledger over store, reading the signed-in account from ids.
func New(store kv.Store, ids identity.Provider, opts ...Option) *Ledger {
	l := &Ledger{
		store:             store,
		ids:               ids,
		log:               zap.NewNop(),
		now:               time.Now,
		loc:               time.Local,
		newID:             NewEntryID,
		limits:            DefaultLimits(),
		streakTypes:       DefaultStreakTypes,
		cache:             make(map[string][]types.ActivityEntry),
		bookmarkCache:     make(map[string][]string),
		migrated:          make(map[string]bool),
		bookmarksMigrated: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	l.limits = l.limits.withDefaults()
	l.fwd = NewForwarder(l.limits.ForwardQueue, l.log)
	return l
}

// NewEntryID returns "<epoch ms>-<random suffix>".
func NewEntryID(t time.Time) string {
	return fmt.Sprintf("%d-%s", t.UnixMilli(), uuid.NewString()[:8])
}

// Start runs the remote forwarder and, when the store supports it, relays
// external storage changes: the read cache is invalidated and a
// KindExternalChange event is published.
func (l *Ledger) Start(ctx context.Context) {
	l.fwd.Start(ctx)

	w, ok := l.store.(kv.Watcher)
	if !ok {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	changes, err := w.Watch(wctx)
	if err != nil {
		cancel()
		l.log.Warn("ledger: storage watch unavailable", zap.Error(err))
		return
	}
	done := make(chan struct{})
	l.mu.Lock()
	l.watchCancel = cancel
	l.watchDone = done
	l.mu.Unlock()

	go func() {
		defer close(done)
		for c := range changes {
			l.invalidate(c.Key)
			l.publish(ctx, eventbus.Event{Kind: eventbus.KindExternalChange, Key: c.Key})
		}
	}()
}

// Stop drains pending remote forwards and stops the storage watcher.
func (l *Ledger) Stop() {
	l.fwd.Stop()

	l.mu.Lock()
	cancel, done := l.watchCancel, l.watchDone
	l.watchCancel, l.watchDone = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// ResolveNamespace returns the signed-in account's namespace.
func (l *Ledger) ResolveNamespace(ctx context.Context) (types.Namespace, bool) {
	return identity.ResolveNamespace(ctx, l.ids)
}

func activityKey(ns types.Namespace) string { return ActivityKeyPrefix + ns.Key() }
func bookmarkKey(ns types.Namespace) string { return BookmarkKeyPrefix + ns.Key() }

func (l *Ledger) invalidate(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if key == "" {
		l.cache = make(map[string][]types.ActivityEntry)
		l.bookmarkCache = make(map[string][]string)
		return
	}
	delete(l.cache, key)
	delete(l.bookmarkCache, key)
}

func (l *Ledger) publish(ctx context.Context, evt eventbus.Event) {
	if l.bus != nil {
		l.bus.Publish(ctx, evt)
	}
}

// forward queues a best-effort remote call. The result is never observed
// by the caller.
func (l *Ledger) forward(name string, run func(ctx context.Context) error) {
	if l.remote == nil {
		return
	}
	l.fwd.Enqueue(name, run)
}

// readLocked returns the entries stored under key. Missing or malformed
// data reads as empty; a storage error is returned and nothing is cached,
// so callers must not write over a log they could not read.
// Caller holds l.mu.
func (l *Ledger) readLocked(key string) ([]types.ActivityEntry, error) {
	if entries, ok := l.cache[key]; ok {
		return entries, nil
	}
	raw, ok, err := l.store.Get(key)
	if err != nil {
		l.log.Warn("ledger: read failed", zap.String("key", key), zap.Error(err))
		return nil, err
	}
	var entries []types.ActivityEntry
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			l.log.Debug("ledger: discarding malformed entries", zap.String("key", key), zap.Error(err))
			entries = nil
		}
	}
	entries = normalize(entries, l.limits.MaxEntries)
	l.cache[key] = entries
	return entries, nil
}

// writeLocked persists entries under key. On a quota failure the oldest
// quarter (at least one entry) is dropped and the write retried, up to
// WriteRetries times. Returns false when the write was given up.
// Caller holds l.mu.
func (l *Ledger) writeLocked(key string, entries []types.ActivityEntry) bool {
	for attempt := 0; ; attempt++ {
		b, err := json.Marshal(entries)
		if err != nil {
			l.log.Warn("ledger: encoding entries", zap.String("key", key), zap.Error(err))
			return false
		}
		err = l.store.Set(key, string(b))
		if err == nil {
			l.cache[key] = entries
			return true
		}
		if !isQuota(err) || attempt >= l.limits.WriteRetries || len(entries) <= 1 {
			l.log.Warn("ledger: write dropped",
				zap.String("key", key), zap.Int("entries", len(entries)), zap.Int("attempt", attempt), zap.Error(err))
			return false
		}
		drop := len(entries) / 4
		if drop < 1 {
			drop = 1
		}
		entries = entries[:len(entries)-drop]
		l.log.Debug("ledger: storage full, truncating",
			zap.String("key", key), zap.Int("dropped", drop), zap.Int("remaining", len(entries)))
	}
}

// normalize dedups by id (first occurrence wins), sorts by ts descending
// and caps at max. The result never aliases the input.
func normalize(entries []types.ActivityEntry, max int) []types.ActivityEntry {
	seen := make(map[string]struct{}, len(entries))
	out := make([]types.ActivityEntry, 0, len(entries))
	for _, e := range entries {
		if e.ID != "" {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
		}
		if e.Data == nil {
			e.Data = map[string]any{}
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TS > out[j].TS
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// cloneEntries copies entries deeply enough that callers cannot reach the
// cached payload maps.
func cloneEntries(entries []types.ActivityEntry) []types.ActivityEntry {
	out := make([]types.ActivityEntry, len(entries))
	for i, e := range entries {
		e.Data = cloneData(e.Data)
		out[i] = e
	}
	return out
}

// cloneData deep-copies a JSON-shaped payload. Nested maps and slices are
// copied; other values are shared, which is safe for JSON scalars.
func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneData(v)
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}
