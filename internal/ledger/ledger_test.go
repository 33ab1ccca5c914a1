package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/matthewbaird/recipehub/internal/eventbus"
	"github.com/matthewbaird/recipehub/internal/identity"
	"github.com/matthewbaird/recipehub/internal/kv"
	"github.com/matthewbaird/recipehub/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(s string) *fakeClock {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(s string) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func seqIDs() func(time.Time) string {
	var mu sync.Mutex
	n := 0
	return func(time.Time) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("e-%03d", n)
	}
}

// switchable lets a test change the signed-in account mid-test.
type switchable struct {
	mu sync.Mutex
	id *types.Identity
}

func (s *switchable) Current(context.Context) (*types.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == nil {
		return nil, nil
	}
	id := *s.id
	return &id, nil
}

func (s *switchable) Set(id *types.Identity) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func user(uid, provider string) *types.Identity {
	return &types.Identity{Authenticated: true, UID: uid, Provider: provider}
}

func newTestLedger(t *testing.T, store kv.Store, ids identity.Provider, opts ...Option) (*Ledger, *fakeClock) {
	t.Helper()
	clock := newClock("2024-01-04T10:00:00Z")
	base := []Option{WithClock(clock.Now), WithLocation(time.UTC), WithIDFunc(seqIDs())}
	return New(store, ids, append(base, opts...)...), clock
}

func entryTypes(entries []types.ActivityEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}

func TestAppend_SignedOutIsNoop(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	l, _ := newTestLedger(t, store, identity.Static{})

	_, ok := l.Append(ctx, "post_like", map[string]any{"postId": "p1"})
	assert.False(t, ok)
	assert.Empty(t, l.List(ctx, 10))
	assert.Equal(t, types.Page{Items: []types.ActivityEntry{}}, l.ListPaged(ctx, 0, 10))
	assert.Zero(t, l.ComputeStreak(ctx, StreakOptions{}))

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAppend_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	ids := &switchable{id: user("1", "google")}
	l, _ := newTestLedger(t, store, ids)

	_, ok := l.Append(ctx, "post_like", nil)
	require.True(t, ok)

	ids.Set(user("1", "kakao"))
	assert.Empty(t, l.List(ctx, 10), "same account id under another provider is a different namespace")
	l.Append(ctx, "post_create", nil)

	ids.Set(user("1", "google"))
	assert.Equal(t, []string{"post_like"}, entryTypes(l.List(ctx, 10)))

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"activity_log:v2:google:1", "activity_log:v2:kakao:1"}, keys)
}

func TestAppend_SeparatorInIdentity(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	ids := &switchable{id: user("y", "g:x")}
	l, _ := newTestLedger(t, store, ids)

	_, ok := l.Append(ctx, "post_like", nil)
	require.True(t, ok)
	l.ToggleBookmark(ctx, "p1")

	ids.Set(user("x:y", "g"))
	assert.Empty(t, l.List(ctx, 10))
	assert.Empty(t, l.Bookmarks(ctx))
}

func TestAppend_NewestFirstAndCapped(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t, kv.NewMemoryStore(0), identity.Static{Identity: user("alice", "google")},
		WithLimits(Limits{MaxEntries: 5}))

	for i := 0; i < 8; i++ {
		l.Append(ctx, fmt.Sprintf("t%d", i), nil)
		clock.Advance(time.Minute)
	}

	got := l.List(ctx, 100)
	assert.Equal(t, []string{"t7", "t6", "t5", "t4", "t3"}, entryTypes(got))
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].TS, got[i].TS)
	}
	assert.Len(t, l.List(ctx, 2), 2)
	assert.Empty(t, l.List(ctx, 0))
}

func TestAppend_DedupByID(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, kv.NewMemoryStore(0), identity.Static{Identity: user("alice", "google")},
		WithIDFunc(func(time.Time) string { return "same" }))

	l.Append(ctx, "post_like", nil)
	l.Append(ctx, "post_like", nil)
	assert.Len(t, l.List(ctx, 10), 1)
}

func TestAppend_EntryShape(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	l, clock := newTestLedger(t, store, identity.Static{Identity: user("alice", "google")}, WithIDFunc(NewEntryID))

	entry, ok := l.Append(ctx, "recipe_view", map[string]any{"recipeId": "r1"})
	require.True(t, ok)
	assert.Regexp(t, fmt.Sprintf(`^%d-[0-9a-f]{8}$`, clock.Now().UnixMilli()), entry.ID)
	assert.Equal(t, clock.Now().UnixMilli(), entry.TS)

	raw, found, err := store.Get("activity_log:v2:google:alice")
	require.NoError(t, err)
	require.True(t, found)
	var stored []types.ActivityEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, "r1", stored[0].Data["recipeId"])
}

func TestAppend_PayloadIsCopied(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, kv.NewMemoryStore(0), identity.Static{Identity: user("alice", "google")})

	data := map[string]any{"postId": "p1", "tags": []any{"spicy"}}
	entry, ok := l.Append(ctx, "post_like", data)
	require.True(t, ok)
	data["postId"] = "changed"
	entry.Data["extra"] = true

	got := l.List(ctx, 1)
	require.Len(t, got, 1)
	got[0].Data["evil"] = true
	got[0].Data["tags"].([]any)[0] = "mild"

	want := map[string]any{"postId": "p1", "tags": []any{"spicy"}}
	assert.Equal(t, want, l.List(ctx, 1)[0].Data)
	assert.Equal(t, want, l.ListPaged(ctx, 0, 1).Items[0].Data)
}

// failingGet fails reads of namespaced keys while fail is set.
type failingGet struct {
	*kv.MemoryStore
	fail atomic.Bool
}

func (s *failingGet) Get(key string) (string, bool, error) {
	if s.fail.Load() && strings.Contains(key, ":v2:") {
		return "", false, errors.New("database is locked")
	}
	return s.MemoryStore.Get(key)
}

func TestAppend_ReadErrorKeepsHistory(t *testing.T) {
	ctx := context.Background()
	store := &failingGet{MemoryStore: kv.NewMemoryStore(0)}
	alice := identity.Static{Identity: user("alice", "google")}
	l, _ := newTestLedger(t, store, alice)
	for i := 0; i < 5; i++ {
		_, ok := l.Append(ctx, "post_like", nil)
		require.True(t, ok)
	}

	store.fail.Store(true)
	fresh, _ := newTestLedger(t, store, alice)
	_, ok := fresh.Append(ctx, "post_create", nil)
	assert.False(t, ok)
	assert.Empty(t, fresh.List(ctx, 10))

	store.fail.Store(false)
	assert.Len(t, fresh.List(ctx, math.MaxInt), 5)
	_, ok = fresh.Append(ctx, "post_create", nil)
	require.True(t, ok)
	assert.Len(t, fresh.List(ctx, math.MaxInt), 6)
}

func TestToggleBookmark_ReadErrorKeepsBookmarks(t *testing.T) {
	ctx := context.Background()
	store := &failingGet{MemoryStore: kv.NewMemoryStore(0)}
	alice := identity.Static{Identity: user("alice", "google")}
	l, _ := newTestLedger(t, store, alice)
	require.True(t, l.ToggleBookmark(ctx, "p1"))

	store.fail.Store(true)
	fresh, _ := newTestLedger(t, store, alice)
	assert.False(t, fresh.ToggleBookmark(ctx, "p2"))

	store.fail.Store(false)
	assert.Equal(t, []string{"p1"}, fresh.Bookmarks(ctx))
}

func TestListPaged(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t, kv.NewMemoryStore(0), identity.Static{Identity: user("alice", "google")})
	for i := 0; i < 7; i++ {
		l.Append(ctx, fmt.Sprintf("t%d", i), nil)
		clock.Advance(time.Second)
	}

	p := l.ListPaged(ctx, 0, 3)
	assert.Equal(t, 7, p.Total)
	assert.Equal(t, []string{"t6", "t5", "t4"}, entryTypes(p.Items))

	p = l.ListPaged(ctx, 2, 3)
	assert.Equal(t, []string{"t0"}, entryTypes(p.Items))

	p = l.ListPaged(ctx, 5, 3)
	assert.Equal(t, 7, p.Total)
	assert.Empty(t, p.Items)
	assert.NotNil(t, p.Items)

	p = l.ListPaged(ctx, -1, 0)
	assert.Equal(t, []string{"t6"}, entryTypes(p.Items))

	for _, size := range []int{1, 3, 7, 50} {
		assert.Equal(t, len(l.List(ctx, math.MaxInt)), l.ListPaged(ctx, 0, size).Total, "size %d", size)
	}
}

func TestComputeStreak(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLedger(t, kv.NewMemoryStore(0), identity.Static{Identity: user("alice", "google")})

	clock.Set("2024-01-02T09:00:00Z")
	l.Append(ctx, "post_like", nil)
	clock.Set("2024-01-03T21:30:00Z")
	l.Append(ctx, "comment_create", nil)
	l.Append(ctx, "settings_open", nil)

	clock.Set("2024-01-04T10:00:00Z")
	assert.Equal(t, 0, l.ComputeStreak(ctx, StreakOptions{}), "nothing today breaks an including-today streak")
	assert.Equal(t, 2, l.ComputeStreak(ctx, StreakOptions{ExcludeToday: true}))

	clock.Set("2024-01-03T23:00:00Z")
	assert.Equal(t, 2, l.ComputeStreak(ctx, StreakOptions{}))

	clock.Set("2024-01-04T10:00:00Z")
	assert.Equal(t, 0, l.ComputeStreak(ctx, StreakOptions{ExcludeToday: true, Types: []string{"recipe_view"}}))

	l.Append(ctx, "settings_open", nil)
	assert.Equal(t, 0, l.ComputeStreak(ctx, StreakOptions{}), "uncounted types do not extend a streak")
	l.Append(ctx, "recipe_view", nil)
	assert.Equal(t, 3, l.ComputeStreak(ctx, StreakOptions{}))
}

func TestComputeStreak_LocalCalendarDays(t *testing.T) {
	ctx := context.Background()
	seoul := time.FixedZone("KST", 9*60*60)
	l, clock := newTestLedger(t, kv.NewMemoryStore(0), identity.Static{Identity: user("alice", "google")},
		WithLocation(seoul))

	// 2024-01-03T20:00Z is already 01-04 in Seoul.
	clock.Set("2024-01-03T20:00:00Z")
	l.Append(ctx, "post_like", nil)
	clock.Set("2024-01-04T02:00:00Z")
	assert.Equal(t, 1, l.ComputeStreak(ctx, StreakOptions{}))
	assert.Equal(t, 0, l.ComputeStreak(ctx, StreakOptions{ExcludeToday: true}))
}

func TestMigrate_MergesLegacyOnce(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	legacy := []types.ActivityEntry{
		{ID: "old-1", Type: "post_like", TS: 1000},
		{ID: "old-2", Type: "post_create", TS: 3000},
	}
	b, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, store.Set(LegacyActivityKey, string(b)))

	l, _ := newTestLedger(t, store, identity.Static{Identity: user("alice", "google")})
	got := l.List(ctx, 10)
	require.Len(t, got, 2)
	assert.Equal(t, "old-2", got[0].ID)

	_, found, err := store.Get(LegacyActivityKey)
	require.NoError(t, err)
	assert.False(t, found, "legacy log is removed after migration")

	l.Migrate(ctx)
	l.Append(ctx, "post_like", nil)
	l.Migrate(ctx)
	assert.Len(t, l.List(ctx, 10), 3)

	// A fresh ledger over the same store sees the merged log, not duplicates.
	l2, _ := newTestLedger(t, store, identity.Static{Identity: user("alice", "google")})
	assert.Len(t, l2.List(ctx, 10), 3)
}

func TestMigrate_MalformedLegacyIsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	require.NoError(t, store.Set(LegacyActivityKey, "{broken"))

	l, _ := newTestLedger(t, store, identity.Static{Identity: user("alice", "google")})
	assert.Empty(t, l.List(ctx, 10))
	_, found, _ := store.Get(LegacyActivityKey)
	assert.False(t, found)
}

func TestMalformedNamespaceDataReadsEmpty(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	require.NoError(t, store.Set("activity_log:v2:google:alice", "not json"))

	l, _ := newTestLedger(t, store, identity.Static{Identity: user("alice", "google")})
	assert.Empty(t, l.List(ctx, 10))
	_, ok := l.Append(ctx, "post_like", nil)
	assert.True(t, ok)
	assert.Len(t, l.List(ctx, 10), 1)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	l, _ := newTestLedger(t, store, identity.Static{Identity: user("alice", "google")})
	l.Append(ctx, "post_like", nil)
	require.NoError(t, store.Set(LegacyActivityKey, "[]"))

	l.Clear(ctx)
	assert.Empty(t, l.List(ctx, 10))
	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAppend_QuotaTruncatesOldest(t *testing.T) {
	ctx := context.Background()
	const quota = 600
	store := kv.NewMemoryStore(quota)
	l, clock := newTestLedger(t, store, identity.Static{Identity: user("alice", "google")})

	for i := 0; i < 30; i++ {
		entry, ok := l.Append(ctx, "post_like", nil)
		require.True(t, ok, "append %d", i)
		got := l.List(ctx, 1)
		require.Len(t, got, 1)
		assert.Equal(t, entry.ID, got[0].ID, "newest entry survives truncation")
		clock.Advance(time.Second)
	}
	assert.LessOrEqual(t, store.Usage(), quota)
	assert.Less(t, len(l.List(ctx, 100)), 30)
}

func TestAppend_QuotaGivesUp(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(10)
	l, _ := newTestLedger(t, store, identity.Static{Identity: user("alice", "google")})

	_, ok := l.Append(ctx, "post_like", nil)
	assert.False(t, ok)
	assert.Empty(t, l.List(ctx, 10))
}

type fakeRemote struct {
	mu        sync.Mutex
	collected []string
	bookmarks map[string]bool
	page      types.Page
	pageErr   error
	fail      bool
}

func (r *fakeRemote) Collect(_ context.Context, ns types.Namespace, typ string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collected = append(r.collected, ns.Key()+"/"+typ)
	if r.fail {
		return errors.New("offline")
	}
	return nil
}

func (r *fakeRemote) ActivityPage(context.Context, types.Namespace, int, int) (types.Page, error) {
	return r.page, r.pageErr
}

func (r *fakeRemote) SetBookmark(_ context.Context, _ types.Namespace, postID string, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bookmarks == nil {
		r.bookmarks = make(map[string]bool)
	}
	r.bookmarks[postID] = on
	return nil
}

func TestAppend_ForwardsToRemote(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{fail: true}
	l, _ := newTestLedger(t, kv.NewMemoryStore(0), identity.Static{Identity: user("alice", "google")},
		WithRemote(remote))
	l.Start(ctx)

	_, ok := l.Append(ctx, "post_like", nil)
	assert.True(t, ok, "remote failure does not affect the local write")
	l.Append(ctx, "post_create", nil)
	l.Stop()

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, []string{"google:alice/post_like", "google:alice/post_create"}, remote.collected)
}

func TestListPagedRemote(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{page: types.Page{Items: []types.ActivityEntry{{ID: "r1", Type: "post_like"}}, Total: 42}}
	l, _ := newTestLedger(t, kv.NewMemoryStore(0), identity.Static{Identity: user("alice", "google")},
		WithRemote(remote))
	l.Append(ctx, "local", nil)

	p := l.ListPagedRemote(ctx, 0, 10)
	assert.Equal(t, 42, p.Total)
	assert.Equal(t, "r1", p.Items[0].ID)

	remote.pageErr = errors.New("503")
	p = l.ListPagedRemote(ctx, 0, 10)
	assert.Equal(t, 1, p.Total)
	assert.Equal(t, []string{"local"}, entryTypes(p.Items))

	l.Stop()
}

func TestToggleBookmark(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	ids := &switchable{id: user("alice", "google")}
	l, clock := newTestLedger(t, kv.NewMemoryStore(0), ids, WithRemote(remote))
	l.Start(ctx)

	assert.True(t, l.ToggleBookmark(ctx, "p1"))
	clock.Advance(time.Second)
	assert.True(t, l.ToggleBookmark(ctx, "p2"))
	assert.Equal(t, []string{"p2", "p1"}, l.Bookmarks(ctx))
	assert.True(t, l.IsBookmarked(ctx, "p1"))

	clock.Advance(time.Second)
	assert.False(t, l.ToggleBookmark(ctx, "p1"))
	assert.Equal(t, []string{"p2"}, l.Bookmarks(ctx))
	assert.False(t, l.ToggleBookmark(ctx, ""))

	assert.Equal(t, []string{TypeUnbookmark, TypeBookmark, TypeBookmark}, entryTypes(l.List(ctx, 10)))

	ids.Set(user("alice", "kakao"))
	assert.Empty(t, l.Bookmarks(ctx))
	ids.Set(nil)
	assert.False(t, l.ToggleBookmark(ctx, "p9"))

	l.Stop()
	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, map[string]bool{"p1": false, "p2": true}, remote.bookmarks)
}

func TestBookmarks_MigratesLegacy(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	require.NoError(t, store.Set(LegacyBookmarkKey, `["p1","p2","p1"]`))

	l, _ := newTestLedger(t, store, identity.Static{Identity: user("alice", "google")})
	assert.Equal(t, []string{"p1", "p2"}, l.Bookmarks(ctx))
	_, found, _ := store.Get(LegacyBookmarkKey)
	assert.False(t, found)
}

func TestExternalChangeInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore(0)
	bus := eventbus.New(16, nil)
	events := bus.SubscribeChan(16)
	bus.Start(ctx)

	l, _ := newTestLedger(t, store, identity.Static{Identity: user("alice", "google")}, WithBus(bus))
	l.Start(ctx)
	l.Append(ctx, "post_like", nil)
	require.Len(t, l.List(ctx, 10), 1)

	const key = "activity_log:v2:google:alice"
	store.SimulateExternal(key, `[{"id":"x1","type":"post_like","ts":1},{"id":"x2","type":"post_create","ts":2}]`, false)

	require.Eventually(t, func() bool {
		return len(l.List(ctx, 10)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	var kinds []eventbus.Kind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
		case <-timeout:
			t.Fatalf("got events %v", kinds)
		}
	}
	assert.Equal(t, []eventbus.Kind{eventbus.KindActivityChanged, eventbus.KindExternalChange}, kinds)

	l.Stop()
	bus.Stop()
}

func TestConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, kv.NewMemoryStore(0), identity.Static{Identity: user("alice", "google")})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(ctx, "post_like", nil)
		}()
	}
	wg.Wait()
	assert.Len(t, l.List(ctx, 100), 20)
}
