package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/backend"
	"github.com/matthewbaird/recipehub/internal/collector"
	"github.com/matthewbaird/recipehub/internal/eventbus"
	"github.com/matthewbaird/recipehub/internal/types"
)

type stubPosts struct {
	posts []types.Post
	err   error
}

func (s stubPosts) FetchPosts(context.Context) ([]types.Post, error) { return s.posts, s.err }

type fixture struct {
	srv   *httptest.Server
	store *collector.MemoryStore
	bus   *eventbus.Bus
}

func newFixture(t *testing.T, posts PostSource) *fixture {
	t.Helper()
	store := collector.NewMemoryStore()
	bus := eventbus.New(64, nil)
	rec := collector.NewRecorder(store)
	rec.SetPublisher(bus)
	bus.Start(context.Background())

	srv := httptest.NewServer(NewRouter(Config{Recorder: rec, Bus: bus, Posts: posts}))
	t.Cleanup(func() {
		bus.Stop()
		srv.Close()
	})
	return &fixture{srv: srv, store: store, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body string, ns *types.Namespace) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if ns != nil {
		req.Header.Set(backend.HeaderAccountID, ns.AccountID)
		req.Header.Set(backend.HeaderProvider, ns.Provider)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

var alice = &types.Namespace{AccountID: "alice", Provider: "google"}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestActivity_RequiresNamespace(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodPost, "/v1/activity", `{"type":"post_like"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "MISSING_NAMESPACE", body["code"])
}

func TestActivity_CollectPageClear(t *testing.T) {
	f := newFixture(t, nil)

	for _, typ := range []string{"post_like", "post_create", "comment_create"} {
		resp := f.do(t, http.MethodPost, "/v1/activity", `{"type":"`+typ+`","data":{"postId":"p1"}}`, alice)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := f.do(t, http.MethodPost, "/v1/activity", `not json`, alice)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/activity?page=0&size=2", "", alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	p, err := backend.DecodePage(b)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total)
	assert.Len(t, p.Items, 2)

	bob := &types.Namespace{AccountID: "alice", Provider: "kakao"}
	resp = f.do(t, http.MethodGet, "/v1/activity", "", bob)
	b, _ = io.ReadAll(resp.Body)
	p, _ = backend.DecodePage(b)
	assert.Zero(t, p.Total, "namespaces are isolated")

	resp = f.do(t, http.MethodGet, "/v1/activity/query?types=post_like,comment_create&limit=1", "", alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var q struct {
		Items      []types.ActivityEntry `json:"items"`
		NextCursor string                `json:"next_cursor"`
		Total      int                   `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&q))
	assert.Equal(t, 2, q.Total)
	assert.Len(t, q.Items, 1)

	resp = f.do(t, http.MethodDelete, "/v1/activity", "", alice)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	pg, _ := f.store.Page(context.Background(), *alice, 0, 10)
	assert.Zero(t, pg.Total)
}

func TestClientAgainstServer(t *testing.T) {
	f := newFixture(t, nil)
	c := backend.New(f.srv.URL)
	ctx := context.Background()

	require.NoError(t, c.Collect(ctx, *alice, "recipe_view", map[string]any{"recipeId": "r1"}))
	p, err := c.ActivityPage(ctx, *alice, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, p.Total)
	assert.Equal(t, "recipe_view", p.Items[0].Type)
	assert.Equal(t, "r1", p.Items[0].Data["recipeId"])

	require.NoError(t, c.SetBookmark(ctx, *alice, "p9", true))
	ids, err := f.store.Bookmarks(ctx, *alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"p9"}, ids)

	resp := f.do(t, http.MethodGet, "/v1/bookmarks", "", alice)
	var bm struct {
		PostIDs []string `json:"post_ids"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&bm))
	assert.Equal(t, []string{"p9"}, bm.PostIDs)

	require.NoError(t, c.SetBookmark(ctx, *alice, "p9", false))
	ids, _ = f.store.Bookmarks(ctx, *alice)
	assert.Empty(t, ids)
}

func TestPopular(t *testing.T) {
	now := time.Now()
	f := newFixture(t, stubPosts{posts: []types.Post{
		{ID: "quiet", CreatedAt: now.Add(-2 * time.Hour), LikeCount: 1},
		{ID: "hot", CreatedAt: now.Add(-2 * time.Hour), LikeCount: 50, CommentCount: 10},
		{ID: "warm", CreatedAt: now.Add(-2 * time.Hour), LikeCount: 10},
	}})

	resp := f.do(t, http.MethodGet, "/v1/posts/popular?n=2", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Posts []types.ScoredPost `json:"posts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Posts, 2)
	assert.Equal(t, "hot", body.Posts[0].Post.ID)
	assert.Equal(t, "warm", body.Posts[1].Post.ID)

	resp = f.do(t, http.MethodGet, "/v1/posts/popular?n=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/posts", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPosts_UpstreamErrors(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/v1/posts/popular", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f = newFixture(t, stubPosts{err: errors.New("down")})
	resp = f.do(t, http.MethodGet, "/v1/posts", "", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestRecovery(t *testing.T) {
	h := Recovery(nopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStream(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/activity/stream?account_id=alice&provider=google"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var hello StreamMessage
	require.NoError(t, wsjson.Read(ctx, conn, &hello))
	assert.Equal(t, "hello", hello.Type)

	other := &types.Namespace{AccountID: "bob", Provider: "google"}
	f.do(t, http.MethodPost, "/v1/activity", `{"type":"post_like"}`, other)
	f.do(t, http.MethodPost, "/v1/activity", `{"type":"post_create"}`, alice)

	var msg struct {
		Type string              `json:"type"`
		Data types.ActivityEntry `json:"data"`
	}
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, "activity", msg.Type)
	assert.Equal(t, "post_create", msg.Data.Type, "other namespaces are filtered out")

	conn.Close(websocket.StatusNormalClosure, "")
}

func nopLogger() *zap.Logger { return zap.NewNop() }
