package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/collector"
	"github.com/matthewbaird/recipehub/internal/ranking"
	"github.com/matthewbaird/recipehub/internal/types"
)

// PostSource supplies the upstream post list.
type PostSource interface {
	FetchPosts(ctx context.Context) ([]types.Post, error)
}

// PostsHandler serves post listings, popularity ranking and bookmarks.
type PostsHandler struct {
	posts PostSource
	rec   *collector.Recorder
	log   *zap.Logger
}

// NewPostsHandler creates a PostsHandler. posts may be nil, in which case
// the listing routes answer 503.
func NewPostsHandler(posts PostSource, rec *collector.Recorder, log *zap.Logger) *PostsHandler {
	return &PostsHandler{posts: posts, rec: rec, log: log}
}

// HandleListPosts returns the normalized upstream posts.
// GET /v1/posts
func (h *PostsHandler) HandleListPosts(w http.ResponseWriter, r *http.Request) {
	posts, ok := h.fetch(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": posts, "total": len(posts)})
}

// HandlePopular returns the top-n posts by popularity score, with scores.
// GET /v1/posts/popular?n=
func (h *PostsHandler) HandlePopular(w http.ResponseWriter, r *http.Request) {
	n := 10
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_PARAMS", "n must be a non-negative integer")
			return
		}
		n = min(parsed, 100)
	}
	posts, ok := h.fetch(w, r)
	if !ok {
		return
	}
	scored := ranking.Rank(posts, time.Now())
	if n < len(scored) {
		scored = scored[:n]
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": scored})
}

// HandleSetBookmark records the caller's bookmark on a post.
// PUT /v1/posts/{id}/bookmark
func (h *PostsHandler) HandleSetBookmark(w http.ResponseWriter, r *http.Request) {
	h.setBookmark(w, r, true)
}

// HandleClearBookmark removes the caller's bookmark on a post.
// DELETE /v1/posts/{id}/bookmark
func (h *PostsHandler) HandleClearBookmark(w http.ResponseWriter, r *http.Request) {
	h.setBookmark(w, r, false)
}

// HandleListBookmarks returns the caller's bookmarked post ids.
// GET /v1/bookmarks
func (h *PostsHandler) HandleListBookmarks(w http.ResponseWriter, r *http.Request) {
	ids, err := h.rec.Store().Bookmarks(r.Context(), namespaceFrom(r.Context()))
	if err != nil {
		h.log.Warn("listing bookmarks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED", "listing bookmarks failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"post_ids": ids})
}

func (h *PostsHandler) setBookmark(w http.ResponseWriter, r *http.Request, on bool) {
	postID := chi.URLParam(r, "id")
	if postID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMS", "post id is required")
		return
	}
	if err := h.rec.Store().SetBookmark(r.Context(), namespaceFrom(r.Context()), postID, on); err != nil {
		h.log.Warn("setting bookmark", zap.String("post_id", postID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "WRITE_FAILED", "bookmark update failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PostsHandler) fetch(w http.ResponseWriter, r *http.Request) ([]types.Post, bool) {
	if h.posts == nil {
		writeError(w, http.StatusServiceUnavailable, "NO_UPSTREAM", "no backend configured")
		return nil, false
	}
	posts, err := h.posts.FetchPosts(r.Context())
	if err != nil {
		h.log.Warn("fetching posts", zap.Error(err))
		writeError(w, http.StatusBadGateway, "UPSTREAM_FAILED", "fetching posts failed")
		return nil, false
	}
	return posts, true
}
