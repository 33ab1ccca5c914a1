package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/collector"
	"github.com/matthewbaird/recipehub/internal/types"
)

// ActivityHandler implements the activity collector endpoints.
type ActivityHandler struct {
	rec *collector.Recorder
	log *zap.Logger
}

// NewActivityHandler creates a new ActivityHandler.
func NewActivityHandler(rec *collector.Recorder, log *zap.Logger) *ActivityHandler {
	return &ActivityHandler{rec: rec, log: log}
}

type collectRequest struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// HandleCollect stores one forwarded activity.
// POST /v1/activity
func (h *ActivityHandler) HandleCollect(w http.ResponseWriter, r *http.Request) {
	var req collectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Invalid request body")
		return
	}
	entry, err := h.rec.Record(r.Context(), namespaceFrom(r.Context()), req.Type, req.Data)
	if err != nil {
		h.log.Warn("recording activity", zap.String("type", req.Type), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "WRITE_FAILED", "recording activity failed")
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// HandlePage returns one page of the caller's activity.
// GET /v1/activity?page=&size=
func (h *ActivityHandler) HandlePage(w http.ResponseWriter, r *http.Request) {
	page, size := parsePage(r)
	p, err := h.rec.Store().Page(r.Context(), namespaceFrom(r.Context()), page, size)
	if err != nil {
		h.log.Warn("paging activity", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED", "listing activity failed")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleQuery returns filtered activity with cursor pagination.
// GET /v1/activity/query?types=&since=&until=&limit=&cursor=
func (h *ActivityHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := collector.DefaultQueryOptions()
	if s := q.Get("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			opts.Since = &t
		}
	}
	if u := q.Get("until"); u != "" {
		if t, err := time.Parse(time.RFC3339, u); err == nil {
			opts.Until = &t
		}
	}
	if t := q.Get("types"); t != "" {
		opts.Types = strings.Split(t, ",")
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			opts.Limit = min(n, 500)
		}
	}
	opts.Cursor = q.Get("cursor")

	entries, nextCursor, total, err := h.rec.Store().Query(r.Context(), namespaceFrom(r.Context()), opts)
	if err != nil {
		h.log.Warn("querying activity", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED", "querying activity failed")
		return
	}
	if entries == nil {
		entries = []types.ActivityEntry{}
	}
	writeJSON(w, http.StatusOK, struct {
		Items      []types.ActivityEntry `json:"items"`
		NextCursor string                `json:"next_cursor,omitempty"`
		Total      int                   `json:"total"`
	}{entries, nextCursor, total})
}

// HandleClear deletes the caller's activity.
// DELETE /v1/activity
func (h *ActivityHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.rec.Store().Clear(r.Context(), namespaceFrom(r.Context())); err != nil {
		h.log.Warn("clearing activity", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "WRITE_FAILED", "clearing activity failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
