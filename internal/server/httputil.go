package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/backend"
	"github.com/matthewbaird/recipehub/internal/types"
)

// writeJSON marshals v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("writeJSON encode error", zap.Error(err))
	}
}

// writeError writes a structured JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

// decodeJSON decodes the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

// parsePage extracts the zero-based page and size query parameters.
func parsePage(r *http.Request) (page, size int) {
	page, size = 0, 20
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			page = n
		}
	}
	if v := r.URL.Query().Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			size = n
		}
	}
	if size > 100 {
		size = 100
	}
	return page, size
}

type nsKey struct{}

// requireNamespace reads the caller's namespace from the X-Account-ID and
// X-Auth-Provider headers. Query parameters account_id and provider are
// accepted as a fallback for websocket clients that cannot set headers.
func requireNamespace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ns := types.Namespace{
			AccountID: r.Header.Get(backend.HeaderAccountID),
			Provider:  r.Header.Get(backend.HeaderProvider),
		}
		if !ns.Valid() {
			q := r.URL.Query()
			ns = types.Namespace{AccountID: q.Get("account_id"), Provider: q.Get("provider")}
		}
		if !ns.Valid() {
			writeError(w, http.StatusUnauthorized, "MISSING_NAMESPACE",
				backend.HeaderAccountID+" and "+backend.HeaderProvider+" headers are required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), nsKey{}, ns)))
	})
}

// namespaceFrom returns the namespace stored by requireNamespace.
func namespaceFrom(ctx context.Context) types.Namespace {
	ns, _ := ctx.Value(nsKey{}).(types.Namespace)
	return ns
}
