// Package server assembles the collector HTTP handlers and runs the server.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/collector"
	"github.com/matthewbaird/recipehub/internal/eventbus"
)

// Config holds server configuration.
type Config struct {
	Addr     string
	Recorder *collector.Recorder
	Bus      *eventbus.Bus
	Posts    PostSource // optional
	Logger   *zap.Logger
}

// NewRouter registers all routes.
func NewRouter(cfg Config) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(Recovery(log))
	r.Use(Logging(log))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	ph := NewPostsHandler(cfg.Posts, cfg.Recorder, log)
	ah := NewActivityHandler(cfg.Recorder, log)
	sh := NewStreamHandler(cfg.Bus, log)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/posts", ph.HandleListPosts)
		r.Get("/posts/popular", ph.HandlePopular)

		r.Group(func(r chi.Router) {
			r.Use(requireNamespace)
			r.Put("/posts/{id}/bookmark", ph.HandleSetBookmark)
			r.Delete("/posts/{id}/bookmark", ph.HandleClearBookmark)
			r.Get("/bookmarks", ph.HandleListBookmarks)

			r.Post("/activity", ah.HandleCollect)
			r.Get("/activity", ah.HandlePage)
			r.Delete("/activity", ah.HandleClear)
			r.Get("/activity/query", ah.HandleQuery)
			r.Get("/activity/stream", sh.ServeHTTP)
		})
	})
	return r
}

// Run starts the HTTP server and shuts it down gracefully when ctx is done.
func Run(ctx context.Context, cfg Config) error {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", zap.Error(err))
		}
	}()

	log.Info("starting server", zap.String("addr", cfg.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
