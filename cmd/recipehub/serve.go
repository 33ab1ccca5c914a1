package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matthewbaird/recipehub/internal/backend"
	"github.com/matthewbaird/recipehub/internal/collector"
	"github.com/matthewbaird/recipehub/internal/eventbus"
	"github.com/matthewbaird/recipehub/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the activity collector HTTP service",
	Long: `Serves the activity collector, bookmark and popular-post endpoints.
Activity is stored in Postgres when DATABASE_URL is set, in memory otherwise.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openCollectorStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	bus := eventbus.New(256, logger)
	bus.Subscribe("log", eventbus.NewLogConsumer(logger))
	rec := collector.NewRecorder(store)
	rec.SetPublisher(bus)

	var posts server.PostSource
	if cfg.BackendURL != "" {
		posts = backend.New(cfg.BackendURL, backend.WithLogger(logger))
	} else {
		logger.Warn("no backend_url configured; post routes will answer 503")
	}

	g, gctx := errgroup.WithContext(ctx)
	bus.Start(gctx)
	g.Go(func() error {
		return server.Run(gctx, server.Config{
			Addr:     cfg.Addr,
			Recorder: rec,
			Bus:      bus,
			Posts:    posts,
			Logger:   logger,
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		bus.Stop()
		return nil
	})
	return g.Wait()
}

func openCollectorStore(ctx context.Context) (collector.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("using in-memory collector store")
		return collector.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	store := collector.NewPostgresStore(pool)
	if err := store.EnsureTable(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("using postgres collector store", zap.String("host", pool.Config().ConnConfig.Host))
	return store, pool.Close, nil
}
