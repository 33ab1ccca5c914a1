package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/matthewbaird/recipehub/internal/backend"
	"github.com/matthewbaird/recipehub/internal/eventbus"
	"github.com/matthewbaird/recipehub/internal/identity"
	"github.com/matthewbaird/recipehub/internal/kv"
	"github.com/matthewbaird/recipehub/internal/ledger"
)

// app bundles the local client components for one command invocation.
type app struct {
	store    kv.Store
	sessions *identity.SessionStore
	ledger   *ledger.Ledger
	bus      *eventbus.Bus
	remote   *backend.Client // nil without backend_url
	closers  []func() error
}

func openApp(ctx context.Context) (*app, error) {
	store, closeStore, err := openKV(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{
		store:    store,
		sessions: identity.NewSessionStore(store),
		bus:      eventbus.New(64, logger),
	}
	a.bus.Subscribe("log", eventbus.NewLogConsumer(logger))
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}

	opts := []ledger.Option{
		ledger.WithBus(a.bus),
		ledger.WithLogger(logger),
		ledger.WithLimits(cfg.Limits()),
		ledger.WithLocation(cfg.Location()),
	}
	if len(cfg.Ledger.StreakTypes) > 0 {
		opts = append(opts, ledger.WithStreakTypes(cfg.Ledger.StreakTypes))
	}
	if cfg.BackendURL != "" {
		a.remote = backend.New(cfg.BackendURL, backend.WithLogger(logger))
		opts = append(opts, ledger.WithRemote(a.remote))
	}
	a.ledger = ledger.New(store, a.sessions, opts...)
	a.bus.Start(ctx)
	a.ledger.Start(ctx)
	return a, nil
}

// Close flushes pending remote forwards, drains the bus and releases
// storage.
func (a *app) Close() {
	a.ledger.Stop()
	a.bus.Stop()
	for _, c := range a.closers {
		if err := c(); err != nil {
			logger.Debug("closing app", zap.Error(err))
		}
	}
}

func openKV(ctx context.Context) (kv.Store, func() error, error) {
	switch cfg.Storage {
	case "memory":
		return kv.NewMemoryStore(cfg.Quota), nil, nil
	case "dir":
		s, err := kv.NewDirStore(filepath.Join(cfg.DataDir, "kv"), cfg.Quota, logger)
		return s, nil, err
	case "sqlite":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating data dir: %w", err)
		}
		dsn := "file:" + filepath.Join(cfg.DataDir, "recipehub.db") + "?_pragma=busy_timeout(5000)"
		s, err := kv.OpenSQLiteStore(ctx, dsn, cfg.Quota)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage %q", cfg.Storage)
	}
}
