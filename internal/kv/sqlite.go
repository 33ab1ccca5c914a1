package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	_ "modernc.org/sqlite"
)

const kvTable = "kv_entries"

// SQLiteStore implements Store on a single SQLite table. It has no
// external-change notification; use DirStore when several processes need
// to observe each other's writes.
type SQLiteStore struct {
	db    *sql.DB
	quota int
	mu    sync.Mutex
}

// OpenSQLiteStore opens (creating if needed) the database at dsn.
// Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(ctx context.Context, dsn string, quota int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: opening sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serialises writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, quota: quota}
	if err := s.CreateTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var _ Store = (*SQLiteStore)(nil)

// CreateTable creates the kv_entries table if it does not exist.
func (s *SQLiteStore) CreateTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv_entries (
			name TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("kv: creating table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.SQLite)
}

func (s *SQLiteStore) Get(key string) (string, bool, error) {
	query, args := builder().
		Select("data").
		From(entsql.Table(kvTable)).
		Where(entsql.EQ("name", key)).
		Query()

	var value string
	err := s.db.QueryRowContext(context.Background(), query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := context.Background()

	if s.quota > 0 {
		total, err := s.total(ctx)
		if err != nil {
			return err
		}
		oldSize := 0
		if old, ok, err := s.Get(key); err != nil {
			return err
		} else if ok {
			oldSize = usage(key, old)
		}
		if err := checkQuota(s.quota, total, oldSize, key, value); err != nil {
			return err
		}
	}

	query, args := builder().
		Insert(kvTable).
		Columns("name", "data").
		Values(key, value).
		OnConflict(entsql.ConflictColumns("name"), entsql.ResolveWithNewValues()).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	query, args := builder().
		Delete(kvTable).
		Where(entsql.EQ("name", key)).
		Query()
	if _, err := s.db.ExecContext(context.Background(), query, args...); err != nil {
		return fmt.Errorf("kv: remove %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Keys() ([]string, error) {
	query, args := builder().
		Select("name").
		From(entsql.Table(kvTable)).
		OrderBy("name").
		Query()
	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv: listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kv: scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) total(ctx context.Context) (int, error) {
	query, args := builder().
		Select("COALESCE(SUM(LENGTH(CAST(name AS BLOB)) + LENGTH(CAST(data AS BLOB))), 0)").
		From(entsql.Table(kvTable)).
		Query()
	var total int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("kv: measuring usage: %w", err)
	}
	return total, nil
}
