package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matthewbaird/recipehub/internal/types"
)

// Store is the interface for reading and writing collected activity.
// Entries are keyed by (namespace, id); writing an id twice is a no-op.
type Store interface {
	Write(ctx context.Context, ns types.Namespace, entries ...types.ActivityEntry) error

	// Page returns the zero-based page, newest first, with the namespace total.
	Page(ctx context.Context, ns types.Namespace, page, size int) (types.Page, error)

	// Query returns filtered entries, newest first, with a cursor for the next page.
	Query(ctx context.Context, ns types.Namespace, opts QueryOptions) (entries []types.ActivityEntry, nextCursor string, totalCount int, err error)

	Clear(ctx context.Context, ns types.Namespace) error

	SetBookmark(ctx context.Context, ns types.Namespace, postID string, on bool) error
	Bookmarks(ctx context.Context, ns types.Namespace) ([]string, error)
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// EnsureTable creates the collector tables if they don't exist.
func (s *PostgresStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS activity_entries (
			provider   TEXT NOT NULL,
			account_id TEXT NOT NULL,
			id         TEXT NOT NULL,
			type       TEXT NOT NULL,
			ts         BIGINT NOT NULL,
			data       JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (provider, account_id, id)
		)`)
	if err != nil {
		return fmt.Errorf("creating activity_entries: %w", err)
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_activity_ns_ts ON activity_entries (provider, account_id, ts DESC)`)
	if err != nil {
		return fmt.Errorf("creating activity index: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bookmarks (
			provider   TEXT NOT NULL,
			account_id TEXT NOT NULL,
			post_id    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (provider, account_id, post_id)
		)`)
	if err != nil {
		return fmt.Errorf("creating bookmarks: %w", err)
	}
	return nil
}

// Write inserts entries, ignoring ids already stored.
func (s *PostgresStore) Write(ctx context.Context, ns types.Namespace, entries ...types.ActivityEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO activity_entries (provider, account_id, id, type, ts, data) VALUES `)
	args := make([]any, 0, len(entries)*6)
	for i, e := range entries {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * 6
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6)

		data := e.Data
		if data == nil {
			data = map[string]any{}
		}
		dataJSON, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding entry %s: %w", e.ID, err)
		}
		args = append(args, ns.Provider, ns.AccountID, e.ID, e.Type, e.TS, dataJSON)
	}
	b.WriteString(" ON CONFLICT DO NOTHING")

	if _, err := s.pool.Exec(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("writing activity entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) Page(ctx context.Context, ns types.Namespace, page, size int) (types.Page, error) {
	page, size = clampPage(page, size)
	entries, err := s.scan(ctx, `
		SELECT id, type, ts, data FROM activity_entries
		WHERE provider = $1 AND account_id = $2
		ORDER BY ts DESC, id DESC
		LIMIT $3 OFFSET $4`,
		ns.Provider, ns.AccountID, size, page*size)
	if err != nil {
		return types.Page{}, err
	}

	var total int
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM activity_entries WHERE provider = $1 AND account_id = $2`,
		ns.Provider, ns.AccountID).Scan(&total)
	if err != nil {
		return types.Page{}, fmt.Errorf("counting activity entries: %w", err)
	}
	return types.Page{Items: entries, Total: total}, nil
}

func (s *PostgresStore) Query(ctx context.Context, ns types.Namespace, opts QueryOptions) ([]types.ActivityEntry, string, int, error) {
	limit := opts.limit()

	conditions := []string{"provider = $1", "account_id = $2"}
	args := []any{ns.Provider, ns.AccountID}
	argN := 3

	if len(opts.Types) > 0 {
		conditions = append(conditions, fmt.Sprintf("type = ANY($%d)", argN))
		args = append(args, opts.Types)
		argN++
	}
	if opts.Since != nil {
		conditions = append(conditions, fmt.Sprintf("ts >= $%d", argN))
		args = append(args, opts.Since.UnixMilli())
		argN++
	}
	if opts.Until != nil {
		conditions = append(conditions, fmt.Sprintf("ts <= $%d", argN))
		args = append(args, opts.Until.UnixMilli())
		argN++
	}

	// Total ignores the cursor.
	where := strings.Join(conditions, " AND ")
	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM activity_entries WHERE "+where, args...).Scan(&total); err != nil {
		return nil, "", 0, fmt.Errorf("counting activity entries: %w", err)
	}

	if cur, ok := parseCursor(opts.Cursor); ok {
		conditions = append(conditions, fmt.Sprintf("(ts, id) < ($%d, $%d)", argN, argN+1))
		args = append(args, cur.ts, cur.id)
		argN += 2
	}
	where = strings.Join(conditions, " AND ")
	query := fmt.Sprintf(`SELECT id, type, ts, data FROM activity_entries
		WHERE %s
		ORDER BY ts DESC, id DESC
		LIMIT $%d`, where, argN)
	args = append(args, limit+1) // fetch one extra for cursor

	entries, err := s.scan(ctx, query, args...)
	if err != nil {
		return nil, "", 0, err
	}
	var nextCursor string
	if len(entries) > limit {
		entries = entries[:limit]
		nextCursor = cursorOf(entries[len(entries)-1])
	}
	return entries, nextCursor, total, nil
}

func (s *PostgresStore) Clear(ctx context.Context, ns types.Namespace) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM activity_entries WHERE provider = $1 AND account_id = $2`, ns.Provider, ns.AccountID)
	if err != nil {
		return fmt.Errorf("clearing activity entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetBookmark(ctx context.Context, ns types.Namespace, postID string, on bool) error {
	var err error
	if on {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO bookmarks (provider, account_id, post_id) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`, ns.Provider, ns.AccountID, postID)
	} else {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM bookmarks WHERE provider = $1 AND account_id = $2 AND post_id = $3`,
			ns.Provider, ns.AccountID, postID)
	}
	if err != nil {
		return fmt.Errorf("set bookmark %s: %w", postID, err)
	}
	return nil
}

func (s *PostgresStore) Bookmarks(ctx context.Context, ns types.Namespace) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT post_id FROM bookmarks
		WHERE provider = $1 AND account_id = $2
		ORDER BY created_at DESC, post_id`, ns.Provider, ns.AccountID)
	if err != nil {
		return nil, fmt.Errorf("listing bookmarks: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning bookmark: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) scan(ctx context.Context, query string, args ...any) ([]types.ActivityEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity entries: %w", err)
	}
	defer rows.Close()

	entries := []types.ActivityEntry{}
	for rows.Next() {
		var e types.ActivityEntry
		var dataJSON []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.TS, &dataJSON); err != nil {
			return nil, fmt.Errorf("scanning activity entry: %w", err)
		}
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		if e.Data == nil {
			e.Data = map[string]any{}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
