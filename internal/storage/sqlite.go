package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver, registered as "sqlite3"
	_ "modernc.org/sqlite"          // Pure-Go SQLite driver, registered as "sqlite"
)

const (
	DriverSQLite    = "sqlite"
	DriverSQLiteCGO = "sqlite3"
)

// SQLiteKV persists records in a single SQLite table.
type SQLiteKV struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteKV opens (and migrates) the database at path with the pure-Go
// driver. An empty path uses an in-memory database.
func NewSQLiteKV(ctx context.Context, path string, clk clock.Clock) (*SQLiteKV, error) {
	return NewSQLiteKVWithDriver(ctx, DriverSQLite, path, clk)
}

// NewSQLiteKVWithDriver is NewSQLiteKV for a specific database/sql driver
// name. DriverSQLiteCGO only works in cgo builds.
func NewSQLiteKVWithDriver(ctx context.Context, driver, path string, clk clock.Clock) (*SQLiteKV, error) {
	if path == "" {
		path = ":memory:"
	}
	if clk == nil {
		clk = clock.New()
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteKV{db: db, clock: clk}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteKV) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create kv table: %w", err)
	}
	return nil
}

func (s *SQLiteKV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

func (s *SQLiteKV) Set(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, s.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *SQLiteKV) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *SQLiteKV) Take(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM kv WHERE namespace = ? AND key = ? RETURNING value`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

func (s *SQLiteKV) List(ctx context.Context, namespace, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM kv
		 WHERE namespace = ? AND substr(key, 1, length(?)) = ?
		 ORDER BY key`, namespace, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var updated int64
		if err := rows.Scan(&entry.Key, &entry.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		entry.UpdatedAt = time.Unix(0, updated)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
