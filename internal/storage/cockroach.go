package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lib/pq"
)

// CockroachKV persists records in a Postgres-compatible database.
type CockroachKV struct {
	db    *sql.DB
	table string
	clock clock.Clock
}

// NewCockroachKVFromDSN connects, pings and migrates.
func NewCockroachKVFromDSN(ctx context.Context, dsn string, config *CockroachConfig, clk clock.Clock) (*CockroachKV, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	kv := newCockroachKV(db, config.Table, clk)
	if err := kv.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return kv, nil
}

func newCockroachKV(db *sql.DB, table string, clk clock.Clock) *CockroachKV {
	if table == "" {
		table = DefaultCockroachConfig().Table
	}
	if clk == nil {
		clk = clock.New()
	}
	return &CockroachKV{db: db, table: pq.QuoteIdentifier(table), clock: clk}
}

func (s *CockroachKV) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+s.table+` (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BYTEA NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (namespace, key)
	)`)
	if err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}
	return nil
}

func (s *CockroachKV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM `+s.table+` WHERE namespace = $1 AND key = $2`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, describe(err))
	}
	return value, nil
}

func (s *CockroachKV) Set(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (namespace, key, value, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		namespace, key, value, s.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, describe(err))
	}
	return nil
}

func (s *CockroachKV) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.table+` WHERE namespace = $1 AND key = $2`, namespace, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, describe(err))
	}
	return nil
}

func (s *CockroachKV) Take(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM `+s.table+` WHERE namespace = $1 AND key = $2 RETURNING value`, namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take %s/%s: %w", namespace, key, describe(err))
	}
	return value, nil
}

func (s *CockroachKV) List(ctx context.Context, namespace, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM `+s.table+`
		 WHERE namespace = $1 AND substr(key, 1, length($2::text)) = $2::text
		 ORDER BY key`, namespace, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, describe(err))
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

func (s *CockroachKV) Close() error {
	return s.db.Close()
}

// describe adds the server's error code to driver errors.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%w (code %s)", err, pqErr.Code)
	}
	return err
}
