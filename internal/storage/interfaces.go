// Package storage persists broker state as namespaced key-value records.
// Namespaces never share keys, so unrelated writers do not conflict; writes
// within a namespace are last-writer-wins.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

var ErrNotFound = errors.New("not found")

const (
	NamespaceAuthorization = "authorization"
	NamespacePending       = "pending"
	NamespaceActivity      = "activity"
)

// Entry is one stored record.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// KV is the persistence primitive every store builds on.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	// Take reads and deletes key in one step. Exactly one concurrent caller
	// receives the value; the rest get ErrNotFound.
	Take(ctx context.Context, namespace, key string) ([]byte, error)
	// List returns entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, namespace, prefix string) ([]Entry, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Driver is memory, sqlite, sqlite3 (cgo), cockroach or postgres.
	Driver string
	// DSN is a file path for sqlite or a connection string for cockroach/postgres.
	DSN   string
	Pool  *CockroachConfig
	Clock clock.Clock
}

// Open creates the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemoryKV(cfg.Clock), nil
	case DriverSQLite:
		return NewSQLiteKV(ctx, cfg.DSN, cfg.Clock)
	case DriverSQLiteCGO:
		return NewSQLiteKVWithDriver(ctx, DriverSQLiteCGO, cfg.DSN, cfg.Clock)
	case "cockroach", "postgres":
		return NewCockroachKVFromDSN(ctx, cfg.DSN, cfg.Pool, cfg.Clock)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
