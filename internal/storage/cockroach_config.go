package storage

import "time"

// CockroachConfig configures connection pooling for CockroachDB and Postgres.
type CockroachConfig struct {
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns default connection pool settings.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		Table:           "walletbroker_kv",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}
