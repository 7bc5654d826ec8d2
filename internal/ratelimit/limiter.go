// Package ratelimit throttles dispatch per key (usually a page origin).
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/haasonsaas/walletbroker/internal/backoff"
)

// ErrExceedsBurst is returned when a wait can never be satisfied.
var ErrExceedsBurst = errors.New("rate limit burst is zero")

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerSecond is the number of requests allowed per second.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         20,
		Enabled:           true,
	}
}

const (
	defaultMaxKeys = 10000
	defaultIdleTTL = 10 * time.Minute
	pruneEvery     = 512
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter applies a token bucket per key and evicts idle keys.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	clock   clock.Clock
	byKey   map[string]*entry
	hits    uint64
	maxKeys int
	idleTTL time.Duration
}

// NewLimiter creates a keyed limiter. A nil clock uses wall time.
func NewLimiter(config Config, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		config:  withDefaults(config),
		clock:   clk,
		byKey:   make(map[string]*entry),
		maxKeys: defaultMaxKeys,
		idleTTL: defaultIdleTTL,
	}
}

func withDefaults(config Config) Config {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
		if config.BurstSize < 1 {
			config.BurstSize = 1
		}
	}
	return config
}

// Update swaps the limits in place. Existing buckets keep their tokens.
func (l *Limiter) Update(config Config) {
	config = withDefaults(config)
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.config = config
	for _, e := range l.byKey {
		e.limiter.SetLimitAt(now, rate.Limit(config.RequestsPerSecond))
		e.limiter.SetBurstAt(now, config.BurstSize)
	}
}

func (l *Limiter) enabled() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.config.Enabled
}

// Allow reports whether one request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	if !l.enabled() {
		return true
	}
	now := l.clock.Now()
	return l.get(key, now).AllowN(now, 1)
}

// Wait blocks until a request for key may proceed or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if !l.enabled() {
		return ctx.Err()
	}
	now := l.clock.Now()
	reservation := l.get(key, now).ReserveN(now, 1)
	if !reservation.OK() {
		return ErrExceedsBurst
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := backoff.Sleep(ctx, l.clock, delay); err != nil {
		reservation.CancelAt(l.clock.Now())
		return err
	}
	return nil
}

// Reset forgets the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byKey, normalize(key))
}

// Len returns how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *Limiter) get(key string, now time.Time) *rate.Limiter {
	key = normalize(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		if len(l.byKey) >= l.maxKeys {
			l.pruneLocked(now)
		}
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize)}
		l.byKey[key] = e
	}
	e.lastSeen = now

	l.hits++
	if l.hits%pruneEvery == 0 {
		l.pruneLocked(now)
	}
	return e.limiter
}

// pruneLocked drops keys idle longer than idleTTL.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, v := range l.byKey {
		if v.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
