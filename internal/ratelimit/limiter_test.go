package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestLimiter_AllowBurstThenRefill(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewLimiter(Config{RequestsPerSecond: 10, BurstSize: 5, Enabled: true}, clk)

	for i := 0; i < 5; i++ {
		if !limiter.Allow("https://dapp.example") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if limiter.Allow("https://dapp.example") {
		t.Fatal("request after burst should be denied")
	}

	clk.Add(100 * time.Millisecond)
	if !limiter.Allow("https://dapp.example") {
		t.Fatal("request after refill should be allowed")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true}, clock.NewMock())

	if !limiter.Allow("https://a.example") {
		t.Fatal("first key should be allowed")
	}
	if !limiter.Allow("https://b.example") {
		t.Fatal("second key should have its own bucket")
	}
	if limiter.Allow(" HTTPS://A.example ") {
		t.Fatal("keys should be normalized before lookup")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: false}, clock.NewMock())
	for i := 0; i < 100; i++ {
		if !limiter.Allow("k") {
			t.Fatalf("disabled limiter denied request %d", i)
		}
	}
	if err := limiter.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("Wait() on disabled limiter error = %v", err)
	}
	if limiter.Len() != 0 {
		t.Fatalf("disabled limiter tracked %d keys", limiter.Len())
	}
}

func TestLimiter_WaitBlocksUntilRefill(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true}, clk)

	if err := limiter.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- limiter.Wait(context.Background(), "k") }()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
			if clk.Now().Before(time.Unix(0, 0).Add(time.Second)) {
				t.Fatalf("Wait() returned before a token was available at %v", clk.Now())
			}
			return
		case <-deadline:
			t.Fatal("Wait() never returned")
		default:
			clk.Add(250 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestLimiter_WaitCanceledReturnsToken(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true}, clk)

	if !limiter.Allow("k") {
		t.Fatal("first request should be allowed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := limiter.Wait(ctx, "k"); err == nil {
		t.Fatal("Wait() with canceled context should fail")
	}

	clk.Add(time.Second)
	if !limiter.Allow("k") {
		t.Fatal("canceled reservation should not hold the refilled token")
	}
}

func TestLimiter_PrunesIdleKeys(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true}, clk)
	limiter.maxKeys = 3

	for i := 0; i < 3; i++ {
		limiter.Allow(fmt.Sprintf("idle-%d", i))
	}
	clk.Add(defaultIdleTTL + time.Second)
	limiter.Allow("fresh")

	if got := limiter.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 after pruning", got)
	}

	limiter.Reset("fresh")
	if got := limiter.Len(); got != 0 {
		t.Fatalf("Len() = %d after Reset", got)
	}
}

func TestNewLimiterDefaults(t *testing.T) {
	limiter := NewLimiter(Config{Enabled: true}, nil)
	if limiter.config.RequestsPerSecond != 10 || limiter.config.BurstSize != 20 {
		t.Fatalf("defaults = %+v", limiter.config)
	}
}

func TestLimiter_UpdateAppliesToExistingBuckets(t *testing.T) {
	clk := clock.NewMock()
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true}, clk)

	if !limiter.Allow("k") {
		t.Fatal("first request should be allowed")
	}
	if limiter.Allow("k") {
		t.Fatal("second request should be denied")
	}

	limiter.Update(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: false})
	if !limiter.Allow("k") {
		t.Fatal("disabled limiter should allow")
	}

	limiter.Update(Config{RequestsPerSecond: 1, BurstSize: 3, Enabled: true})
	clk.Add(3 * time.Second)
	for i := 0; i < 3; i++ {
		if !limiter.Allow("k") {
			t.Fatalf("request %d should fit the raised burst", i)
		}
	}
	if limiter.Allow("k") {
		t.Fatal("request past the raised burst should be denied")
	}
}
