package backoff

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Sleep waits for d on clk, returning ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if clk == nil {
		clk = clock.New()
	}

	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
