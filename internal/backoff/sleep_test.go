package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestSleepCompletesOnVirtualClock(t *testing.T) {
	mock := clock.NewMock()
	done := make(chan error, 1)
	go func() {
		done <- Sleep(context.Background(), mock, 5*time.Second)
	}()

	for i := 0; i < 100; i++ {
		mock.Add(time.Second)
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Sleep() error = %v", err)
			}
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
	t.Fatal("Sleep never returned")
}

func TestSleepNonPositiveDuration(t *testing.T) {
	if err := Sleep(context.Background(), clock.NewMock(), 0); err != nil {
		t.Errorf("Sleep(0) = %v", err)
	}
	if err := Sleep(context.Background(), clock.NewMock(), -time.Second); err != nil {
		t.Errorf("Sleep(-1s) = %v", err)
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Sleep(ctx, clock.NewMock(), time.Hour)
	}()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Sleep() = %v, want context.Canceled", err)
	}
}
