package approval

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/protocol"
	"github.com/haasonsaas/walletbroker/internal/router"
	"github.com/haasonsaas/walletbroker/internal/storage"
	"github.com/haasonsaas/walletbroker/internal/supervisor"
)

func TestExpiredRouteWithdrawsManualSurface(t *testing.T) {
	mock := clock.NewMock()
	hub := port.NewHub()
	stores := storage.NewStores(storage.NewMemoryKV(mock), mock)
	chain := newFakeChain()
	chain.balance = big.NewInt(10)
	manual := NewManualPresenter()

	m, err := NewManager(ManagerConfig{Dialer: hub, Stores: stores, Chain: chain, Presenter: manual})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	r, err := router.New(router.Config{
		Listener: hub,
		Stores:   stores,
		Launcher: m,
		RouteTTL: 5 * time.Minute,
		Clock:    mock,
	})
	if err != nil {
		t.Fatalf("router.New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		hub.Close()
	})
	waitUntil(t, func() bool {
		for _, state := range r.ChannelStates() {
			if state != supervisor.StateConnected {
				return false
			}
		}
		return true
	})

	if err := stores.Authorizations.Grant(ctx, testOrigin, testAccount); err != nil {
		t.Fatal(err)
	}
	relay, err := hub.Dial(ctx, protocol.ActionProcess.HandlerChannel())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = relay.Close() })

	frame, err := protocol.Encode(protocol.Forwarded{
		Action: protocol.ActionProcess,
		Request: protocol.Request{
			Method:    "sendTransaction",
			RequestID: "r1",
			Origin:    testOrigin,
			Params:    []byte(`[{"to":"` + testTo + `","value":"1"}]`),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := relay.Send(frame); err != nil {
		t.Fatalf("forward: %v", err)
	}

	var s *Surface
	waitUntil(t, func() bool {
		var ok bool
		s, ok = manual.Get("r1")
		return ok
	})

	mock.Add(5 * time.Minute)

	select {
	case frame := <-relay.Receive():
		resp, err := protocol.Decode[protocol.Response](frame)
		if err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != protocol.CodeUserRejected {
			t.Fatalf("response = %+v, want %s", resp, protocol.CodeUserRejected)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response after route expiry")
	}

	if _, ok := manual.Get("r1"); ok {
		t.Fatal("expired surface still queued")
	}
	if got := s.State(); got != "closed" {
		t.Fatalf("State() = %q, want closed", got)
	}
	if err := s.Approve(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("late Approve() error = %v, want ErrClosed", err)
	}
	if n := chain.submissions(); n != 0 {
		t.Fatalf("chain submissions = %d, want 0", n)
	}
}

func TestAbandonUnknownRequestIsNoop(t *testing.T) {
	manual := NewManualPresenter()
	f := newFixture(t, manual)
	f.manager.Abandon(context.Background(), protocol.LaunchParams{Action: protocol.ActionConnect, Origin: testOrigin, RequestID: "missing"})
	if got := len(manual.Pending()); got != 0 {
		t.Fatalf("Pending() = %d surfaces", got)
	}
}

func TestAbandonAfterDecisionSendsNothing(t *testing.T) {
	manual := NewManualPresenter()
	f := newFixture(t, manual)
	decisions := newSink(t, f.hub, protocol.ActionConnect)
	params := protocol.LaunchParams{Action: protocol.ActionConnect, Origin: testOrigin, RequestID: "r2"}

	if err := f.manager.Open(context.Background(), params); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s, ok := manual.Get("r2")
	if !ok {
		t.Fatal("surface not queued")
	}
	if err := s.Approve(context.Background()); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	next[protocol.ConnectDecision](t, decisions)

	f.manager.Abandon(context.Background(), params)
	decisions.assertSilent(t)
	if err := s.Reject(context.Background()); err == nil {
		t.Fatal("Reject() after Abandon succeeded")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never held")
}
