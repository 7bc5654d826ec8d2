package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/haasonsaas/walletbroker/internal/protocol"
)

func newTestStores() (*Stores, *clock.Mock) {
	clk := clock.NewMock()
	return NewStores(NewMemoryKV(clk), clk), clk
}

func TestAuthorizationStoreLifecycle(t *testing.T) {
	stores, _ := newTestStores()
	ctx := context.Background()
	auths := stores.Authorizations

	if _, ok, err := auths.Lookup(ctx, "https://dapp.example"); err != nil || ok {
		t.Fatalf("Lookup() on empty store = %v, %v", ok, err)
	}
	if err := auths.Grant(ctx, "https://dapp.example", "0xABC"); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	if err := auths.Grant(ctx, "https://other.example", "0xABC"); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	account, ok, err := auths.Lookup(ctx, "https://dapp.example")
	if err != nil || !ok || account != "0xABC" {
		t.Fatalf("Lookup() = %q, %v, %v", account, ok, err)
	}

	list, err := auths.List(ctx)
	if err != nil || len(list) != 2 || list[0].Origin != "https://dapp.example" {
		t.Fatalf("List() = %+v, %v", list, err)
	}

	if err := auths.Revoke(ctx, "https://dapp.example"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if err := auths.Revoke(ctx, "https://dapp.example"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Revoke() error = %v, want ErrNotFound", err)
	}
	n, err := auths.RevokeAll(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RevokeAll() = %d, %v", n, err)
	}
	if list, _ := auths.List(ctx); len(list) != 0 {
		t.Fatalf("List() after RevokeAll = %+v", list)
	}

	if err := auths.Grant(ctx, "", "0xABC"); err == nil {
		t.Fatal("Grant() without origin should fail")
	}
}

func TestPendingStoreTakeOnce(t *testing.T) {
	stores, _ := newTestStores()
	ctx := context.Background()
	data := "0x01"
	tx := protocol.PendingTransaction{To: "0x00000000000000000000000000000000000000aa", Value: "1", Tokens: []protocol.Token{}, Data: &data}

	if err := stores.Pending.Put(ctx, "r1", tx); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := stores.Pending.Take(ctx, "r1")
	if err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	if got.To != tx.To || got.Value != "1" || got.Data == nil || *got.Data != data {
		t.Fatalf("Take() = %+v", got)
	}
	if _, err := stores.Pending.Take(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Take() error = %v, want ErrNotFound", err)
	}
}

func TestPendingStoreExpire(t *testing.T) {
	stores, clk := newTestStores()
	ctx := context.Background()
	tx := protocol.PendingTransaction{To: "0x00000000000000000000000000000000000000aa", Value: "1"}

	if err := stores.Pending.Put(ctx, "old", tx); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	clk.Add(10 * time.Minute)
	if err := stores.Pending.Put(ctx, "fresh", tx); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	clk.Add(time.Minute)

	expired, err := stores.Pending.Expire(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	if len(expired) != 1 || expired[0] != "old" {
		t.Fatalf("Expire() = %v, want [old]", expired)
	}
	if _, err := stores.Pending.Take(ctx, "fresh"); err != nil {
		t.Fatalf("fresh payload should survive: %v", err)
	}
}

func TestActivityLogAppendOrder(t *testing.T) {
	stores, clk := newTestStores()
	ctx := context.Background()

	for i, hash := range []string{"0x1", "0x2", "0x3"} {
		clk.Add(time.Second)
		err := stores.Activity.Append(ctx, "0xABC", Activity{
			ActivityType: ActivitySend,
			TxHash:       hash,
			Success:      i != 1,
			Amount:       "1",
		})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := stores.Activity.Append(ctx, "0xDEF", Activity{ActivityType: ActivityTopUp, TxHash: "0x9"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	history, err := stores.Activity.List(ctx, "0xABC")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(history))
	}
	if history[0].TxHash != "0x1" || history[2].TxHash != "0x3" || history[1].Success {
		t.Fatalf("List() = %+v", history)
	}
	if err := stores.Activity.Append(ctx, "", Activity{}); err == nil {
		t.Fatal("Append() without account should fail")
	}
}
