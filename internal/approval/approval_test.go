package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/protocol"
	"github.com/haasonsaas/walletbroker/internal/storage"
)

const (
	testOrigin  = "https://dapp.example"
	testAccount = "0x00000000000000000000000000000000000000ac"
	testTo      = "0x00000000000000000000000000000000000000aa"
	testToken   = "0x00000000000000000000000000000000000000a1"
)

type fakeChain struct {
	mu        sync.Mutex
	balance   *big.Int
	tokens    map[string]*big.Int
	submitErr error
	submitted []protocol.PendingTransaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{balance: big.NewInt(0), tokens: make(map[string]*big.Int)}
}

func (c *fakeChain) Account() string { return testAccount }

func (c *fakeChain) BalanceAt(context.Context, string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

func (c *fakeChain) TokenBalance(_ context.Context, _ string, token string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if held, ok := c.tokens[token]; ok {
		return new(big.Int).Set(held), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) Submit(_ context.Context, tx protocol.PendingTransaction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return "", c.submitErr
	}
	c.submitted = append(c.submitted, tx)
	return "0xreceipt", nil
}

func (c *fakeChain) setSubmitErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

func (c *fakeChain) submissions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.submitted)
}

// sink plays the router's decision listener.
type sink struct {
	frames chan []byte
}

func newSink(t *testing.T, hub *port.Hub, action protocol.Action) *sink {
	t.Helper()
	l, err := hub.Listen(action.DecisionChannel())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &sink{frames: make(chan []byte, 16)}
	go func() {
		for {
			p, err := l.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				_ = port.Consume(ctx, p, func(frame []byte) { s.frames <- frame })
			}()
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = l.Close()
	})
	return s
}

func next[T any](t *testing.T, s *sink) T {
	t.Helper()
	select {
	case frame := <-s.frames:
		v, err := protocol.Decode[T](frame)
		if err != nil {
			t.Fatalf("decode decision: %v", err)
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no decision posted")
		var zero T
		return zero
	}
}

func (s *sink) assertSilent(t *testing.T) {
	t.Helper()
	select {
	case frame := <-s.frames:
		t.Fatalf("unexpected decision: %s", frame)
	case <-time.After(30 * time.Millisecond):
	}
}

type fixture struct {
	hub     *port.Hub
	stores  *storage.Stores
	chain   *fakeChain
	manager *Manager
}

func newFixture(t *testing.T, presenter Presenter) *fixture {
	t.Helper()
	hub := port.NewHub()
	stores := storage.NewStores(storage.NewMemoryKV(nil), nil)
	chain := newFakeChain()
	m, err := NewManager(ManagerConfig{Dialer: hub, Stores: stores, Chain: chain, Presenter: presenter})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return &fixture{hub: hub, stores: stores, chain: chain, manager: m}
}

func (f *fixture) pending(t *testing.T, requestID string, tx protocol.PendingTransaction) *Surface {
	t.Helper()
	ctx := context.Background()
	if err := f.stores.Pending.Put(ctx, requestID, tx); err != nil {
		t.Fatal(err)
	}
	s, err := f.manager.Surface(ctx, protocol.LaunchParams{Action: protocol.ActionProcess, Origin: testOrigin, RequestID: requestID}.URL())
	if err != nil {
		t.Fatalf("Surface() error = %v", err)
	}
	return s
}

func TestNewManagerValidates(t *testing.T) {
	hub := port.NewHub()
	stores := storage.NewStores(storage.NewMemoryKV(nil), nil)
	presenter := NewManualPresenter()
	tests := []struct {
		name string
		cfg  ManagerConfig
	}{
		{"no dialer", ManagerConfig{Stores: stores, Presenter: presenter}},
		{"no stores", ManagerConfig{Dialer: hub, Presenter: presenter}},
		{"no presenter", ManagerConfig{Dialer: hub, Stores: stores}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewManager(tt.cfg); err == nil {
				t.Fatal("NewManager() should fail")
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"approve", PolicyApprove, false},
		{"auto-approve", PolicyApprove, false},
		{"auto-reject", PolicyReject, false},
		{"manual", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestAutoApproveConnect(t *testing.T) {
	presenter := &AutoPresenter{Policy: PolicyApprove}
	f := newFixture(t, presenter)
	decisions := newSink(t, f.hub, protocol.ActionConnect)

	params := protocol.LaunchParams{Action: protocol.ActionConnect, Origin: testOrigin, RequestID: "r1"}
	if err := f.manager.Open(context.Background(), params); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	d := next[protocol.ConnectDecision](t, decisions)
	if d.RequestID != "r1" || d.Origin != testOrigin || d.ApprovedAccount != testAccount {
		t.Fatalf("decision = %+v", d)
	}
	presenter.Wait()
}

func TestAutoRejectConnect(t *testing.T) {
	presenter := &AutoPresenter{Policy: PolicyReject}
	f := newFixture(t, presenter)
	decisions := newSink(t, f.hub, protocol.ActionConnect)

	params := protocol.LaunchParams{Action: protocol.ActionConnect, Origin: testOrigin, RequestID: "r1"}
	if err := f.manager.Open(context.Background(), params); err != nil {
		t.Fatal(err)
	}
	d := next[protocol.ConnectDecision](t, decisions)
	if d.Approved() {
		t.Fatalf("decision = %+v, want rejection", d)
	}
}

func TestAutoApproveFallsBackToReject(t *testing.T) {
	presenter := &AutoPresenter{Policy: PolicyApprove}
	f := newFixture(t, presenter)
	decisions := newSink(t, f.hub, protocol.ActionProcess)
	if err := f.stores.Pending.Put(context.Background(), "r2", protocol.PendingTransaction{To: testTo, Value: "1", Tokens: []protocol.Token{}}); err != nil {
		t.Fatal(err)
	}

	params := protocol.LaunchParams{Action: protocol.ActionProcess, Origin: testOrigin, RequestID: "r2"}
	if err := f.manager.Open(context.Background(), params); err != nil {
		t.Fatal(err)
	}
	d := next[protocol.TransactionDecision](t, decisions)
	if d.Approved() {
		t.Fatalf("decision = %+v, want rejection after failed validation", d)
	}
	if f.chain.submissions() != 0 {
		t.Fatal("unfunded transaction was submitted")
	}
}

func TestSurfaceTakesPayloadOnce(t *testing.T) {
	f := newFixture(t, NewManualPresenter())
	tx := protocol.PendingTransaction{To: testTo, Value: "1", Tokens: []protocol.Token{}}
	s := f.pending(t, "r1", tx)
	if s.Transaction() == nil || s.Transaction().To != testTo {
		t.Fatalf("Transaction() = %+v", s.Transaction())
	}

	_, err := f.manager.Surface(context.Background(), s.Params().URL())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second Surface() error = %v, want ErrNotFound", err)
	}
}

func TestSurfaceRejectsBadLaunchURL(t *testing.T) {
	f := newFixture(t, NewManualPresenter())
	for _, raw := range []string{"/elsewhere?origin=a&requestId=r1", "/connect?origin=a", "/connect?requestId=r1"} {
		if _, err := f.manager.Surface(context.Background(), raw); err == nil {
			t.Errorf("Surface(%q) should fail", raw)
		}
	}
}

func TestValidateAgainstFreshBalances(t *testing.T) {
	tests := []struct {
		name    string
		tx      protocol.PendingTransaction
		balance int64
		tokens  map[string]*big.Int
		want    []string
	}{
		{
			name:    "funded",
			tx:      protocol.PendingTransaction{To: testTo, Value: "1", Tokens: []protocol.Token{}},
			balance: 2e18,
		},
		{
			name:    "insufficient native",
			tx:      protocol.PendingTransaction{To: testTo, Value: "1", Tokens: []protocol.Token{}},
			balance: 1e17,
			want:    []string{"insufficient balance"},
		},
		{
			name: "token not held",
			tx:   protocol.PendingTransaction{To: testTo, Value: "0", Tokens: []protocol.Token{{ID: testToken, Amount: "5"}}},
			want: []string{"token not found"},
		},
		{
			name:   "token short",
			tx:     protocol.PendingTransaction{To: testTo, Value: "0", Tokens: []protocol.Token{{ID: testToken, Amount: "5"}}},
			tokens: map[string]*big.Int{testToken: big.NewInt(4)},
			want:   []string{"insufficient balance for " + testToken},
		},
		{
			name:    "both",
			tx:      protocol.PendingTransaction{To: testTo, Value: "3", Tokens: []protocol.Token{{ID: testToken, Amount: "5"}}},
			balance: 1,
			want:    []string{"insufficient balance", "token not found"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, NewManualPresenter())
			f.chain.balance = big.NewInt(tt.balance)
			if tt.tokens != nil {
				f.chain.tokens = tt.tokens
			}
			s := f.pending(t, "r1", tt.tx)

			got, err := s.Validate(context.Background())
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("Validate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApproveBlockedByValidationStaysOpen(t *testing.T) {
	f := newFixture(t, NewManualPresenter())
	decisions := newSink(t, f.hub, protocol.ActionProcess)
	s := f.pending(t, "r1", protocol.PendingTransaction{To: testTo, Value: "1", Tokens: []protocol.Token{}})

	var verr *ValidationError
	if err := s.Approve(context.Background()); !errors.As(err, &verr) {
		t.Fatalf("Approve() error = %v, want ValidationError", err)
	}
	if s.State() != "open" {
		t.Fatalf("State() = %q, want open", s.State())
	}
	decisions.assertSilent(t)

	if err := s.Reject(context.Background()); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if d := next[protocol.TransactionDecision](t, decisions); d.Approved() || d.RequestID != "r1" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestChainFailureUnlocksSurface(t *testing.T) {
	f := newFixture(t, NewManualPresenter())
	f.chain.balance = big.NewInt(5e18)
	decisions := newSink(t, f.hub, protocol.ActionProcess)
	s := f.pending(t, "r1", protocol.PendingTransaction{To: testTo, Value: "1", Tokens: []protocol.Token{}})

	f.chain.setSubmitErr(errors.New("nonce too low"))
	if err := s.Approve(context.Background()); err == nil || !strings.Contains(err.Error(), "nonce too low") {
		t.Fatalf("Approve() error = %v", err)
	}
	if s.State() != "open" {
		t.Fatalf("State() = %q after chain failure, want open", s.State())
	}
	decisions.assertSilent(t)

	f.chain.setSubmitErr(nil)
	if err := s.Approve(context.Background()); err != nil {
		t.Fatalf("retry Approve() error = %v", err)
	}
	d := next[protocol.TransactionDecision](t, decisions)
	if d.ReceiptHandle != "0xreceipt" || d.Origin != testOrigin {
		t.Fatalf("decision = %+v", d)
	}

	history, err := f.stores.Activity.List(context.Background(), testAccount)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].Success || !history[1].Success || history[1].TxHash != "0xreceipt" {
		t.Fatalf("activity = %+v", history)
	}
	if history[1].ActivityType != storage.ActivitySend || history[1].Amount != "1" {
		t.Fatalf("activity record = %+v", history[1])
	}
}

func TestSingleSubmission(t *testing.T) {
	f := newFixture(t, NewManualPresenter())
	decisions := newSink(t, f.hub, protocol.ActionConnect)
	s, err := f.manager.Surface(context.Background(), "/connect?origin=https%3A%2F%2Fdapp.example&requestId=r1")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Approve(context.Background()); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	next[protocol.ConnectDecision](t, decisions)
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() not closed after a decision")
	}

	if err := s.Approve(context.Background()); !errors.Is(err, ErrLocked) {
		t.Errorf("second Approve() error = %v, want ErrLocked", err)
	}
	if err := s.Reject(context.Background()); !errors.Is(err, ErrLocked) {
		t.Errorf("Reject() after approve error = %v, want ErrLocked", err)
	}
	decisions.assertSilent(t)
}

func TestCloseSendsNothing(t *testing.T) {
	f := newFixture(t, NewManualPresenter())
	decisions := newSink(t, f.hub, protocol.ActionConnect)
	s, err := f.manager.Surface(context.Background(), "/connect?origin=https%3A%2F%2Fdapp.example&requestId=r1")
	if err != nil {
		t.Fatal(err)
	}

	s.Close()
	decisions.assertSilent(t)
	if err := s.Approve(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Approve() after Close error = %v, want ErrClosed", err)
	}
}

func TestPostFailureKeepsSurfaceOpen(t *testing.T) {
	f := newFixture(t, NewManualPresenter())
	s, err := f.manager.Surface(context.Background(), "/connect?origin=https%3A%2F%2Fdapp.example&requestId=r1")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Approve(context.Background()); !errors.Is(err, port.ErrNoListener) {
		t.Fatalf("Approve() error = %v, want ErrNoListener", err)
	}
	if s.State() != "open" {
		t.Fatalf("State() = %q", s.State())
	}

	decisions := newSink(t, f.hub, protocol.ActionConnect)
	if err := s.Approve(context.Background()); err != nil {
		t.Fatalf("retry Approve() error = %v", err)
	}
	next[protocol.ConnectDecision](t, decisions)
}

func TestSurfaceLogsRequestIDOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	hub := port.NewHub()
	stores := storage.NewStores(storage.NewMemoryKV(nil), nil)
	m, err := NewManager(ManagerConfig{Dialer: hub, Stores: stores, Chain: newFakeChain(), Presenter: NewManualPresenter(), Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	decisions := newSink(t, hub, protocol.ActionConnect)
	ctx := context.Background()
	surface := func(id string) *Surface {
		s, err := m.Surface(ctx, protocol.LaunchParams{Action: protocol.ActionConnect, Origin: testOrigin, RequestID: id}.URL())
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	if err := surface("r1").Approve(ctx); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	next[protocol.ConnectDecision](t, decisions)
	if err := surface("r2").Reject(ctx); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	next[protocol.ConnectDecision](t, decisions)
	surface("r3").Close()

	want := map[string]bool{
		"approval granted":  false,
		"approval rejected": false,
		"approval window closed without a decision": false,
	}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var rec struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if _, ok := want[rec.Msg]; !ok {
			continue
		}
		want[rec.Msg] = true
		if n := strings.Count(line, `"request_id"`); n != 1 {
			t.Errorf("%q carries request_id %d times: %s", rec.Msg, n, line)
		}
	}
	for msg, seen := range want {
		if !seen {
			t.Errorf("no %q log line", msg)
		}
	}
}
