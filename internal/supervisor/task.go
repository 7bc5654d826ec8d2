// Package supervisor keeps a single channel alive: it dials on demand, watches
// for disconnects and redials on a policy-driven timer.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/haasonsaas/walletbroker/internal/backoff"
)

// State is the lifecycle position of a supervised channel.
type State int

const (
	// StateIdle means no connection and no reconnect pending.
	StateIdle State = iota
	StateConnected
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotConnected is returned by Ensure while a reconnect is pending.
	ErrNotConnected = errors.New("channel is reconnecting")
	// ErrStopped is returned once the task has been stopped.
	ErrStopped = errors.New("channel supervisor stopped")
)

// Conn is anything with a disconnect signal: a port or a listener.
type Conn interface {
	Done() <-chan struct{}
	Close() error
}

// Config describes one supervised channel.
type Config[C Conn] struct {
	Name string
	Dial func(ctx context.Context) (C, error)
	// Serve runs for each established connection. It may return before the
	// connection ends; the task still waits for Done.
	Serve  func(conn C)
	Policy backoff.Policy
	// Gate reports whether a reconnect is still worth scheduling. Nil always reconnects.
	Gate          func() bool
	Clock         clock.Clock
	Logger        *slog.Logger
	OnStateChange func(name string, state State)
}

// Task supervises one channel.
type Task[C Conn] struct {
	cfg    Config[C]
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	conn    C
	gen     uint64
	attempt int
	timer   *clock.Timer
}

// New creates an idle task. Nothing is dialed until Start or Ensure.
func New[C Conn](cfg Config[C]) *Task[C] {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Task[C]{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
	}
}

// Start dials immediately, scheduling retries on failure.
func (t *Task[C]) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateIdle {
		return
	}
	if err := t.connectLocked(t.ctx); err != nil {
		t.cfg.Logger.Warn("channel dial failed", "channel", t.cfg.Name, "error", err)
		t.scheduleLocked()
	}
}

// Ensure returns the live connection, dialing synchronously if the task is
// idle. It never waits for a pending reconnect.
func (t *Task[C]) Ensure(ctx context.Context) (C, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero C
	switch t.state {
	case StateConnected:
		return t.conn, nil
	case StateReconnecting:
		return zero, fmt.Errorf("%s: %w", t.cfg.Name, ErrNotConnected)
	case StateStopped:
		return zero, fmt.Errorf("%s: %w", t.cfg.Name, ErrStopped)
	}

	if err := t.connectLocked(ctx); err != nil {
		t.scheduleLocked()
		return zero, fmt.Errorf("%s: %w", t.cfg.Name, err)
	}
	return t.conn, nil
}

// State returns the current lifecycle state.
func (t *Task[C]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stop closes the connection and cancels any pending reconnect.
func (t *Task[C]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateStopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.state == StateConnected {
		_ = t.conn.Close()
	}
	var zero C
	t.conn = zero
	t.setStateLocked(StateStopped)
	t.cancel()
}

func (t *Task[C]) connectLocked(ctx context.Context) error {
	conn, err := t.cfg.Dial(ctx)
	if err != nil {
		return err
	}
	t.gen++
	t.conn = conn
	t.attempt = 0
	t.setStateLocked(StateConnected)
	go t.watch(conn, t.gen)
	return nil
}

func (t *Task[C]) watch(conn C, gen uint64) {
	if t.cfg.Serve != nil {
		t.cfg.Serve(conn)
	}
	<-conn.Done()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateConnected || t.gen != gen {
		return
	}
	var zero C
	t.conn = zero
	t.cfg.Logger.Info("channel disconnected", "channel", t.cfg.Name)
	t.scheduleLocked()
}

func (t *Task[C]) scheduleLocked() {
	if t.cfg.Gate != nil && !t.cfg.Gate() {
		t.setStateLocked(StateIdle)
		return
	}
	t.attempt++
	if t.cfg.Policy.Exhausted(t.attempt) {
		t.cfg.Logger.Warn("channel reconnect attempts exhausted", "channel", t.cfg.Name, "attempts", t.attempt-1)
		t.setStateLocked(StateIdle)
		return
	}
	delay := t.cfg.Policy.Delay(t.attempt)
	t.timer = t.cfg.Clock.AfterFunc(delay, t.reconnect)
	t.setStateLocked(StateReconnecting)
	t.cfg.Logger.Debug("channel reconnect scheduled", "channel", t.cfg.Name, "attempt", t.attempt, "delay", delay)
}

func (t *Task[C]) reconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateReconnecting {
		return
	}
	if err := t.connectLocked(t.ctx); err != nil {
		t.cfg.Logger.Warn("channel reconnect failed", "channel", t.cfg.Name, "attempt", t.attempt, "error", err)
		t.scheduleLocked()
		return
	}
	t.cfg.Logger.Info("channel reconnected", "channel", t.cfg.Name)
}

func (t *Task[C]) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	if t.cfg.OnStateChange != nil {
		t.cfg.OnStateChange(t.cfg.Name, s)
	}
}
