// Package approval implements the human-in-the-loop side of the broker. The
// Manager is the router's Launcher: every launch becomes a Surface that a
// Presenter shows to someone (or something) able to decide.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/walletbroker/internal/chain"
	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/protocol"
	"github.com/haasonsaas/walletbroker/internal/storage"
)

// Presenter shows a surface to whoever decides on it.
type Presenter interface {
	Present(ctx context.Context, s *Surface) error
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	// Dialer opens decision channels to the router.
	Dialer    port.Dialer
	Stores    *storage.Stores
	Chain     chain.Client
	Presenter Presenter
	// Account is granted on connect approvals. Empty uses the chain
	// client's account.
	Account string
	Logger  *slog.Logger
}

// remover is implemented by presenters that queue surfaces.
type remover interface {
	Remove(requestID string)
}

// Manager builds surfaces from launch parameters.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*Surface
}

// NewManager validates cfg.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("approval: dialer is required")
	}
	if cfg.Stores == nil {
		return nil, errors.New("approval: stores are required")
	}
	if cfg.Presenter == nil {
		return nil, errors.New("approval: presenter is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Account == "" && cfg.Chain != nil {
		cfg.Account = cfg.Chain.Account()
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "approval"),
		open:   make(map[string]*Surface),
	}, nil
}

// Open launches a surface. The surface only learns what the launch URL
// carries; transaction payloads are taken from the pending store.
func (m *Manager) Open(ctx context.Context, params protocol.LaunchParams) error {
	s, err := m.Surface(ctx, params.URL())
	if err != nil {
		return err
	}
	m.track(s)
	if err := m.cfg.Presenter.Present(ctx, s); err != nil {
		m.forget(params.RequestID)
		return fmt.Errorf("present approval: %w", err)
	}
	return nil
}

// Abandon closes the surface for an expired route and withdraws it from the
// presenter, so a late approval fails with ErrClosed instead of submitting.
func (m *Manager) Abandon(_ context.Context, params protocol.LaunchParams) {
	s := m.forget(params.RequestID)
	if r, ok := m.cfg.Presenter.(remover); ok {
		r.Remove(params.RequestID)
	}
	if s == nil {
		return
	}
	s.Close()
	m.logger.Info("approval abandoned", "request_id", params.RequestID, "action", params.Action.String())
}

// track records s as open and drops surfaces that already finished.
func (m *Manager) track(s *Surface) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, prev := range m.open {
		select {
		case <-prev.Done():
			delete(m.open, id)
		default:
		}
	}
	m.open[s.params.RequestID] = s
}

func (m *Manager) forget(requestID string) *Surface {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.open[requestID]
	delete(m.open, requestID)
	return s
}

// Surface builds the surface for a launch URL such as
// /connect?origin=https%3A%2F%2Fdapp.example&requestId=r1.
func (m *Manager) Surface(ctx context.Context, launchURL string) (*Surface, error) {
	params, err := protocol.ParseLaunch(launchURL)
	if err != nil {
		return nil, err
	}
	s := &Surface{
		params:   params,
		account:  m.cfg.Account,
		dialer:   m.cfg.Dialer,
		chain:    m.cfg.Chain,
		activity: m.cfg.Stores.Activity,
		logger:   m.logger.With("request_id", params.RequestID),
		done:     make(chan struct{}),
	}
	if params.Action == protocol.ActionProcess {
		tx, err := m.cfg.Stores.Pending.Take(ctx, params.RequestID)
		if err != nil {
			return nil, fmt.Errorf("take pending payload %s: %w", params.RequestID, err)
		}
		s.tx = &tx
	}
	m.logger.Info("approval opened", "url", launchURL, "action", params.Action.String())
	return s, nil
}
