package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/haasonsaas/walletbroker/internal/backoff"
	"github.com/haasonsaas/walletbroker/internal/observability"
	"github.com/haasonsaas/walletbroker/internal/pageproxy"
	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/protocol"
	"github.com/haasonsaas/walletbroker/internal/ratelimit"
	"github.com/haasonsaas/walletbroker/internal/relay"
)

// PageConfig configures OpenPage.
type PageConfig struct {
	// Origin identifies the requesting page to the broker.
	Origin string
	// Dialer reaches the router's handler channels, either in process or
	// over a transport.
	Dialer  port.Dialer
	Limiter *ratelimit.Limiter
	Policy  *backoff.Policy
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Page is a requester wired to its own content relay.
type Page struct {
	proxy  *pageproxy.Proxy
	relay  *relay.Relay
	end    port.Port
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenPage starts a page proxy and relay pair for one origin.
func OpenPage(ctx context.Context, cfg PageConfig) (*Page, error) {
	if cfg.Origin == "" {
		return nil, errors.New("gateway: page origin is required")
	}
	pageEnd, relayEnd := port.Pipe("page:" + cfg.Origin)

	rl, err := relay.New(relay.Config{
		Origin:    cfg.Origin,
		Requester: relayEnd,
		Dialer:    cfg.Dialer,
		Policy:    cfg.Policy,
		Limiter:   cfg.Limiter,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		_ = pageEnd.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p := &Page{
		proxy:  pageproxy.New(pageproxy.Config{Port: pageEnd, Logger: cfg.Logger}),
		relay:  rl,
		end:    pageEnd,
		cancel: cancel,
	}
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		_ = rl.Run(runCtx)
	}()
	go func() {
		defer p.wg.Done()
		_ = p.proxy.Run(runCtx)
	}()
	return p, nil
}

// Connect asks for account access and returns the granted account.
func (p *Page) Connect(ctx context.Context) (string, error) {
	raw, err := p.proxy.Call(ctx, "connect", nil)
	if err != nil {
		return "", err
	}
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return "", fmt.Errorf("decode connect result: %w", err)
	}
	if len(accounts) == 0 {
		return "", errors.New("connect result has no account")
	}
	return accounts[0], nil
}

// SendTransaction submits tx for approval and returns the transaction
// receipt on success.
func (p *Page) SendTransaction(ctx context.Context, tx protocol.TransactionRequest) (string, error) {
	raw, err := p.proxy.Call(ctx, "sendTransaction", []any{tx})
	if err != nil {
		return "", err
	}
	var receipt string
	if err := json.Unmarshal(raw, &receipt); err != nil {
		return "", fmt.Errorf("decode transaction result: %w", err)
	}
	return receipt, nil
}

// Close stops the relay and proxy and waits for both.
func (p *Page) Close() {
	_ = p.end.Close()
	p.cancel()
	p.wg.Wait()
}

// OpenPage starts an in-process page for origin against this server's
// router, using the relay section of the server config.
func (s *Server) OpenPage(ctx context.Context, origin string) (*Page, error) {
	s.mu.Lock()
	relayCfg := s.config.Relay
	s.mu.Unlock()
	return OpenPage(ctx, PageConfig{
		Origin:  origin,
		Dialer:  s.hub,
		Limiter: s.limiter,
		Policy:  fixedPolicy(relayCfg.ReconnectDelay),
		Clock:   s.clock,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
}
