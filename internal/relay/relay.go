// Package relay forwards requester messages to the router and router
// responses back to the requester. It keeps one supervised channel per action
// category and answers locally whenever a request cannot be dispatched.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/haasonsaas/walletbroker/internal/backoff"
	"github.com/haasonsaas/walletbroker/internal/correlation"
	"github.com/haasonsaas/walletbroker/internal/observability"
	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/protocol"
	"github.com/haasonsaas/walletbroker/internal/ratelimit"
	"github.com/haasonsaas/walletbroker/internal/supervisor"
)

// DefaultReconnectDelay is the fixed wait before redialing a router channel.
const DefaultReconnectDelay = time.Second

// Config configures a Relay.
type Config struct {
	// Origin is the identity of the page this relay serves.
	Origin string
	// Requester is the relay end of the page channel.
	Requester port.Port
	// Dialer opens router handler channels by name.
	Dialer port.Dialer
	// Policy drives reconnects. Defaults to a fixed DefaultReconnectDelay.
	Policy  *backoff.Policy
	Limiter *ratelimit.Limiter
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type routerChannel struct {
	action      protocol.Action
	task        *supervisor.Task[port.Port]
	outstanding *correlation.Registry[struct{}]
}

// Relay is the content relay for one page.
type Relay struct {
	origin    string
	requester port.Port
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
	metrics   *observability.Metrics
	channels  map[protocol.Action]*routerChannel
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a relay. No router channel is opened until the first request.
func New(cfg Config) (*Relay, error) {
	if cfg.Requester == nil {
		return nil, errors.New("relay: requester port is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("relay: dialer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	policy := backoff.Fixed(DefaultReconnectDelay)
	if cfg.Policy != nil {
		policy = *cfg.Policy
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		origin:    cfg.Origin,
		requester: cfg.Requester,
		limiter:   cfg.Limiter,
		logger:    cfg.Logger.With("component", "relay", "origin", cfg.Origin),
		metrics:   cfg.Metrics,
		channels:  make(map[protocol.Action]*routerChannel, len(protocol.Actions)),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, action := range protocol.Actions {
		ch := &routerChannel{
			action:      action,
			outstanding: correlation.NewRegistry[struct{}](),
		}
		name := action.HandlerChannel()
		ch.task = supervisor.New(supervisor.Config[port.Port]{
			Name: name,
			Dial: func(ctx context.Context) (port.Port, error) {
				return cfg.Dialer.Dial(ctx, name)
			},
			Serve: func(p port.Port) {
				_ = port.Consume(r.ctx, p, func(frame []byte) { r.deliver(ch, frame) })
			},
			Policy: policy,
			Gate:   func() bool { return ch.outstanding.Len() > 0 },
			Clock:  cfg.Clock,
			Logger: r.logger,
			OnStateChange: func(name string, state supervisor.State) {
				if state == supervisor.StateReconnecting {
					r.metrics.ChannelReconnecting(name)
				}
			},
		})
		r.channels[action] = ch
	}
	return r, nil
}

// Run forwards requester messages until the requester disconnects or ctx
// ends, then closes every router channel.
func (r *Relay) Run(ctx context.Context) error {
	defer r.shutdown()
	err := port.Consume(ctx, r.requester, func(frame []byte) { r.forward(ctx, frame) })
	if errors.Is(err, port.ErrClosed) {
		return nil
	}
	return err
}

// ChannelState reports the supervisor state of the channel for action.
func (r *Relay) ChannelState(action protocol.Action) supervisor.State {
	return r.channels[action].task.State()
}

// Outstanding returns how many forwarded ids still await a response.
func (r *Relay) Outstanding() int {
	n := 0
	for _, ch := range r.channels {
		n += ch.outstanding.Len()
	}
	return n
}

func (r *Relay) shutdown() {
	r.cancel()
	for _, ch := range r.channels {
		ch.task.Stop()
	}
}

func (r *Relay) forward(ctx context.Context, frame []byte) {
	req, err := protocol.Decode[protocol.Request](frame)
	if err != nil {
		r.logger.Warn("dropping malformed request", "error", err)
		return
	}
	if req.RequestID == "" {
		r.logger.Warn("dropping request without id", "method", req.Method)
		return
	}
	req.Origin = r.origin

	action, ok := protocol.ParseAction(req.Method)
	if !ok {
		r.metrics.RequestFinished("unknown", "unsupported_method")
		r.reply(protocol.Failure(req.RequestID, protocol.CodeUnsupportedMethod,
			fmt.Sprintf("unsupported method %q", req.Method)))
		return
	}
	ch := r.channels[action]

	if err := r.limiter.Wait(ctx, r.origin); err != nil {
		r.dispatchFailed(action, req.RequestID, fmt.Errorf("rate limit: %w", err))
		return
	}
	if err := ch.outstanding.Register(req.RequestID, struct{}{}); err != nil {
		r.dispatchFailed(action, req.RequestID, err)
		return
	}

	out, err := protocol.Encode(protocol.Forwarded{Action: action, Request: req})
	if err != nil {
		ch.outstanding.Forget(req.RequestID)
		r.dispatchFailed(action, req.RequestID, err)
		return
	}
	p, err := ch.task.Ensure(r.ctx)
	if err != nil {
		ch.outstanding.Forget(req.RequestID)
		r.dispatchFailed(action, req.RequestID, err)
		return
	}
	if err := p.Send(out); err != nil {
		ch.outstanding.Forget(req.RequestID)
		r.dispatchFailed(action, req.RequestID, err)
		return
	}
	r.logger.Debug("request forwarded", "request_id", req.RequestID, "action", action.String())
}

func (r *Relay) dispatchFailed(action protocol.Action, requestID string, cause error) {
	r.logger.Warn("dispatch failed", "request_id", requestID, "action", action.String(), "error", cause)
	r.metrics.RequestFinished(action.String(), "dispatch_failed")
	r.reply(protocol.Failure(requestID, protocol.CodeInvalidParams, protocol.MsgDispatchFailed))
}

// deliver passes a router response to the requester unchanged.
func (r *Relay) deliver(ch *routerChannel, frame []byte) {
	resp, err := protocol.Decode[protocol.Response](frame)
	if err != nil {
		r.logger.Warn("dropping malformed response", "channel", ch.action.HandlerChannel(), "error", err)
		return
	}
	ch.outstanding.Forget(resp.RequestID)
	if err := r.requester.Send(frame); err != nil {
		r.logger.Warn("requester unreachable", "request_id", resp.RequestID, "error", err)
	}
}

func (r *Relay) reply(resp protocol.Response) {
	frame, err := protocol.Encode(resp)
	if err != nil {
		r.logger.Error("encode local response", "request_id", resp.RequestID, "error", err)
		return
	}
	if err := r.requester.Send(frame); err != nil {
		r.logger.Warn("requester unreachable", "request_id", resp.RequestID, "error", err)
	}
}
