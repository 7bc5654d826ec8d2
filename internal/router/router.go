// Package router is the broker core. It listens on one handler channel per
// action and one decision channel per action, keeps the route table from
// correlation id to originating port, answers what it can on its own and
// hands everything else to an approval surface.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/walletbroker/internal/backoff"
	"github.com/haasonsaas/walletbroker/internal/correlation"
	"github.com/haasonsaas/walletbroker/internal/observability"
	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/protocol"
	"github.com/haasonsaas/walletbroker/internal/storage"
	"github.com/haasonsaas/walletbroker/internal/supervisor"
)

// DefaultReconnectDelay is the fixed wait before re-listening on a channel.
const DefaultReconnectDelay = time.Second

// Launcher opens one approval surface.
type Launcher interface {
	Open(ctx context.Context, params protocol.LaunchParams) error
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, params protocol.LaunchParams) error

func (f LauncherFunc) Open(ctx context.Context, params protocol.LaunchParams) error {
	return f(ctx, params)
}

// Abandoner is implemented by launchers that can withdraw a surface whose
// route expired. Once abandoned, the surface must not be able to decide.
type Abandoner interface {
	Abandon(ctx context.Context, params protocol.LaunchParams)
}

// Listener registers named listeners. *port.Hub satisfies it.
type Listener interface {
	Listen(name string) (port.Listener, error)
}

// Config configures a Router.
type Config struct {
	Listener Listener
	Stores   *storage.Stores
	Launcher Launcher
	// Policy drives re-listening. Defaults to a fixed DefaultReconnectDelay
	// retried indefinitely.
	Policy *backoff.Policy
	// RouteTTL expires routes that receive no decision. Zero keeps them
	// until a decision arrives.
	RouteTTL time.Duration
	// PendingTTL is the age after which Sweep deletes pending payloads.
	// Zero disables the sweep.
	PendingTTL time.Duration
	// SweepSchedule is a cron expression or descriptor such as "@every 1m".
	SweepSchedule string
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *observability.Metrics
	Tracer        *observability.Tracer
}

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Router brokers requests between relays and approval surfaces.
type Router struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	routes  *correlation.Registry[*route]

	tasks map[string]*supervisor.Task[port.Listener]
	cron  *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates cfg and creates a router. Call Run to start listening.
func New(cfg Config) (*Router, error) {
	if cfg.Listener == nil {
		return nil, errors.New("router: listener is required")
	}
	if cfg.Stores == nil {
		return nil, errors.New("router: stores are required")
	}
	if cfg.Launcher == nil {
		return nil, errors.New("router: launcher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == nil {
		policy := backoff.Fixed(DefaultReconnectDelay)
		cfg.Policy = &policy
	}

	r := &Router{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "router"),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		routes:  correlation.NewRegistry[*route](),
	}

	if cfg.PendingTTL > 0 && cfg.SweepSchedule != "" {
		r.cron = cron.New(cron.WithParser(cronParser))
		if _, err := r.cron.AddFunc(cfg.SweepSchedule, func() { r.Sweep(r.runContext()) }); err != nil {
			return nil, fmt.Errorf("router: invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}
	return r, nil
}

// Run listens on every channel until ctx ends.
func (r *Router) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.ctx != nil {
		r.mu.Unlock()
		cancel()
		return errors.New("router: already running")
	}
	r.ctx, r.cancel = runCtx, cancel
	r.tasks = make(map[string]*supervisor.Task[port.Listener], 2*len(protocol.Actions))
	for _, action := range protocol.Actions {
		r.tasks[action.HandlerChannel()] = r.supervise(runCtx, action.HandlerChannel(),
			func(p port.Port) { r.serveHandler(runCtx, p) })
		r.tasks[action.DecisionChannel()] = r.supervise(runCtx, action.DecisionChannel(),
			func(p port.Port) { r.serveDecisions(runCtx, action, p) })
	}
	tasks := r.tasks
	r.mu.Unlock()

	for _, task := range tasks {
		task.Start()
	}
	if r.cron != nil {
		r.cron.Start()
	}
	r.logger.Info("router listening", "channels", len(tasks))

	<-runCtx.Done()

	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	for _, task := range tasks {
		task.Stop()
	}
	r.routes.ForgetWhere(func(_ string, rt *route) bool {
		rt.stopTimer()
		return true
	})
	r.metrics.SetActiveRoutes(0)
	return ctx.Err()
}

// ActiveRoutes returns the number of routes awaiting a response.
func (r *Router) ActiveRoutes() int {
	return r.routes.Len()
}

// ChannelStates reports the supervisor state of every channel by name.
func (r *Router) ChannelStates() map[string]supervisor.State {
	states := make(map[string]supervisor.State, 2*len(protocol.Actions))
	for _, action := range protocol.Actions {
		states[action.HandlerChannel()] = supervisor.StateIdle
		states[action.DecisionChannel()] = supervisor.StateIdle
	}
	r.mu.Lock()
	tasks := r.tasks
	r.mu.Unlock()
	for name, task := range tasks {
		states[name] = task.State()
	}
	return states
}

func (r *Router) runContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// supervise keeps a listener for name alive and serves every accepted port.
func (r *Router) supervise(ctx context.Context, name string, serve func(port.Port)) *supervisor.Task[port.Listener] {
	return supervisor.New(supervisor.Config[port.Listener]{
		Name: name,
		Dial: func(context.Context) (port.Listener, error) {
			return r.cfg.Listener.Listen(name)
		},
		Serve: func(l port.Listener) {
			for {
				p, err := l.Accept(ctx)
				if err != nil {
					return
				}
				r.logger.Debug("channel connected", "channel", name)
				go serve(p)
			}
		},
		Policy: *r.cfg.Policy,
		Clock:  r.cfg.Clock,
		Logger: r.logger,
		OnStateChange: func(name string, state supervisor.State) {
			if state == supervisor.StateReconnecting {
				r.metrics.ChannelReconnecting(name)
			}
		},
	})
}

// Sweep deletes pending payloads older than PendingTTL.
func (r *Router) Sweep(ctx context.Context) {
	if r.cfg.PendingTTL <= 0 {
		return
	}
	expired, err := r.cfg.Stores.Pending.Expire(ctx, r.cfg.PendingTTL)
	if err != nil {
		r.logger.Error("pending sweep failed", "error", err)
		return
	}
	if len(expired) > 0 {
		r.logger.Info("expired pending approvals", "count", len(expired), "request_ids", expired)
	}
}
