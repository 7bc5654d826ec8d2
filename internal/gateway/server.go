// Package gateway assembles the broker: the in-process hub, the router, the
// approval manager and the HTTP and gRPC surfaces remote contexts connect
// through.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/haasonsaas/walletbroker/internal/approval"
	"github.com/haasonsaas/walletbroker/internal/auth"
	"github.com/haasonsaas/walletbroker/internal/backoff"
	"github.com/haasonsaas/walletbroker/internal/chain"
	"github.com/haasonsaas/walletbroker/internal/config"
	"github.com/haasonsaas/walletbroker/internal/observability"
	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/port/grpcport"
	"github.com/haasonsaas/walletbroker/internal/ratelimit"
	"github.com/haasonsaas/walletbroker/internal/router"
	"github.com/haasonsaas/walletbroker/internal/storage"
)

// ServerConfig wires a Server.
type ServerConfig struct {
	Config *config.Config
	Logger *slog.Logger
	// Registry receives the broker metrics. Nil creates a fresh registry.
	Registry *prometheus.Registry
	Clock    clock.Clock
	// Version is reported by /healthz and on trace resources.
	Version string
}

// Server owns every long-lived broker component.
type Server struct {
	config    *config.Config
	logger    *slog.Logger
	clock     clock.Clock
	version   string
	startTime time.Time

	hub            *port.Hub
	stores         *storage.Stores
	registry       *prometheus.Registry
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	shutdownTracer func(context.Context) error
	limiter        *ratelimit.Limiter
	tokens         *auth.JWTService
	chain          *chain.EthClient
	manual         *approval.ManualPresenter
	auto           *approval.AutoPresenter
	approvals      *approval.Manager
	router         *router.Router
	grpc           *grpc.Server

	mu           sync.Mutex
	cancel       context.CancelFunc
	routerDone   chan error
	httpServer   *http.Server
	httpListener net.Listener
	grpcListener net.Listener
}

// NewServer builds every component but starts nothing.
func NewServer(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil {
		return nil, errors.New("gateway: config is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	c := cfg.Config

	s := &Server{
		config:   c,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		version:  cfg.Version,
		hub:      port.NewHub(),
		registry: cfg.Registry,
		metrics:  observability.NewMetrics(cfg.Registry),
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: c.Relay.RateLimit.RequestsPerSecond,
			BurstSize:         c.Relay.RateLimit.BurstSize,
			Enabled:           c.Relay.RateLimit.Enabled,
		}, cfg.Clock),
		tokens: auth.NewJWTService(c.Server.Auth.JWTSecret, c.Server.Auth.TokenExpiry),
	}
	if !s.tokens.Enabled() {
		cfg.Logger.Warn("approval and revocation routes are unauthenticated", "hint", "set server.auth.jwt_secret")
	}

	kv, err := storage.Open(ctx, storage.Config{Driver: c.Storage.Driver, DSN: c.Storage.DSN, Clock: cfg.Clock})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	s.stores = storage.NewStores(kv, cfg.Clock)

	s.tracer, s.shutdownTracer = observability.NewTracer(observability.TraceConfig{
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: cfg.Version,
		Endpoint:       c.Tracing.Endpoint,
		SamplingRate:   c.Tracing.SamplingRate,
		EnableInsecure: c.Tracing.Insecure,
	})

	if err := s.initApprovals(ctx); err != nil {
		s.closeResources(ctx)
		return nil, err
	}

	rt, err := router.New(router.Config{
		Listener:      s.hub,
		Stores:        s.stores,
		Launcher:      s.approvals,
		Policy:        fixedPolicy(c.Broker.ReconnectDelay),
		RouteTTL:      c.Broker.RouteTTL,
		PendingTTL:    c.Broker.PendingTTL,
		SweepSchedule: c.Broker.SweepSchedule,
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
		Metrics:       s.metrics,
		Tracer:        s.tracer,
	})
	if err != nil {
		s.closeResources(ctx)
		return nil, err
	}
	s.router = rt

	s.grpc = grpc.NewServer()
	grpcport.Register(s.grpc, s.hub, cfg.Logger)
	return s, nil
}

func (s *Server) initApprovals(ctx context.Context) error {
	c := s.config
	var client chain.Client
	if c.Chain.RPCURL != "" {
		signer, err := chain.NewKeySigner(c.Chain.PrivateKey)
		if err != nil {
			return err
		}
		chainCfg := chain.Config{
			ReceiptPoll: &backoff.Policy{
				InitialDelay: c.Chain.ReceiptPoll,
				MaxDelay:     10 * c.Chain.ReceiptPoll,
				Factor:       1.5,
				MaxAttempts:  40,
			},
			Clock:  s.clock,
			Logger: s.logger,
		}
		if c.Chain.ChainID > 0 {
			chainCfg.ChainID = big.NewInt(c.Chain.ChainID)
		}
		s.chain, err = chain.Dial(ctx, c.Chain.RPCURL, signer, chainCfg)
		if err != nil {
			return err
		}
		client = s.chain
	}

	var presenter approval.Presenter
	if c.Approval.Mode == "manual" {
		s.manual = approval.NewManualPresenter()
		presenter = s.manual
	} else {
		policy, err := approval.ParsePolicy(c.Approval.Mode)
		if err != nil {
			return err
		}
		s.auto = &approval.AutoPresenter{Policy: policy, Logger: s.logger}
		presenter = s.auto
	}

	manager, err := approval.NewManager(approval.ManagerConfig{
		Dialer:    s.hub,
		Stores:    s.stores,
		Chain:     client,
		Presenter: presenter,
		Account:   c.Approval.Account,
		Logger:    s.logger,
	})
	if err != nil {
		return err
	}
	s.approvals = manager
	return nil
}

func fixedPolicy(delay time.Duration) *backoff.Policy {
	p := backoff.Fixed(delay)
	return &p
}

// Hub is the in-process channel namespace every transport bridges into.
func (s *Server) Hub() *port.Hub { return s.hub }

// Stores exposes the persistent stores.
func (s *Server) Stores() *storage.Stores { return s.stores }

// Router exposes the broker core.
func (s *Server) Router() *router.Router { return s.router }

// Approvals returns the manual approval queue, or nil in auto modes.
func (s *Server) Approvals() *approval.ManualPresenter { return s.manual }

// Start runs the router and opens the HTTP and gRPC listeners. It returns
// once everything is serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("gateway: already started")
	}
	s.startTime = s.clock.Now()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.routerDone = make(chan error, 1)
	go func() { s.routerDone <- s.router.Run(runCtx) }()

	if err := s.startHTTPServer(); err != nil {
		cancel()
		return fmt.Errorf("start http server: %w", err)
	}
	if err := s.startGRPCServer(); err != nil {
		cancel()
		return fmt.Errorf("start grpc server: %w", err)
	}
	return nil
}

func (s *Server) startGRPCServer() error {
	addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(s.config.Server.GRPCPort))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.grpcListener = lis
	go func() {
		if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc server error", "error", err)
		}
	}()
	s.logger.Info("starting gRPC server", "addr", lis.Addr().String())
	return nil
}

// HTTPAddr returns the bound HTTP address once started.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address once started.
func (s *Server) GRPCAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Stop shuts every component down, waiting at most until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, routerDone := s.cancel, s.routerDone
	s.mu.Unlock()
	if cancel == nil {
		s.closeResources(ctx)
		return nil
	}

	s.logger.Info("stopping server")
	s.stopHTTPServer(ctx)

	// Closing the router and hub ends bridged streams so gRPC can drain.
	cancel()
	select {
	case <-routerDone:
	case <-ctx.Done():
		s.logger.Warn("router did not stop in time")
	}
	s.hub.Close()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
	if s.auto != nil {
		s.auto.Wait()
	}
	s.closeResources(ctx)
	return nil
}

func (s *Server) closeResources(ctx context.Context) {
	if s.chain != nil {
		s.chain.Close()
	}
	if s.stores != nil {
		if err := s.stores.Close(); err != nil {
			s.logger.Warn("close storage", "error", err)
		}
	}
	if s.shutdownTracer != nil {
		if err := s.shutdownTracer(ctx); err != nil {
			s.logger.Warn("shutdown tracer", "error", err)
		}
	}
}

// Reload applies the hot-reloadable parts of cfg. Sections that need a
// restart are reported and left as they are.
func (s *Server) Reload(cfg *config.Config) {
	s.mu.Lock()
	prev := s.config
	s.config = cfg
	s.mu.Unlock()

	s.limiter.Update(ratelimit.Config{
		RequestsPerSecond: cfg.Relay.RateLimit.RequestsPerSecond,
		BurstSize:         cfg.Relay.RateLimit.BurstSize,
		Enabled:           cfg.Relay.RateLimit.Enabled,
	})

	var restart []string
	if prev.Server != cfg.Server {
		restart = append(restart, "server")
	}
	if prev.Broker != cfg.Broker {
		restart = append(restart, "broker")
	}
	if prev.Storage != cfg.Storage {
		restart = append(restart, "storage")
	}
	if prev.Chain != cfg.Chain {
		restart = append(restart, "chain")
	}
	if prev.Approval != cfg.Approval {
		restart = append(restart, "approval")
	}
	if len(restart) > 0 {
		s.logger.Warn("config changes require a restart", "sections", restart)
	}
}

// Limiter is the per-origin limiter shared by relays this server opens.
func (s *Server) Limiter() *ratelimit.Limiter { return s.limiter }
