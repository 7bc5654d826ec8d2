// Package grpcport carries ports over a bidirectional gRPC stream. Frames are
// wrapped in google.protobuf.BytesValue so the default proto codec applies.
package grpcport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/haasonsaas/walletbroker/internal/port"
)

const (
	serviceName = "walletbroker.v1.PortService"
	openMethod  = "/" + serviceName + "/Open"
	nameKey     = "x-port-name"
	statusKey   = "x-port-status"
	closeGrace  = 2 * time.Second
)

// PortServiceServer is implemented by Server.
type PortServiceServer interface {
	Open(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PortServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: "Open",
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(PortServiceServer).Open(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "walletbroker/v1/port.proto",
}

// Server bridges incoming streams into a hub.
type Server struct {
	hub    *port.Hub
	logger *slog.Logger
}

// Register installs the port service on s.
func Register(s *grpc.Server, hub *port.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{hub: hub, logger: logger.With("component", "grpcport")}
	s.RegisterService(&serviceDesc, srv)
	return srv
}

// Open handles one remote port for its whole lifetime.
func (s *Server) Open(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	names := md.Get(nameKey)
	if len(names) == 0 || names[0] == "" {
		return status.Error(codes.InvalidArgument, "port name required")
	}
	name := names[0]

	local, err := s.hub.Dial(stream.Context(), name)
	if err != nil {
		s.logger.Warn("rejecting remote port", "channel", name, "error", err)
		return status.Error(codes.Unavailable, err.Error())
	}
	if err := stream.SendHeader(metadata.Pairs(statusKey, "ok")); err != nil {
		_ = local.Close()
		return err
	}

	remote := newStreamPort(name, stream, nil)
	s.logger.Debug("remote port connected", "channel", name)
	port.Bridge(remote, local)
	s.logger.Debug("remote port disconnected", "channel", name)
	return nil
}

// Dialer opens ports over an existing client connection.
type Dialer struct {
	Conn grpc.ClientConnInterface
}

// Dial opens a stream for name and waits for the server to accept it.
func (d *Dialer) Dial(ctx context.Context, name string) (port.Port, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, nameKey, name)

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	stream, err := d.Conn.NewStream(streamCtx, &serviceDesc.Streams[0], openMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open stream %s: %w", name, err)
	}

	md, err := stream.Header()
	if err == nil && len(md.Get(statusKey)) == 0 {
		err = stream.RecvMsg(new(wrapperspb.BytesValue))
		if err == nil {
			err = errors.New("stream opened without acknowledgement")
		}
	}
	if err != nil {
		cancel()
		if status.Code(err) == codes.Unavailable {
			return nil, fmt.Errorf("%w: %s", port.ErrNoListener, name)
		}
		return nil, fmt.Errorf("open stream %s: %w", name, err)
	}

	if ctx.Err() != nil {
		cancel()
		return nil, ctx.Err()
	}
	return newStreamPort(name, stream, cancel), nil
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

type clientStream interface {
	CloseSend() error
}

type streamPort struct {
	name     string
	stream   msgStream
	cancel   context.CancelFunc
	in       chan []byte
	done     chan struct{}
	recvDone chan struct{}
	once     sync.Once
	sendMu   sync.Mutex
}

func newStreamPort(name string, stream msgStream, cancel context.CancelFunc) *streamPort {
	p := &streamPort{
		name:     name,
		stream:   stream,
		cancel:   cancel,
		in:       make(chan []byte, port.DefaultBuffer),
		done:     make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	go p.recvLoop()
	return p
}

func (p *streamPort) Name() string { return p.name }

func (p *streamPort) Receive() <-chan []byte { return p.in }

func (p *streamPort) Done() <-chan struct{} { return p.done }

func (p *streamPort) Send(frame []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	select {
	case <-p.done:
		return port.ErrClosed
	default:
	}
	if err := p.stream.SendMsg(&wrapperspb.BytesValue{Value: frame}); err != nil {
		go p.Close()
		return fmt.Errorf("%w: %v", port.ErrClosed, err)
	}
	return nil
}

// Close half-closes client streams so frames already sent are flushed before
// the stream context is cancelled.
func (p *streamPort) Close() error {
	p.once.Do(func() {
		p.sendMu.Lock()
		close(p.done)
		if cs, ok := p.stream.(clientStream); ok {
			_ = cs.CloseSend()
		}
		p.sendMu.Unlock()

		if p.cancel != nil {
			go func() {
				select {
				case <-p.recvDone:
				case <-time.After(closeGrace):
				}
				p.cancel()
			}()
		}
	})
	return nil
}

func (p *streamPort) recvLoop() {
	defer close(p.recvDone)
	defer p.Close()
	for {
		msg := new(wrapperspb.BytesValue)
		if err := p.stream.RecvMsg(msg); err != nil {
			return
		}
		select {
		case p.in <- msg.GetValue():
		case <-p.done:
			return
		}
	}
}
