// Package wsport carries ports over WebSocket connections.
package wsport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/walletbroker/internal/port"
)

const (
	maxFrameBytes = 1 << 20
	pongWait      = 45 * time.Second
	pingPeriod    = 15 * time.Second
	writeWait     = 10 * time.Second
)

// PathPrefix is where the server expects /ports/{name} requests.
const PathPrefix = "/ports/"

// Server upgrades /ports/{name} requests and bridges them into a hub.
type Server struct {
	hub      *port.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a WebSocket bridge into hub.
func NewServer(hub *port.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:    hub,
		logger: logger.With("component", "wsport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		name = strings.TrimPrefix(r.URL.Path, PathPrefix)
	}
	if name == "" {
		http.Error(w, "port name required", http.StatusBadRequest)
		return
	}

	local, err := s.hub.Dial(r.Context(), name)
	if err != nil {
		s.logger.Warn("rejecting remote port", "channel", name, "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = local.Close()
		return
	}

	s.logger.Debug("remote port connected", "channel", name, "remote", r.RemoteAddr)
	port.Bridge(newConn(name, ws), local)
	s.logger.Debug("remote port disconnected", "channel", name, "remote", r.RemoteAddr)
}

// Dialer opens ports on a remote Server.
type Dialer struct {
	// BaseURL is the ws:// or wss:// address of the server.
	BaseURL string
	Header  http.Header
	Dialer  *websocket.Dialer
}

// Dial connects to /ports/{name}.
func (d *Dialer) Dial(ctx context.Context, name string) (port.Port, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	target := strings.TrimRight(d.BaseURL, "/") + PathPrefix + url.PathEscape(name)
	ws, resp, err := dialer.DialContext(ctx, target, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("%w: %s", port.ErrNoListener, name)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return newConn(name, ws), nil
}

type conn struct {
	name    string
	ws      *websocket.Conn
	in      chan []byte
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

func newConn(name string, ws *websocket.Conn) *conn {
	c := &conn{
		name: name,
		ws:   ws,
		in:   make(chan []byte, port.DefaultBuffer),
		done: make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *conn) Name() string { return c.name }

func (c *conn) Receive() <-chan []byte { return c.in }

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return port.ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		go c.Close()
		return fmt.Errorf("%w: %v", port.ErrClosed, err)
	}
	return nil
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *conn) readLoop() {
	defer c.Close()

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		select {
		case c.in <- data:
		case <-c.done:
			return
		}
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.Close()
				return
			}
		}
	}
}
