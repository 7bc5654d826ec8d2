package port

import (
	"context"
	"fmt"
	"sync"
)

// Hub pairs dialers with listeners inside one process. Remote transports
// bridge their connections into a Hub so the router only ever sees local ports.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]*hubListener
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[string]*hubListener)}
}

// Listen registers a listener for name. A closed listener may be replaced.
func (h *Hub) Listen(name string) (Listener, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.listeners[name]; ok {
		select {
		case <-existing.done:
		default:
			return nil, fmt.Errorf("%w: %s", ErrListening, name)
		}
	}
	l := &hubListener{
		name:   name,
		hub:    h,
		accept: make(chan Port),
		done:   make(chan struct{}),
	}
	h.listeners[name] = l
	return l, nil
}

// Dial connects to the listener registered under name and waits until it
// accepts the port.
func (h *Hub) Dial(ctx context.Context, name string) (Port, error) {
	h.mu.Lock()
	l, ok := h.listeners[name]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, name)
	}

	client, server := Pipe(name)
	select {
	case l.accept <- server:
		return client, nil
	case <-l.done:
		return nil, fmt.Errorf("%w: %s", ErrNoListener, name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down every listener.
func (h *Hub) Close() {
	h.mu.Lock()
	listeners := make([]*hubListener, 0, len(h.listeners))
	for _, l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
}

func (h *Hub) remove(name string, l *hubListener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listeners[name] == l {
		delete(h.listeners, name)
	}
}

type hubListener struct {
	name   string
	hub    *Hub
	accept chan Port
	done   chan struct{}
	once   sync.Once
}

func (l *hubListener) Name() string { return l.name }

func (l *hubListener) Accept(ctx context.Context) (Port, error) {
	select {
	case p := <-l.accept:
		return p, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *hubListener) Done() <-chan struct{} { return l.done }

func (l *hubListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.hub.remove(l.name, l)
	})
	return nil
}
