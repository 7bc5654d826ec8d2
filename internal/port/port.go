// Package port provides named, bidirectional channels between contexts that
// share no memory. A port may fail at any time; once Done is closed every
// Send returns ErrClosed.
package port

import (
	"context"
	"errors"
)

// DefaultBuffer is the number of frames a port buffers per direction.
const DefaultBuffer = 256

var (
	// ErrClosed is returned when sending on a port that has disconnected.
	ErrClosed = errors.New("port closed")
	// ErrFull is returned when the peer is not draining its buffer.
	ErrFull = errors.New("port buffer full")
	// ErrNoListener is returned when dialing a name nobody listens on.
	ErrNoListener = errors.New("no listener for port")
	// ErrListening is returned when a live listener already owns a name.
	ErrListening = errors.New("port name already has a listener")
)

// Port is one end of a named channel.
type Port interface {
	Name() string
	Send(frame []byte) error
	Receive() <-chan []byte
	Done() <-chan struct{}
	Close() error
}

// Listener accepts ports dialed under one name.
type Listener interface {
	Name() string
	Accept(ctx context.Context) (Port, error)
	Done() <-chan struct{}
	Close() error
}

// Dialer opens the client end of a named channel.
type Dialer interface {
	Dial(ctx context.Context, name string) (Port, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, name string) (Port, error)

func (f DialerFunc) Dial(ctx context.Context, name string) (Port, error) {
	return f(ctx, name)
}

// Consume hands every received frame to fn until the port disconnects or ctx
// ends. Frames already buffered when the port disconnects are still delivered.
func Consume(ctx context.Context, p Port, fn func(frame []byte)) error {
	for {
		select {
		case frame := <-p.Receive():
			fn(frame)
		case <-p.Done():
			drain(p, fn)
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func drain(p Port, fn func([]byte)) {
	for {
		select {
		case frame := <-p.Receive():
			fn(frame)
		default:
			return
		}
	}
}
