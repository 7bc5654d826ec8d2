package port

import "sync"

type pipeState struct {
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type pipeEnd struct {
	name  string
	state *pipeState
	in    chan []byte
	peer  *pipeEnd
}

// Pipe returns the two ends of an in-memory channel. Closing either end
// disconnects both.
func Pipe(name string) (Port, Port) {
	state := &pipeState{done: make(chan struct{})}
	a := &pipeEnd{name: name, state: state, in: make(chan []byte, DefaultBuffer)}
	b := &pipeEnd{name: name, state: state, in: make(chan []byte, DefaultBuffer)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) Name() string { return p.name }

func (p *pipeEnd) Send(frame []byte) error {
	p.state.mu.RLock()
	defer p.state.mu.RUnlock()
	if p.state.closed {
		return ErrClosed
	}
	cp := append([]byte(nil), frame...)
	select {
	case p.peer.in <- cp:
		return nil
	default:
		return ErrFull
	}
}

func (p *pipeEnd) Receive() <-chan []byte { return p.in }

func (p *pipeEnd) Done() <-chan struct{} { return p.state.done }

func (p *pipeEnd) Close() error {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	if !p.state.closed {
		p.state.closed = true
		close(p.state.done)
	}
	return nil
}
