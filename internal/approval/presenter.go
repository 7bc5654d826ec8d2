package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/walletbroker/internal/protocol"
)

// Policy is what an AutoPresenter decides.
type Policy string

const (
	PolicyApprove Policy = "approve"
	PolicyReject  Policy = "reject"
)

// ParsePolicy accepts approve, reject and their auto- prefixed forms.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "approve", "auto-approve":
		return PolicyApprove, nil
	case "reject", "auto-reject":
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown approval policy %q", s)
	}
}

// AutoPresenter decides every surface by policy in the background. A
// failed approval falls back to rejection so the caller is never left
// waiting.
type AutoPresenter struct {
	Policy Policy
	Logger *slog.Logger

	wg sync.WaitGroup
}

func (p *AutoPresenter) Present(ctx context.Context, s *Surface) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx = context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.Policy == PolicyApprove {
			err := s.Approve(ctx)
			if err == nil {
				return
			}
			logger.Warn("auto-approval failed, rejecting", "request_id", s.params.RequestID, "error", err)
		}
		if err := s.Reject(ctx); err != nil {
			logger.Error("auto-rejection failed", "request_id", s.params.RequestID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every background decision finished.
func (p *AutoPresenter) Wait() {
	p.wg.Wait()
}

// ErrUnknownApproval is returned for request ids not in the queue.
var ErrUnknownApproval = errors.New("no such approval")

// ManualPresenter queues surfaces until someone decides on them over HTTP.
type ManualPresenter struct {
	mu       sync.Mutex
	surfaces map[string]*Surface
	order    []string
	notify   chan struct{}
}

// NewManualPresenter creates an empty queue.
func NewManualPresenter() *ManualPresenter {
	return &ManualPresenter{
		surfaces: make(map[string]*Surface),
		notify:   make(chan struct{}, 1),
	}
}

func (p *ManualPresenter) Present(_ context.Context, s *Surface) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := s.params.RequestID
	if _, ok := p.surfaces[id]; ok {
		return fmt.Errorf("approval %s already queued", id)
	}
	p.surfaces[id] = s
	p.order = append(p.order, id)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Notify receives a value whenever a surface is queued.
func (p *ManualPresenter) Notify() <-chan struct{} {
	return p.notify
}

// Get returns a queued surface.
func (p *ManualPresenter) Get(requestID string) (*Surface, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.surfaces[requestID]
	return s, ok
}

// Pending lists queued surfaces in arrival order.
func (p *ManualPresenter) Pending() []*Surface {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Surface, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.surfaces[id])
	}
	return out
}

// Remove drops a surface from the queue.
func (p *ManualPresenter) Remove(requestID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.surfaces[requestID]; !ok {
		return
	}
	delete(p.surfaces, requestID)
	kept := p.order[:0]
	for _, id := range p.order {
		if id != requestID {
			kept = append(kept, id)
		}
	}
	p.order = kept
}

// View is the JSON shape of a queued surface.
type View struct {
	RequestID   string                       `json:"requestId"`
	Origin      string                       `json:"origin"`
	Action      protocol.Action              `json:"action"`
	URL         string                       `json:"url"`
	State       string                       `json:"state"`
	Transaction *protocol.PendingTransaction `json:"transaction,omitempty"`
}

// ViewOf renders s.
func ViewOf(s *Surface) View {
	return View{
		RequestID:   s.params.RequestID,
		Origin:      s.params.Origin,
		Action:      s.params.Action,
		URL:         s.params.URL(),
		State:       s.State(),
		Transaction: s.tx,
	}
}
