package router

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/protocol"
)

// route ties a correlation id to the port its response must travel on.
type route struct {
	requestID string
	origin    string
	action    protocol.Action
	port      port.Port
	createdAt time.Time

	mu    sync.Mutex
	timer *clock.Timer
}

func (rt *route) armTimer(clk clock.Clock, ttl time.Duration, fn func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.timer = clk.AfterFunc(ttl, fn)
}

func (rt *route) stopTimer() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.timer != nil {
		rt.timer.Stop()
		rt.timer = nil
	}
}

// addRoute records where the response for req must go.
func (r *Router) addRoute(action protocol.Action, req protocol.Request, p port.Port) (*route, error) {
	rt := &route{
		requestID: req.RequestID,
		origin:    req.Origin,
		action:    action,
		port:      p,
		createdAt: r.cfg.Clock.Now(),
	}
	if err := r.routes.Register(req.RequestID, rt); err != nil {
		return nil, err
	}
	r.metrics.SetActiveRoutes(r.routes.Len())
	return rt, nil
}

// finish delivers resp on the route for its id and deletes the route. It
// reports false when the route was already gone.
func (r *Router) finish(action protocol.Action, resp protocol.Response, outcome string) bool {
	rt, ok := r.routes.ResolveIf(resp.RequestID, func(rt *route) bool { return rt.action == action })
	if !ok {
		return false
	}
	r.deliver(rt, resp, outcome)
	return true
}

func (r *Router) deliver(rt *route, resp protocol.Response, outcome string) {
	rt.stopTimer()
	r.metrics.SetActiveRoutes(r.routes.Len())
	r.metrics.RequestFinished(rt.action.String(), outcome)

	frame, err := protocol.Encode(resp)
	if err != nil {
		r.logger.Error("encode response", "request_id", resp.RequestID, "error", err)
		return
	}
	if err := rt.port.Send(frame); err != nil {
		r.logger.Warn("response undeliverable", "request_id", resp.RequestID, "channel", rt.port.Name(), "error", err)
		return
	}
	r.logger.Debug("response delivered", "request_id", resp.RequestID, "outcome", outcome)
}

// expire settles a route whose approval surface never decided.
func (r *Router) expire(requestID string) {
	rt, ok := r.routes.Resolve(requestID)
	if !ok {
		return
	}
	r.logger.Info("approval window abandoned", "request_id", requestID, "origin", rt.origin, "action", rt.action.String())
	if a, ok := r.cfg.Launcher.(Abandoner); ok {
		a.Abandon(r.runContext(), protocol.LaunchParams{Action: rt.action, Origin: rt.origin, RequestID: requestID})
	}
	if rt.action == protocol.ActionProcess {
		if err := r.cfg.Stores.Pending.Discard(r.runContext(), requestID); err != nil {
			r.logger.Warn("discard pending payload", "request_id", requestID, "error", err)
		}
	}
	r.deliver(rt, protocol.Failure(requestID, protocol.CodeUserRejected, protocol.MsgAbandoned), "abandoned")
}
