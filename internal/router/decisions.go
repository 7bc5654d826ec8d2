package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/walletbroker/internal/observability"
	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/protocol"
)

var errNoRoute = errors.New("no route for decision")

// serveDecisions relays decisions for action arriving on p.
func (r *Router) serveDecisions(ctx context.Context, action protocol.Action, p port.Port) {
	_ = port.Consume(ctx, p, func(frame []byte) {
		var err error
		switch action {
		case protocol.ActionConnect:
			err = r.handleConnectDecision(ctx, frame)
		case protocol.ActionProcess:
			err = r.handleTransactionDecision(ctx, frame)
		default:
			err = fmt.Errorf("no decision handler for %s", action)
		}
		if err != nil && !errors.Is(err, errNoRoute) {
			r.logger.Warn("decision rejected", "channel", action.DecisionChannel(), "error", err)
		}
	})
}

func (r *Router) handleConnectDecision(ctx context.Context, frame []byte) error {
	channel := protocol.ActionConnect.DecisionChannel()
	decision, err := protocol.Decode[protocol.ConnectDecision](frame)
	if err != nil {
		return err
	}
	ctx = observability.AddRequestID(ctx, decision.RequestID)
	ctx, span := r.tracer.TraceDecision(ctx, channel, decision.RequestID)
	defer span.End()

	rt, ok := r.takeRoute(ctx, protocol.ActionConnect, decision.RequestID)
	if !ok {
		r.tracer.RecordError(span, errNoRoute)
		return errNoRoute
	}
	if decision.Origin != "" && decision.Origin != rt.origin {
		r.logger.WarnContext(ctx, "decision origin does not match route", "decision_origin", decision.Origin, "route_origin", rt.origin)
	}

	if !decision.Approved() {
		r.metrics.DecisionReceived(channel, "rejected")
		r.tracer.SetOutcome(span, "rejected")
		r.deliver(rt, protocol.Failure(rt.requestID, protocol.CodeUserRejected, protocol.MsgUserRejected), "rejected")
		return nil
	}

	r.metrics.DecisionReceived(channel, "approved")
	if err := r.cfg.Stores.Authorizations.Grant(ctx, rt.origin, decision.ApprovedAccount); err != nil {
		r.logger.ErrorContext(ctx, "persist authorization failed", "error", err)
		r.tracer.RecordError(span, err)
		r.deliver(rt, protocol.Failure(rt.requestID, protocol.CodeInvalidParams, msgStorageFailed), "storage_error")
		return err
	}
	resp, err := protocol.Success(rt.requestID, []string{decision.ApprovedAccount})
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "connection approved", "origin", rt.origin, "account", decision.ApprovedAccount)
	r.tracer.SetOutcome(span, "approved")
	r.deliver(rt, resp, "approved")
	return nil
}

func (r *Router) handleTransactionDecision(ctx context.Context, frame []byte) error {
	channel := protocol.ActionProcess.DecisionChannel()
	decision, err := protocol.Decode[protocol.TransactionDecision](frame)
	if err != nil {
		return err
	}
	ctx = observability.AddRequestID(ctx, decision.RequestID)
	ctx, span := r.tracer.TraceDecision(ctx, channel, decision.RequestID)
	defer span.End()

	rt, ok := r.takeRoute(ctx, protocol.ActionProcess, decision.RequestID)
	if !ok {
		r.tracer.RecordError(span, errNoRoute)
		return errNoRoute
	}
	if err := r.cfg.Stores.Pending.Discard(ctx, rt.requestID); err != nil {
		r.logger.WarnContext(ctx, "discard pending payload", "error", err)
	}

	if !decision.Approved() {
		r.metrics.DecisionReceived(channel, "rejected")
		r.tracer.SetOutcome(span, "rejected")
		r.deliver(rt, protocol.Failure(rt.requestID, protocol.CodeUserRejected, protocol.MsgUserRejected), "rejected")
		return nil
	}

	r.metrics.DecisionReceived(channel, "approved")
	resp, err := protocol.Success(rt.requestID, decision.ReceiptHandle)
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "transaction approved", "origin", rt.origin, "receipt", decision.ReceiptHandle)
	r.tracer.SetOutcome(span, "approved")
	r.deliver(rt, resp, "approved")
	return nil
}

// takeRoute removes the route for id. A decision without a route is a
// duplicate or arrived after expiry; it is logged and dropped.
func (r *Router) takeRoute(ctx context.Context, action protocol.Action, requestID string) (*route, bool) {
	rt, ok := r.routes.ResolveIf(requestID, func(rt *route) bool { return rt.action == action })
	if !ok {
		r.logger.WarnContext(ctx, "dropping decision without route", "channel", action.DecisionChannel())
		r.metrics.DecisionDropped(action.DecisionChannel())
		return nil, false
	}
	return rt, true
}
