package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/walletbroker/internal/observability"
	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/protocol"
)

const (
	msgStorageFailed  = "authorization store unavailable"
	msgLaunchFailed   = "failed to open approval window"
	msgDuplicateID    = "duplicate request id"
	msgUnknownAction  = "unsupported action"
	msgMalformedFrame = "malformed request envelope"
)

// serveHandler answers forwarded requests arriving on p until it disconnects.
func (r *Router) serveHandler(ctx context.Context, p port.Port) {
	_ = port.Consume(ctx, p, func(frame []byte) { r.handleRequest(ctx, p, frame) })
}

func (r *Router) handleRequest(ctx context.Context, p port.Port, frame []byte) {
	fwd, err := protocol.Decode[protocol.Forwarded](frame)
	if err != nil {
		r.rejectMalformed(p, frame, err)
		return
	}
	req := fwd.Request
	if req.RequestID == "" {
		r.logger.Warn("dropping request without id", "channel", p.Name())
		return
	}

	ctx = observability.AddRequestID(ctx, req.RequestID)
	ctx = observability.AddOrigin(ctx, req.Origin)
	ctx, span := r.tracer.TraceAction(ctx, fwd.Action.String(), req.RequestID, req.Origin)
	defer span.End()

	rt, err := r.addRoute(fwd.Action, req, p)
	if err != nil {
		r.logger.WarnContext(ctx, "rejecting duplicate request", "error", err)
		r.tracer.RecordError(span, err)
		r.sendDirect(p, protocol.Failure(req.RequestID, protocol.CodeInvalidParams, msgDuplicateID))
		return
	}
	r.logger.DebugContext(ctx, "route added", "action", fwd.Action.String())

	var outcome string
	switch fwd.Action {
	case protocol.ActionConnect:
		outcome = r.connect(ctx, rt, req)
	case protocol.ActionProcess:
		outcome = r.process(ctx, rt, req)
	default:
		outcome = "unsupported_action"
		r.finish(fwd.Action, protocol.Failure(req.RequestID, protocol.CodeUnsupportedMethod, msgUnknownAction), outcome)
	}
	r.tracer.SetOutcome(span, outcome)
}

// connect answers from the authorization store or opens an approval surface.
func (r *Router) connect(ctx context.Context, rt *route, req protocol.Request) string {
	action := protocol.ActionConnect
	if req.Origin == "" {
		return r.fail(action, req.RequestID, protocol.CodeInvalidParams, protocol.MsgMissingOrigin, "invalid_params")
	}

	account, found, err := r.cfg.Stores.Authorizations.Lookup(ctx, req.Origin)
	if err != nil {
		r.logger.ErrorContext(ctx, "authorization lookup failed", "error", err)
		return r.fail(action, req.RequestID, protocol.CodeInvalidParams, msgStorageFailed, "storage_error")
	}
	if found {
		resp, err := protocol.Success(req.RequestID, []string{account})
		if err != nil {
			return r.fail(action, req.RequestID, protocol.CodeInvalidParams, err.Error(), "encode_error")
		}
		r.finish(action, resp, "authorized")
		return "authorized"
	}
	return r.openApproval(ctx, rt, req)
}

// process checks authorization and transaction fields before any surface opens.
func (r *Router) process(ctx context.Context, rt *route, req protocol.Request) string {
	action := protocol.ActionProcess
	if req.Origin == "" {
		return r.fail(action, req.RequestID, protocol.CodeInvalidParams, protocol.MsgMissingOrigin, "invalid_params")
	}
	_, found, err := r.cfg.Stores.Authorizations.Lookup(ctx, req.Origin)
	if err != nil {
		r.logger.ErrorContext(ctx, "authorization lookup failed", "error", err)
		return r.fail(action, req.RequestID, protocol.CodeInvalidParams, msgStorageFailed, "storage_error")
	}
	if !found {
		return r.fail(action, req.RequestID, protocol.CodeUnauthorized, protocol.MsgUnauthorized, "unauthorized")
	}

	tx, perr := protocol.ValidateTransaction(req.Params)
	if perr != nil {
		r.logger.InfoContext(ctx, "transaction rejected", "reason", perr.Message)
		return r.fail(action, req.RequestID, perr.Code, perr.Message, "invalid_params")
	}
	if err := r.cfg.Stores.Pending.Put(ctx, req.RequestID, tx); err != nil {
		r.logger.ErrorContext(ctx, "persist pending payload failed", "error", err)
		return r.fail(action, req.RequestID, protocol.CodeInvalidParams, msgStorageFailed, "storage_error")
	}
	return r.openApproval(ctx, rt, req)
}

func (r *Router) openApproval(ctx context.Context, rt *route, req protocol.Request) string {
	params := protocol.LaunchParams{Action: rt.action, Origin: req.Origin, RequestID: req.RequestID}
	if r.cfg.RouteTTL > 0 {
		id := req.RequestID
		rt.armTimer(r.cfg.Clock, r.cfg.RouteTTL, func() { r.expire(id) })
	}
	r.metrics.ApprovalOpened(rt.action.String())
	r.logger.InfoContext(ctx, "opening approval window", "url", params.URL())

	if err := r.cfg.Launcher.Open(ctx, params); err != nil {
		r.logger.ErrorContext(ctx, "approval launch failed", "error", err)
		if rt.action == protocol.ActionProcess {
			_ = r.cfg.Stores.Pending.Discard(ctx, req.RequestID)
		}
		return r.fail(rt.action, req.RequestID, protocol.CodeInvalidParams, msgLaunchFailed, "launch_failed")
	}
	return "awaiting_decision"
}

func (r *Router) fail(action protocol.Action, requestID string, code protocol.ErrorCode, message, outcome string) string {
	r.finish(action, protocol.Failure(requestID, code, message), outcome)
	return outcome
}

// sendDirect answers on p without touching the route table.
func (r *Router) sendDirect(p port.Port, resp protocol.Response) {
	frame, err := protocol.Encode(resp)
	if err != nil {
		return
	}
	if err := p.Send(frame); err != nil {
		r.logger.Warn("response undeliverable", "request_id", resp.RequestID, "error", err)
	}
}

// rejectMalformed answers an envelope that failed to decode when it still
// carries a request id. An action outside the closed set is UNSUPPORTED_METHOD;
// any other shape problem is INVALID_PARAMS.
func (r *Router) rejectMalformed(p port.Port, frame []byte, cause error) {
	var partial struct {
		Action  json.RawMessage `json:"action"`
		Request struct {
			RequestID string `json:"requestId"`
		} `json:"request"`
	}
	if err := json.Unmarshal(frame, &partial); err != nil || partial.Request.RequestID == "" {
		r.logger.Warn("dropping malformed envelope", "channel", p.Name(), "error", cause)
		return
	}
	code, outcome := protocol.CodeInvalidParams, "invalid_params"
	if unknownAction(partial.Action) {
		code, outcome = protocol.CodeUnsupportedMethod, "unsupported_action"
	}
	r.logger.Warn("rejecting malformed envelope", "request_id", partial.Request.RequestID, "code", string(code), "error", cause)
	r.metrics.RequestFinished("unknown", outcome)
	r.sendDirect(p, protocol.Failure(partial.Request.RequestID, code,
		fmt.Sprintf("%s: %v", msgMalformedFrame, cause)))
}

// unknownAction reports whether raw names an action the broker does not serve.
func unknownAction(raw json.RawMessage) bool {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return false
	}
	var action protocol.Action
	return action.UnmarshalText([]byte(name)) != nil
}
