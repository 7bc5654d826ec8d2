// Package pageproxy is the requester-facing API. It mints a correlation id for
// every request, forwards it toward the content relay and settles the caller
// when the matching response comes back.
package pageproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/walletbroker/internal/correlation"
	"github.com/haasonsaas/walletbroker/internal/port"
	"github.com/haasonsaas/walletbroker/internal/protocol"
)

const argsSchema = `{
  "type": "object",
  "required": ["method"],
  "properties": {
    "method": {"type": "string", "minLength": 1},
    "params": {"type": ["array", "object"]}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func requestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("request_args.json", argsSchema)
	})
	return compiledSchema, schemaErr
}

// Args is the decoded form of a valid request argument.
type Args struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Config configures a Proxy.
type Config struct {
	// Port is the requester end of the channel to the content relay.
	Port port.Port
	// NewID mints correlation ids. Defaults to random UUIDs.
	NewID  func() string
	Logger *slog.Logger
}

// Proxy issues requests and settles them by correlation id. Requests have no
// timeout: a request whose response never arrives waits until its context ends.
type Proxy struct {
	port    port.Port
	newID   func() string
	logger  *slog.Logger
	pending *correlation.Registry[chan protocol.Response]
}

// New creates a proxy. Call Run to start settling responses.
func New(cfg Config) *Proxy {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Proxy{
		port:    cfg.Port,
		newID:   cfg.NewID,
		logger:  cfg.Logger.With("component", "pageproxy"),
		pending: correlation.NewRegistry[chan protocol.Response](),
	}
}

// Run delivers responses from the relay until the port closes or ctx ends.
func (p *Proxy) Run(ctx context.Context) error {
	return port.Consume(ctx, p.port, p.handleFrame)
}

// Outstanding returns how many requests are waiting for a response.
func (p *Proxy) Outstanding() int {
	return p.pending.Len()
}

// Request validates args, sends them and waits for the matching response.
// A structured failure from any hop is returned as *protocol.Error.
func (p *Proxy) Request(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	parsed, perr := ValidateArgs(args)
	if perr != nil {
		return nil, perr
	}

	id := p.newID()
	settle := make(chan protocol.Response, 1)
	if err := p.pending.Register(id, settle); err != nil {
		return nil, err
	}

	frame, err := protocol.Encode(protocol.Request{
		Method:    parsed.Method,
		Params:    parsed.Params,
		RequestID: id,
	})
	if err != nil {
		p.pending.Forget(id)
		return nil, err
	}
	if err := p.port.Send(frame); err != nil {
		p.pending.Forget(id)
		return nil, fmt.Errorf("send request %s: %w", id, err)
	}
	p.logger.DebugContext(ctx, "request sent", "request_id", id, "method", parsed.Method)

	select {
	case resp := <-settle:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		p.pending.Forget(id)
		return nil, ctx.Err()
	}
}

// Call marshals params and issues a request for method.
func (p *Proxy) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	args := map[string]any{"method": method}
	if params != nil {
		args["params"] = params
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode request args: %w", err)
	}
	return p.Request(ctx, raw)
}

func (p *Proxy) handleFrame(frame []byte) {
	resp, err := protocol.Decode[protocol.Response](frame)
	if err != nil {
		p.logger.Warn("dropping malformed response", "error", err)
		return
	}
	settle, ok := p.pending.Resolve(resp.RequestID)
	if !ok {
		p.logger.Debug("dropping response for unknown request", "request_id", resp.RequestID)
		return
	}
	settle <- resp
}

// ValidateArgs checks raw against the request argument schema.
func ValidateArgs(raw json.RawMessage) (Args, *protocol.Error) {
	invalid := protocol.NewError(protocol.CodeInvalidParams, protocol.MsgInvalidRequestArgs)

	schema, err := requestSchema()
	if err != nil {
		return Args{}, invalid
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Args{}, invalid
	}
	if err := schema.Validate(doc); err != nil {
		return Args{}, invalid
	}
	var args Args
	if err := json.Unmarshal(raw, &args); err != nil {
		return Args{}, invalid
	}
	return args, nil
}
