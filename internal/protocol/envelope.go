// Package protocol defines the envelopes exchanged between the page proxy,
// the content relay, the router and approval surfaces.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Request travels from the page proxy to the relay.
type Request struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID string          `json:"requestId"`
	Origin    string          `json:"origin,omitempty"`
}

// Forwarded travels from the relay to the router.
type Forwarded struct {
	Action  Action  `json:"action"`
	Request Request `json:"request"`
}

// Response travels from the router back through the relay to the page proxy.
type Response struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// ConnectDecision is posted by a connect approval surface. An empty
// ApprovedAccount means the user declined.
type ConnectDecision struct {
	RequestID       string `json:"requestId"`
	Origin          string `json:"origin"`
	ApprovedAccount string `json:"approvedAccount,omitempty"`
}

// Approved reports whether the decision grants access.
func (d ConnectDecision) Approved() bool {
	return d.ApprovedAccount != "" && d.Origin != ""
}

// TransactionDecision is posted by a transaction approval surface. An empty
// ReceiptHandle means the user declined.
type TransactionDecision struct {
	RequestID     string `json:"requestId"`
	Origin        string `json:"origin"`
	ReceiptHandle string `json:"receiptHandle,omitempty"`
}

// Approved reports whether the transaction was submitted.
func (d TransactionDecision) Approved() bool {
	return d.ReceiptHandle != "" && d.Origin != ""
}

// Success builds a result response.
func Success(requestID string, result any) (Response, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("encode result: %w", err)
	}
	return Response{RequestID: requestID, Result: payload}, nil
}

// Failure builds an error response.
func Failure(requestID string, code ErrorCode, message string) Response {
	return Response{RequestID: requestID, Error: NewError(code, message)}
}

// Encode serializes an envelope into a channel frame.
func Encode(v any) ([]byte, error) {
	frame, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return frame, nil
}

// Decode parses a channel frame into an envelope.
func Decode[T any](frame []byte) (T, error) {
	var v T
	if err := json.Unmarshal(frame, &v); err != nil {
		return v, fmt.Errorf("decode frame: %w", err)
	}
	return v, nil
}
