package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable error taxonomy carried on every response envelope.
type ErrorCode string

const (
	CodeInvalidParams     ErrorCode = "INVALID_PARAMS"
	CodeUserRejected      ErrorCode = "USER_REJECTED"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeUnsupportedMethod ErrorCode = "UNSUPPORTED_METHOD"
)

// Messages shared by every hop that can produce a structured error.
const (
	MsgInvalidRequestArgs = "expected a single, non-array, object argument"
	MsgMissingOrigin      = "missing origin"
	MsgUnauthorized       = "origin is not connected"
	MsgUserRejected       = "user rejected the request"
	MsgDispatchFailed     = "failed to dispatch request"
	MsgAbandoned          = "approval window abandoned"
	MsgMissingParams      = "missing transaction params"
	MsgMissingTo          = "missing to field"
	MsgInvalidTo          = "invalid to address"
	MsgEmptyTransaction   = "transaction must include value, tokens or data"
	MsgInvalidValue       = "value must be a positive number"
)

// Error is a wire-level failure. It travels inside Response.Error and is
// returned to requesters as a Go error.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewError builds a structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsError extracts a structured error from an error chain.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given wire code.
func IsCode(err error, code ErrorCode) bool {
	perr, ok := AsError(err)
	return ok && perr.Code == code
}
