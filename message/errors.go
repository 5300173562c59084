package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes. The -32768..-32000 range follows JSON-RPC; the -320xx codes
// below -32000 are used for failures raised by this implementation.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	RequestTimeout = -32001
	RateLimited    = -32002
)

// Error is the error object of a reply frame. It also implements error, which is
// how a remote failure reaches the caller of Conn.Call.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewError creates an Error with a formatted message.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// AsError converts err into a reply error. An *Error anywhere in the chain is
// kept as is; anything else becomes InternalError carrying err's text.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: InternalError, Message: err.Error()}
}
