// Package rpc implements the JSON-RPC 2.0 envelope served at the
// service's single RPC endpoint. Method dispatch lives in the API
// layer; this package only parses, validates, and shapes envelopes.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes, plus the server-defined codes.
// Scrape failures use CodeScrapeFailed with the taxonomy kind in
// error.data; the -32001/-32002 codes come from the HTTP middleware.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeScrapeFailed   = -32000
	CodeUnauthorized   = -32001
	CodeRateLimited    = -32002
)

// Request is an incoming JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC 2.0 reply. Exactly one of Result
// and Error is set. A nil ID marshals to null, which is how JSON-RPC
// 2.0 answers requests whose id could not be read.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// Parse decodes and validates one request envelope. A non-nil *Error
// means the envelope is unusable and must be answered with that error;
// the returned request still carries the ID when one was readable.
func Parse(body []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return &Request{}, &Error{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if req.JSONRPC != Version {
		return &req, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("jsonrpc must be %q", Version)}
	}
	if req.Method == "" {
		return &req, &Error{Code: CodeInvalidRequest, Message: "method is required"}
	}
	return &req, nil
}

// Bind unmarshals request params into dst. Absent params bind the zero
// value, so methods with optional parameter objects accept both forms.
func (r *Request) Bind(dst any) *Error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, dst); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// NewResult builds a success response bound to the request's id.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewError builds an error response bound to the request's id.
func NewError(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

// Errorf builds an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
