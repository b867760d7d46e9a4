// Package protocol implements the JSON-RPC 2.0 contract spoken over the
// gateway's WebSocket connections: requests, notifications, batches, and
// the method registry with auth and permission gating.
//
// The dispatcher is transport-agnostic. The gateway feeds it raw frames
// and ships whatever bytes come back; handlers reach the gateway through
// closures captured at registration time, never through the registry.
package protocol

import (
	"encoding/json"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Request is an incoming JSON-RPC request or notification. ID stays raw so
// absent (notification) and null (request) are distinguishable and the
// original form is echoed back untouched.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id member.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response is a success reply. Result is always serialized, even when nil,
// per the JSON-RPC requirement that exactly one of result/error appears.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result"`
	ID      json.RawMessage `json:"id"`
}

// ErrorResponse is a failure reply.
type ErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   *Error          `json:"error"`
	ID      json.RawMessage `json:"id"`
}

// Notification is a server-initiated message with no id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewResponse builds a success reply echoing the request id.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, Result: result, ID: id}
}

// NewErrorResponse builds a failure reply. A nil id marshals as null,
// which is what JSON-RPC 2.0 requires when the request id is unknowable.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *ErrorResponse {
	return &ErrorResponse{JSONRPC: Version, Error: rpcErr, ID: id}
}

// NewNotification builds a server-initiated notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}
