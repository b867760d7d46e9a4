package protocol

import "fmt"

// JSON-RPC 2.0 error codes. The -32000 range carries transport-level
// concerns (auth, rate limits); the -32100 range carries application
// concerns surfaced by method handlers.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeAuthRequired     = -32001
	CodePermissionDenied = -32002
	CodeRateLimited      = -32003

	CodeSessionError   = -32100
	CodeEntityNotFound = -32101
	CodeInvalidState   = -32102
	CodeRoutingError   = -32103
	CodeNotLeader      = -32104
)

// Error is a JSON-RPC error object. Handlers return *Error to control the
// code put on the wire; any other error becomes CodeInternalError without
// leaking its text to the client.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func ParseError(detail string) *Error {
	return &Error{Code: CodeParseError, Message: "Parse error", Data: detail}
}

func InvalidRequest(detail string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: detail}
}

func MethodNotFound(method string) *Error {
	return Errorf(CodeMethodNotFound, "Method not found: %s", method)
}

func InvalidParams(detail string) *Error {
	return &Error{Code: CodeInvalidParams, Message: detail}
}

func InternalError() *Error {
	return &Error{Code: CodeInternalError, Message: "Internal error"}
}

func AuthRequired() *Error {
	return &Error{Code: CodeAuthRequired, Message: "Authentication required"}
}

func PermissionDenied(perm string) *Error {
	return Errorf(CodePermissionDenied, "Missing permission: %s", perm)
}

func RateLimited(method string) *Error {
	return Errorf(CodeRateLimited, "Rate limit exceeded for %s", method)
}

func SessionError(detail string) *Error {
	return &Error{Code: CodeSessionError, Message: detail}
}

func EntityNotFound(detail string) *Error {
	return &Error{Code: CodeEntityNotFound, Message: detail}
}

func InvalidState(detail string) *Error {
	return &Error{Code: CodeInvalidState, Message: detail}
}

func RoutingError(detail string) *Error {
	return &Error{Code: CodeRoutingError, Message: detail}
}

// NotLeader carries the last known leader so callers can redirect.
func NotLeader(leaderID string) *Error {
	return &Error{
		Code:    CodeNotLeader,
		Message: "Not the leader",
		Data:    map[string]string{"leader_id": leaderID},
	}
}
