// Package errors provides the shared error taxonomy for the MCP tool
// server. Every component converts its failures into structured errors here
// before they cross into the protocol layer; nothing throws an unstructured
// failure across that boundary.
package errors

import (
	"fmt"
	"time"
)

// Context records where and when an error occurred. It is attached to the
// error data payload sent back to clients, minus anything sensitive.
type Context struct {
	RequestID interface{}            `json:"requestId,omitempty"`
	SessionID string                 `json:"sessionId,omitempty"`
	Method    string                 `json:"method,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Error is the structured error used throughout the server. It carries a
// taxonomy code, a client-safe message, and optional context; the underlying
// cause never leaks across the protocol boundary.
type Error struct {
	code    int
	message string
	detail  string
	data    interface{}
	ctx     *Context
	cause   error
}

// New creates a structured error for the given taxonomy code.
func New(code int, message string) *Error {
	return &Error{
		code:    code,
		message: message,
		ctx:     &Context{Timestamp: time.Now()},
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code int, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error recording err as its cause. The cause is
// available through Unwrap for logs but is never serialized to clients.
func Wrap(err error, code int, message string) *Error {
	e := New(code, message)
	e.cause = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("%s: %s", e.message, e.detail)
	}
	return e.message
}

// Code returns the taxonomy code.
func (e *Error) Code() int { return e.code }

// Message returns the client-safe message.
func (e *Error) Message() string { return e.message }

// Data returns structured data attached to the error, if any.
func (e *Error) Data() interface{} { return e.data }

// Category returns the static category classification for the code.
func (e *Error) Category() Category { return CategoryForCode(e.code) }

// Severity returns the static severity classification for the code.
func (e *Error) Severity() Severity { return SeverityForCode(e.code) }

// Context returns the error context, never nil.
func (e *Error) Context() *Context { return e.ctx }

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error { return e.cause }

// WithContext returns a copy of the error with ctx attached.
func (e *Error) WithContext(ctx *Context) *Error {
	cp := *e
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now()
	}
	cp.ctx = ctx
	return &cp
}

// WithDetail returns a copy of the error with an additional server-side
// detail. Details show up in logs and in Error(), not on the wire.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	if cp.detail != "" {
		cp.detail = cp.detail + "; " + detail
	} else {
		cp.detail = detail
	}
	return &cp
}

// WithData returns a copy of the error with structured data attached.
func (e *Error) WithData(data interface{}) *Error {
	cp := *e
	cp.data = data
	return &cp
}

// As extracts a structured *Error from any error.
func As(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if se, ok := err.(*Error); ok {
		return se, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code for err, or CodeInternalError when err is
// not a structured error.
func CodeOf(err error) int {
	if se, ok := As(err); ok {
		return se.Code()
	}
	return CodeInternalError
}

// IsCode reports whether err is a structured error with the given code.
func IsCode(err error, code int) bool {
	se, ok := As(err)
	return ok && se.Code() == code
}

// Convenience constructors for the common kinds.

// ParseError reports unparseable JSON.
func ParseError(cause error) *Error {
	return Wrap(cause, CodeParseError, "Parse error")
}

// InvalidRequest reports a structurally invalid JSON-RPC message.
func InvalidRequest(reason string) *Error {
	return New(CodeInvalidRequest, "Invalid request").WithDetail(reason)
}

// MethodNotFound reports an unknown method name.
func MethodNotFound(method string) *Error {
	return Newf(CodeMethodNotFound, "Method not found: %s", method)
}

// InvalidParams reports invalid or missing request parameters.
func InvalidParams(reason string) *Error {
	return New(CodeInvalidParams, "Invalid params").WithDetail(reason)
}

// Internal reports an unexpected server-side failure.
func Internal(operation string, cause error) *Error {
	return Wrap(cause, CodeInternalError, "Internal error").WithDetail(operation)
}

// ToolNotFound reports an absent or disabled tool.
func ToolNotFound(name string) *Error {
	return Newf(CodeToolNotFound, "Tool not found: %s", name)
}

// ToolExecutionFailed wraps a tool failure without leaking its stack.
func ToolExecutionFailed(name string, cause error) *Error {
	return Wrap(cause, CodeToolExecutionFailed, fmt.Sprintf("Tool execution failed: %s", name))
}

// SessionExpired reports an expired or evicted session.
func SessionExpired(sessionID string) *Error {
	return New(CodeSessionExpired, "Session expired").WithContext(&Context{SessionID: sessionID, Timestamp: time.Now()})
}

// SessionNotFound reports an unknown session id.
func SessionNotFound(sessionID string) *Error {
	return Newf(CodeResourceNotFound, "Session not found: %s", sessionID)
}

// RateLimitExceeded reports a capacity limit with current/limit counts on
// the data payload so callers can back off intelligently.
func RateLimitExceeded(current, limit int) *Error {
	return New(CodeRateLimitExceeded, "Rate limit exceeded").WithData(map[string]interface{}{
		"current": current,
		"limit":   limit,
	})
}

// AuthenticationFailed reports failed credential validation.
func AuthenticationFailed(reason string) *Error {
	return New(CodeAuthenticationFailed, "Authentication failed").WithDetail(reason)
}

// AuthorizationFailed reports a permission check failure.
func AuthorizationFailed(reason string) *Error {
	return New(CodeAuthorizationFailed, "Authorization failed").WithDetail(reason)
}

// ValidationFailed reports a tool registration or parameter validation
// failure.
func ValidationFailed(reason string) *Error {
	return New(CodeInvalidParams, "Validation failed").WithDetail(reason)
}

// TransportError reports a transport channel failure.
func TransportError(operation string, cause error) *Error {
	return Wrap(cause, CodeTransportError, "Transport error").WithDetail(operation)
}
