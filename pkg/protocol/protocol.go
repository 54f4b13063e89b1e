// Package protocol defines the JSON-RPC 2.0 envelope and the fixed MCP
// method surface spoken by the server. The types here are transient: they
// are constructed per message and never persisted.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	// Version is the only supported JSON-RPC version.
	Version = "2.0"
)

// Supported MCP protocol revisions, newest first. The initialize handshake
// negotiates against this set and nothing else.
var SupportedRevisions = []string{"2025-03-26", "2024-11-05"}

// Methods fixed by the protocol.
const (
	MethodInitialize = "initialize"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"
	MethodPing       = "ping"
	MethodShutdown   = "shutdown"

	// NotificationInitialized is sent by the client once it is ready.
	NotificationInitialized = "notifications/initialized"
)

// IsSupportedRevision reports whether the given protocol revision is part of
// the fixed supported set.
func IsSupportedRevision(revision string) bool {
	for _, r := range SupportedRevisions {
		if r == revision {
			return true
		}
	}
	return false
}

// Message is the raw JSON-RPC 2.0 envelope as received off the wire. The ID
// is kept as raw JSON so that an absent id can be distinguished from an
// explicit null, and so that responses echo the id byte-for-byte.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// HasID reports whether the message carries a usable id. An explicit null id
// counts as absent: per JSON-RPC 2.0 a request must carry a non-null id.
func (m *Message) HasID() bool {
	return len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
}

// IsRequest reports whether the message is a request (method and id present).
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.HasID()
}

// IsNotification reports whether the message is a notification (method
// present, id absent).
func (m *Message) IsNotification() bool {
	return m.Method != "" && !m.HasID()
}

// IsResponse reports whether the message is a response (result or error
// present, no method).
func (m *Message) IsResponse() bool {
	return m.Method == "" && (len(m.Result) > 0 || m.Error != nil)
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is an outbound JSON-RPC 2.0 response. The ID field carries the
// originating request id verbatim; it is serialized even when null so that
// unrecoverable parse failures can be addressed to a null id, as JSON-RPC
// 2.0 requires.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse creates a success response echoing the given request id.
func NewResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Result:  result,
	}
}

// NewErrorResponse creates an error response addressed to the given request
// id. Pass a nil id for failures that cannot be attributed to any request.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      normalizeID(id),
		Error:   rpcErr,
	}
}

// normalizeID maps an absent id to an explicit JSON null.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Notification is an outbound JSON-RPC 2.0 notification. Notifications omit
// the id entirely and are never answered.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewNotification creates a notification for the given method.
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	}
}

// IsBatch reports whether the raw payload is a JSON-RPC batch (a JSON
// array). Leading whitespace is permitted by the JSON grammar.
func IsBatch(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
