package errors

// JSON-RPC 2.0 standard error codes.
const (
	// CodeParseError indicates invalid JSON was received by the server
	CodeParseError int = -32700

	// CodeInvalidRequest indicates the JSON sent is not a valid Request object
	CodeInvalidRequest int = -32600

	// CodeMethodNotFound indicates the method does not exist / is not available
	CodeMethodNotFound int = -32601

	// CodeInvalidParams indicates invalid method parameter(s)
	CodeInvalidParams int = -32602

	// CodeInternalError indicates an internal JSON-RPC error
	CodeInternalError int = -32603
)

// Server-defined error codes. These are part of the wire contract and must
// not be renumbered.
const (
	// CodeInitializationFailed indicates the protocol handshake failed
	CodeInitializationFailed int = -32000

	// CodeToolNotFound indicates the requested tool is absent or disabled
	CodeToolNotFound int = -32001

	// CodeToolExecutionFailed indicates a tool ran and failed
	CodeToolExecutionFailed int = -32002

	// CodeTransportError indicates a failure in the transport channel
	CodeTransportError int = -32003

	// CodeSessionExpired indicates the session timed out or was evicted
	CodeSessionExpired int = -32004

	// CodeRateLimitExceeded indicates a capacity or rate limit was hit
	CodeRateLimitExceeded int = -32005

	// CodeAuthenticationFailed indicates the client could not be authenticated
	CodeAuthenticationFailed int = -32006

	// CodeAuthorizationFailed indicates the caller lacks required permissions
	CodeAuthorizationFailed int = -32007

	// CodeResourceNotFound indicates a requested resource was not found
	CodeResourceNotFound int = -32008

	// CodeConcurrentConflict indicates a conflicting concurrent operation
	CodeConcurrentConflict int = -32009

	// CodeMemoryLimitExceeded indicates a memory limit was exceeded
	CodeMemoryLimitExceeded int = -32010
)

// Category classifies an error kind for handling policy: protocol-syntax
// errors are caller-fault and never retried, capacity errors are retryable
// after a wait, and so on.
type Category string

const (
	CategoryProtocol   Category = "protocol"
	CategoryValidation Category = "validation"
	CategoryAuth       Category = "auth"
	CategorySession    Category = "session"
	CategoryCapacity   Category = "capacity"
	CategoryTool       Category = "tool"
	CategoryTransport  Category = "transport"
	CategoryInternal   Category = "internal"
)

// Severity selects the log level for an error. It has no effect on control
// flow.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// CodeInfo provides static classification for an error code.
type CodeInfo struct {
	Code     int
	Name     string
	Message  string
	Category Category
	Severity Severity
}

var codeRegistry = map[int]CodeInfo{
	CodeParseError:     {CodeParseError, "ParseError", "Parse error", CategoryProtocol, SeverityMedium},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid request", CategoryProtocol, SeverityMedium},
	CodeMethodNotFound: {CodeMethodNotFound, "MethodNotFound", "Method not found", CategoryProtocol, SeverityLow},
	CodeInvalidParams:  {CodeInvalidParams, "InvalidParams", "Invalid params", CategoryValidation, SeverityLow},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal error", CategoryInternal, SeverityCritical},

	CodeInitializationFailed: {CodeInitializationFailed, "InitializationFailed", "Initialization failed", CategoryInternal, SeverityCritical},
	CodeToolNotFound:         {CodeToolNotFound, "ToolNotFound", "Tool not found", CategoryTool, SeverityLow},
	CodeToolExecutionFailed:  {CodeToolExecutionFailed, "ToolExecutionFailed", "Tool execution failed", CategoryTool, SeverityMedium},
	CodeTransportError:       {CodeTransportError, "TransportError", "Transport error", CategoryTransport, SeverityHigh},
	CodeSessionExpired:       {CodeSessionExpired, "SessionExpired", "Session expired", CategorySession, SeverityMedium},
	CodeRateLimitExceeded:    {CodeRateLimitExceeded, "RateLimitExceeded", "Rate limit exceeded", CategoryCapacity, SeverityMedium},
	CodeAuthenticationFailed: {CodeAuthenticationFailed, "AuthenticationFailed", "Authentication failed", CategoryAuth, SeverityHigh},
	CodeAuthorizationFailed:  {CodeAuthorizationFailed, "AuthorizationFailed", "Authorization failed", CategoryAuth, SeverityMedium},
	CodeResourceNotFound:     {CodeResourceNotFound, "ResourceNotFound", "Resource not found", CategorySession, SeverityLow},
	CodeConcurrentConflict:   {CodeConcurrentConflict, "ConcurrentOperationConflict", "Concurrent operation conflict", CategoryCapacity, SeverityMedium},
	CodeMemoryLimitExceeded:  {CodeMemoryLimitExceeded, "MemoryLimitExceeded", "Memory limit exceeded", CategoryInternal, SeverityCritical},
}

// InfoForCode returns classification for a code, or a generic internal
// classification for codes outside the taxonomy.
func InfoForCode(code int) CodeInfo {
	if info, ok := codeRegistry[code]; ok {
		return info
	}
	return CodeInfo{Code: code, Name: "UnknownError", Message: "Unknown error", Category: CategoryInternal, Severity: SeverityHigh}
}

// SeverityForCode returns the static severity classification for a code.
func SeverityForCode(code int) Severity {
	return InfoForCode(code).Severity
}

// CategoryForCode returns the static category classification for a code.
func CategoryForCode(code int) Category {
	return InfoForCode(code).Category
}

// IsRetryable reports whether the caller may meaningfully retry after this
// error kind. Protocol-syntax and authorization errors are terminal for the
// request; capacity, transport and session errors are not.
func IsRetryable(code int) bool {
	switch CategoryForCode(code) {
	case CategoryCapacity, CategoryTransport, CategorySession:
		return true
	default:
		return false
	}
}
