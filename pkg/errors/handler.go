package errors

import (
	"sync"
	"time"
)

// DefaultLogCapacity bounds the in-memory error log.
const DefaultLogCapacity = 256

// errorRateWindow is the trailing window used for the error rate statistic.
const errorRateWindow = 60 * time.Second

// Logger is the minimal logging surface the handler needs. The logging
// package adapts its structured logger to this; keeping the interface local
// avoids an import cycle between errors and logging.
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// Reporter receives one observation per handled error. Implemented by the
// observability metrics provider; kept local for the same cycle reason as
// Logger.
type Reporter interface {
	RecordError(code int, category string)
}

// Response is the structured failure shape handed to the protocol layer and
// recorded in the error log.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *Data  `json:"data,omitempty"`
}

// Data is the optional payload attached to an error response.
type Data struct {
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"sessionId,omitempty"`
	RequestID interface{}            `json:"requestId,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Recovery  []RecoveryStrategy     `json:"recovery,omitempty"`
	Extra     interface{}            `json:"extra,omitempty"`
}

// Handler formats failures into Responses, keeps a bounded log of recent
// errors, and tracks per-code counters. All of its state is guarded by a
// single mutex; callers never touch it directly.
type Handler struct {
	mu       sync.Mutex
	log      []loggedError // ring buffer, oldest first
	capacity int
	byCode   map[int]int64
	total    int64
	logger   Logger
	reporter Reporter
	now      func() time.Time
}

type loggedError struct {
	Response  Response
	Timestamp time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogCapacity overrides the ring buffer capacity.
func WithLogCapacity(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.capacity = n
		}
	}
}

// WithLogger attaches a logger; errors are logged at their severity-derived
// level.
func WithLogger(l Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithReporter attaches a metrics reporter; every handled error is counted
// by code and category.
func WithReporter(r Reporter) HandlerOption {
	return func(h *Handler) { h.reporter = r }
}

// withClock overrides the clock, for tests.
func withClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler creates an error handler.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		capacity: DefaultLogCapacity,
		byCode:   make(map[int]int64),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateResponse builds the structured error response for the given code,
// appends it to the bounded log, bumps the per-code counter, and logs at the
// severity-derived level. ctx may be nil.
func (h *Handler) CreateResponse(code int, message string, ctx *Context) *Response {
	if message == "" {
		message = InfoForCode(code).Message
	}

	resp := Response{Code: code, Message: message}
	now := h.now()
	data := &Data{Timestamp: now}
	if ctx != nil {
		data.SessionID = ctx.SessionID
		data.RequestID = ctx.RequestID
		data.Operation = ctx.Operation
		data.Context = ctx.Metadata
	}
	if strategies := StrategiesForCode(code); len(strategies) > 0 {
		data.Recovery = strategies
	}
	resp.Data = data

	h.mu.Lock()
	h.log = append(h.log, loggedError{Response: resp, Timestamp: now})
	if len(h.log) > h.capacity {
		h.log = h.log[len(h.log)-h.capacity:]
	}
	h.byCode[code]++
	h.total++
	h.mu.Unlock()

	if h.reporter != nil {
		h.reporter.RecordError(code, string(CategoryForCode(code)))
	}
	h.logResponse(&resp)
	return &resp
}

// FromError builds a Response from a structured or plain error. Plain errors
// collapse to an internal error with a generic message; their text never
// reaches the client.
func (h *Handler) FromError(err error, ctx *Context) *Response {
	if se, ok := As(err); ok {
		if ctx == nil {
			ctx = se.Context()
		}
		resp := h.CreateResponse(se.Code(), se.Message(), ctx)
		if se.Data() != nil && resp.Data != nil {
			resp.Data.Extra = se.Data()
		}
		return resp
	}
	return h.CreateResponse(CodeInternalError, "", ctx)
}

// logResponse logs at a level selected by the code's static severity.
func (h *Handler) logResponse(resp *Response) {
	if h.logger == nil {
		return
	}
	fields := map[string]interface{}{
		"code":     resp.Code,
		"category": string(CategoryForCode(resp.Code)),
	}
	if resp.Data != nil {
		if resp.Data.SessionID != "" {
			fields["session_id"] = resp.Data.SessionID
		}
		if resp.Data.Operation != "" {
			fields["operation"] = resp.Data.Operation
		}
	}
	switch SeverityForCode(resp.Code) {
	case SeverityLow:
		h.logger.Debug(resp.Message, fields)
	case SeverityMedium:
		h.logger.Warn(resp.Message, fields)
	default:
		h.logger.Error(resp.Message, fields)
	}
}

// Statistics summarizes handler state.
type Statistics struct {
	Total      int64         `json:"total"`
	ByCode     map[int]int64 `json:"byCode"`
	Recent     []Response    `json:"recent"`
	RatePerMin int           `json:"ratePerMinute"`
}

// Statistics returns total and per-code counts, the most recent logged
// errors (up to n), and the number of errors in the trailing 60 seconds.
func (h *Handler) Statistics(n int) Statistics {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := Statistics{
		Total:  h.total,
		ByCode: make(map[int]int64, len(h.byCode)),
	}
	for code, count := range h.byCode {
		stats.ByCode[code] = count
	}

	if n <= 0 || n > len(h.log) {
		n = len(h.log)
	}
	for _, entry := range h.log[len(h.log)-n:] {
		stats.Recent = append(stats.Recent, entry.Response)
	}

	cutoff := h.now().Add(-errorRateWindow)
	for _, entry := range h.log {
		if entry.Timestamp.After(cutoff) {
			stats.RatePerMin++
		}
	}
	return stats
}
