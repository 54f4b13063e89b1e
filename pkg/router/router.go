// Package router turns raw transport payloads into protocol-compliant
// responses. It owns the method dispatch table and the message statistics;
// session state and tool execution are delegated to their owning components.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/repobridge/mcp-server/pkg/errors"
	"github.com/repobridge/mcp-server/pkg/logging"
	"github.com/repobridge/mcp-server/pkg/protocol"
	"github.com/repobridge/mcp-server/pkg/registry"
	"github.com/repobridge/mcp-server/pkg/session"
)

// Batch size bounds fixed by the protocol. A batch outside these bounds is
// rejected before any member is processed.
const (
	MinBatchSize = 1
	MaxBatchSize = 100
)

// DefaultShutdownDelay separates the shutdown acknowledgement from the
// actual stop sequence so the response reaches the wire first.
const DefaultShutdownDelay = 100 * time.Millisecond

// Message type labels used in the statistics histogram.
const (
	typeRequest      = "request"
	typeNotification = "notification"
	typeResponse     = "response"
	typeBatch        = "batch"
	typeInvalid      = "invalid"
)

// ConnContext is the per-connection context a transport hands to the router
// alongside each raw payload. SessionID may be empty before a session has
// been admitted.
type ConnContext struct {
	SessionID string
	Transport string
}

// MetricsRecorder receives per-message observations. The observability
// package provides the Prometheus-backed implementation.
type MetricsRecorder interface {
	RecordMessage(method, msgType string, elapsed time.Duration, success bool)
}

// Config configures a Router.
type Config struct {
	ServerName    string
	ServerVersion string

	// MaxBatchSize caps batch length; zero means the protocol bound.
	MaxBatchSize int

	// DisableNotifications makes inbound notifications an invalid-request
	// condition (recorded, never answered) instead of dispatching them.
	DisableNotifications bool

	// ShutdownDelay is how long after acknowledging a shutdown request the
	// stop function fires.
	ShutdownDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServerName == "" {
		c.ServerName = "mcp-server"
	}
	if c.ServerVersion == "" {
		c.ServerVersion = "0.0.0"
	}
	if c.MaxBatchSize <= 0 || c.MaxBatchSize > MaxBatchSize {
		c.MaxBatchSize = MaxBatchSize
	}
	if c.ShutdownDelay <= 0 {
		c.ShutdownDelay = DefaultShutdownDelay
	}
	return c
}

// Stats are the router's running message statistics.
type Stats struct {
	Total         int64            `json:"total"`
	Succeeded     int64            `json:"succeeded"`
	Failed        int64            `json:"failed"`
	ByType        map[string]int64 `json:"byType"`
	AvgProcessing time.Duration    `json:"avgProcessing"`
}

type handlerFunc func(ctx context.Context, conn *ConnContext, msg *protocol.Message) (interface{}, error)

// Router parses, validates, and dispatches JSON-RPC payloads.
type Router struct {
	cfg      Config
	sessions *session.Manager
	tools    *registry.Registry
	errs     *errors.Handler
	logger   logging.Logger
	metrics  MetricsRecorder
	tracer   trace.Tracer
	handlers map[string]handlerFunc

	onShutdown func()

	statsMu sync.Mutex
	stats   Stats
	now     func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithErrorHandler attaches the shared error handler.
func WithErrorHandler(h *errors.Handler) Option {
	return func(r *Router) { r.errs = h }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Router) { r.metrics = m }
}

// WithTracer attaches a tracer; a span is started per processed message.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// WithShutdownFunc sets the function scheduled when a shutdown request is
// acknowledged.
func WithShutdownFunc(fn func()) Option {
	return func(r *Router) { r.onShutdown = fn }
}

// New creates a Router over the given session manager and tool registry.
func New(cfg Config, sessions *session.Manager, tools *registry.Registry, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		tools:    tools,
		logger:   logging.Nop(),
		now:      time.Now,
		stats:    Stats{ByType: make(map[string]int64)},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.errs == nil {
		r.errs = errors.NewHandler()
	}
	r.handlers = map[string]handlerFunc{
		protocol.MethodInitialize: r.handleInitialize,
		protocol.MethodListTools:  r.handleListTools,
		protocol.MethodCallTool:   r.handleCallTool,
		protocol.MethodPing:       r.handlePing,
		protocol.MethodShutdown:   r.handleShutdown,
	}
	return r
}

// Process handles one raw payload from a transport and returns the
// serialized response, or nil when nothing is owed (notifications, or a
// batch consisting only of notifications).
func (r *Router) Process(ctx context.Context, conn *ConnContext, raw []byte) []byte {
	if conn == nil {
		conn = &ConnContext{}
	}
	if protocol.IsBatch(raw) {
		return r.processBatch(ctx, conn, raw)
	}

	var msg protocol.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		resp := r.errorResponse(nil, errors.CodeParseError, "Parse error", conn, "")
		return marshal(resp)
	}
	out := r.processSingle(ctx, conn, &msg)
	if out == nil {
		return nil
	}
	return marshal(out)
}

// processBatch decodes and processes a batch. Bounds are enforced before any
// member runs; members fail independently; result order mirrors input order
// with notifications omitted.
func (r *Router) processBatch(ctx context.Context, conn *ConnContext, raw []byte) []byte {
	started := r.now()

	var members []json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		resp := r.errorResponse(nil, errors.CodeParseError, "Parse error", conn, "")
		return marshal(resp)
	}
	if len(members) < MinBatchSize || len(members) > r.cfg.MaxBatchSize {
		resp := r.errorResponse(nil, errors.CodeInvalidRequest,
			fmt.Sprintf("Batch size %d outside bounds [%d,%d]", len(members), MinBatchSize, r.cfg.MaxBatchSize),
			conn, "")
		r.record(typeBatch, r.now().Sub(started), false)
		return marshal(resp)
	}

	responses := make([]*protocol.Response, 0, len(members))
	for _, member := range members {
		var msg protocol.Message
		if err := json.Unmarshal(member, &msg); err != nil {
			responses = append(responses, r.errorResponse(nil, errors.CodeInvalidRequest, "Invalid request", conn, ""))
			continue
		}
		if out := r.processSingle(ctx, conn, &msg); out != nil {
			responses = append(responses, out)
		}
	}
	r.record(typeBatch, r.now().Sub(started), true)

	if len(responses) == 0 {
		return nil
	}
	return marshal(responses)
}

// processSingle validates and dispatches one parsed message. Returns nil for
// notifications and inbound responses.
func (r *Router) processSingle(ctx context.Context, conn *ConnContext, msg *protocol.Message) *protocol.Response {
	started := r.now()

	if err := validateMessage(msg); err != nil {
		r.record(typeInvalid, r.now().Sub(started), false)
		if !msg.HasID() {
			// No id means no response entry, ever. Recorded only.
			r.errs.FromError(err, r.errorContext(conn, msg.Method, nil))
			return nil
		}
		return r.failure(msg.ID, err, conn, msg.Method)
	}

	if msg.IsResponse() {
		// This server initiates no requests, so inbound responses have no
		// pending call to match. Logged and dropped.
		r.logger.Debug("unsolicited response dropped", logging.String("session_id", conn.SessionID))
		r.record(typeResponse, r.now().Sub(started), true)
		return nil
	}

	if msg.IsNotification() {
		r.handleNotification(conn, msg)
		r.record(typeNotification, r.now().Sub(started), true)
		return nil
	}

	resp := r.dispatch(ctx, conn, msg)
	r.record(typeRequest, r.now().Sub(started), resp.Error == nil)
	return resp
}

// dispatch runs the request through the method table with panic recovery.
func (r *Router) dispatch(ctx context.Context, conn *ConnContext, msg *protocol.Message) (resp *protocol.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in method handler",
				logging.String("method", msg.Method), logging.Any("panic", rec))
			resp = r.errorResponse(msg.ID, errors.CodeInternalError, "Internal error", conn, msg.Method)
		}
	}()

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "rpc."+msg.Method,
			trace.WithAttributes(
				attribute.String("rpc.method", msg.Method),
				attribute.String("session.id", conn.SessionID),
			))
		defer span.End()
	}

	handler, ok := r.handlers[msg.Method]
	if !ok {
		return r.failure(msg.ID, errors.MethodNotFound(msg.Method), conn, msg.Method)
	}

	if conn.SessionID != "" {
		if err := r.sessions.Touch(conn.SessionID); err != nil {
			return r.failure(msg.ID, err, conn, msg.Method)
		}
	}

	result, err := handler(ctx, conn, msg)
	if err != nil {
		return r.failure(msg.ID, err, conn, msg.Method)
	}
	return protocol.NewResponse(msg.ID, result)
}

// handleNotification dispatches a notification; no response is ever
// produced. When notifications are disabled the condition is recorded as an
// invalid request but still not answered.
func (r *Router) handleNotification(conn *ConnContext, msg *protocol.Message) {
	if r.cfg.DisableNotifications {
		r.errs.CreateResponse(errors.CodeInvalidRequest, "Notifications are disabled",
			r.errorContext(conn, msg.Method, nil))
		return
	}
	switch msg.Method {
	case protocol.NotificationInitialized:
		r.logger.Info("client initialized", logging.String("session_id", conn.SessionID))
		if conn.SessionID != "" {
			_ = r.sessions.Touch(conn.SessionID)
		}
	default:
		r.logger.Debug("unhandled notification", logging.String("method", msg.Method))
	}
}

// validateMessage enforces the envelope rules: protocol version declared,
// method or result or error present, and any error object complete.
func validateMessage(msg *protocol.Message) error {
	if msg.JSONRPC != protocol.Version {
		return errors.InvalidRequest("jsonrpc version must be \"2.0\"")
	}
	if msg.Method == "" && len(msg.Result) == 0 && msg.Error == nil {
		return errors.InvalidRequest("message must carry a method, result, or error")
	}
	if msg.Error != nil && (msg.Error.Code == 0 || msg.Error.Message == "") {
		return errors.InvalidRequest("error object must carry a numeric code and message")
	}
	return nil
}

// failure converts any component error into a protocol error response
// addressed to the given id.
func (r *Router) failure(id json.RawMessage, err error, conn *ConnContext, method string) *protocol.Response {
	resp := r.errs.FromError(err, r.errorContext(conn, method, id))
	return protocol.NewErrorResponse(id, &protocol.Error{
		Code:    resp.Code,
		Message: resp.Message,
		Data:    resp.Data,
	})
}

// errorResponse builds a protocol error response for a known code, routing
// through the error handler so the failure is logged and counted.
func (r *Router) errorResponse(id json.RawMessage, code int, message string, conn *ConnContext, method string) *protocol.Response {
	resp := r.errs.CreateResponse(code, message, r.errorContext(conn, method, id))
	return protocol.NewErrorResponse(id, &protocol.Error{
		Code:    resp.Code,
		Message: resp.Message,
		Data:    resp.Data,
	})
}

func (r *Router) errorContext(conn *ConnContext, method string, id json.RawMessage) *errors.Context {
	ctx := &errors.Context{
		SessionID: conn.SessionID,
		Method:    method,
		Timestamp: r.now(),
	}
	if len(id) > 0 {
		ctx.RequestID = string(id)
	}
	return ctx
}

// record updates the message statistics with the streaming mean
// avg' = (avg*(n-1)+x)/n, n being the post-increment total.
func (r *Router) record(msgType string, elapsed time.Duration, success bool) {
	r.statsMu.Lock()
	r.stats.Total++
	if success {
		r.stats.Succeeded++
	} else {
		r.stats.Failed++
	}
	r.stats.ByType[msgType]++
	n := r.stats.Total
	r.stats.AvgProcessing = time.Duration((int64(r.stats.AvgProcessing)*(n-1) + int64(elapsed)) / n)
	r.statsMu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordMessage("", msgType, elapsed, success)
	}
}

// Statistics returns a copy of the running message statistics.
func (r *Router) Statistics() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	out := r.stats
	out.ByType = make(map[string]int64, len(r.stats.ByType))
	for k, v := range r.stats.ByType {
		out.ByType[k] = v
	}
	return out
}

func marshal(v interface{}) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		// Response shapes are built from marshalable types only; reaching
		// this means a programming error upstream.
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"Internal error"}}`)
	}
	return out
}
