package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/repobridge/mcp-server/pkg/auth"
	"github.com/repobridge/mcp-server/pkg/errors"
	"github.com/repobridge/mcp-server/pkg/logging"
)

// DefaultMaxTools bounds the registry when no capacity is configured.
const DefaultMaxTools = 256

// EventType identifies a registry lifecycle event.
type EventType string

const (
	EventRegistered   EventType = "tool_registered"
	EventUnregistered EventType = "tool_unregistered"
)

// Event is delivered to subscribed listeners synchronously, before the
// triggering call returns.
type Event struct {
	Type EventType
	Name string
}

// Listener receives registry events.
type Listener func(Event)

// MetricsRecorder receives one observation per tool execution. Implemented
// by the observability metrics provider.
type MetricsRecorder interface {
	RecordToolCall(tool string, elapsed time.Duration, success bool)
}

// ToolStats tracks per-tool execution statistics.
type ToolStats struct {
	Executions   int64         `json:"executions"`
	Successes    int64         `json:"successes"`
	Failures     int64         `json:"failures"`
	AvgDuration  time.Duration `json:"avgDuration"`
	LastExecuted time.Time     `json:"lastExecuted,omitempty"`
}

// Stats aggregates registry-wide statistics.
type Stats struct {
	Total      int            `json:"total"`
	Enabled    int            `json:"enabled"`
	Disabled   int            `json:"disabled"`
	ByCategory map[string]int `json:"byCategory"`
	MostUsed   []ToolUsage    `json:"mostUsed"`

	Executions  int64         `json:"executions"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	AvgDuration time.Duration `json:"avgDuration"`
}

// ToolUsage pairs a tool name with its execution count for rankings.
type ToolUsage struct {
	Name       string `json:"name"`
	Executions int64  `json:"executions"`
}

// Config configures a Registry.
type Config struct {
	// MaxTools caps registrations; zero means DefaultMaxTools.
	MaxTools int

	// ExecutionDeadline is the soft per-call deadline. Exceeding it is
	// reported as a tool execution failure. Zero disables the deadline.
	ExecutionDeadline time.Duration
}

// Registry owns the tool index. All access goes through its methods; the
// index is never handed out for direct mutation.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string]*Tool
	byCategory map[string][]string
	stats      map[string]*ToolStats
	aggregate  ToolStats

	cfg       Config
	errs      *errors.Handler
	logger    logging.Logger
	metrics   MetricsRecorder
	listeners []Listener
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithErrorHandler attaches the shared error handler.
func WithErrorHandler(h *errors.Handler) Option {
	return func(r *Registry) { r.errs = h }
}

// WithMetrics attaches a tool-call metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a tool registry.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.MaxTools <= 0 {
		cfg.MaxTools = DefaultMaxTools
	}
	r := &Registry{
		byName:     make(map[string]*Tool),
		byCategory: make(map[string][]string),
		stats:      make(map[string]*ToolStats),
		cfg:        cfg,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.errs == nil {
		r.errs = errors.NewHandler()
	}
	return r
}

// Subscribe adds a listener for registration events.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Registry) notify(ev Event) {
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// RegisterOptions controls registration behavior.
type RegisterOptions struct {
	// Overwrite permits replacing an existing tool of the same name.
	Overwrite bool
}

// Register validates and indexes a tool. Duplicate names are rejected unless
// opts.Overwrite is set; a full registry rejects all new names.
func (r *Registry) Register(tool Tool, opts RegisterOptions) error {
	if err := validateShape(&tool); err != nil {
		return errors.ValidationFailed(err.Error())
	}

	r.mu.Lock()
	_, exists := r.byName[tool.Name]
	if exists && !opts.Overwrite {
		r.mu.Unlock()
		return errors.ValidationFailed(fmt.Sprintf("tool %q already registered", tool.Name))
	}
	if !exists && len(r.byName) >= r.cfg.MaxTools {
		current := len(r.byName)
		r.mu.Unlock()
		return errors.RateLimitExceeded(current, r.cfg.MaxTools).WithDetail("tool registry at capacity")
	}

	if exists {
		r.removeFromCategoryLocked(tool.Name)
	}
	stored := tool
	r.byName[tool.Name] = &stored
	if tool.Category != "" {
		r.byCategory[tool.Category] = append(r.byCategory[tool.Category], tool.Name)
	}
	if _, ok := r.stats[tool.Name]; !ok {
		r.stats[tool.Name] = &ToolStats{}
	}
	r.mu.Unlock()

	r.logger.Debug("tool registered", logging.String("tool", tool.Name), logging.String("category", tool.Category))
	r.notify(Event{Type: EventRegistered, Name: tool.Name})
	return nil
}

// Unregister removes a tool from both indexes and reports whether it was
// found.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.byName[name]
	if ok {
		// Category removal resolves through byName, so it must run before
		// the entry is deleted.
		r.removeFromCategoryLocked(name)
		delete(r.byName, name)
		delete(r.stats, name)
	}
	r.mu.Unlock()

	if ok {
		r.logger.Debug("tool unregistered", logging.String("tool", name))
		r.notify(Event{Type: EventUnregistered, Name: name})
	}
	return ok
}

func (r *Registry) removeFromCategoryLocked(name string) {
	tool, ok := r.byName[name]
	if !ok || tool.Category == "" {
		return
	}
	names := r.byCategory[tool.Category]
	for i, n := range names {
		if n == name {
			r.byCategory[tool.Category] = append(names[:i], names[i+1:]...)
			break
		}
	}
	if len(r.byCategory[tool.Category]) == 0 {
		delete(r.byCategory, tool.Category)
	}
}

// Get returns a copy of the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.byName[name]
	if !ok {
		return Tool{}, false
	}
	return *tool, true
}

// ListEnabled returns all enabled tools sorted by name.
func (r *Registry) ListEnabled() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.byName))
	for _, tool := range r.byName {
		if tool.Enabled {
			out = append(out, *tool)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolsByCategory returns the tools in a category sorted by name.
func (r *Registry) ToolsByCategory(category string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, name := range r.byCategory[category] {
		if tool, ok := r.byName[name]; ok {
			out = append(out, *tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search returns tools whose name or description contains the query, case
// insensitive.
func (r *Registry) Search(query string) []Tool {
	query = strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, tool := range r.byName {
		if strings.Contains(strings.ToLower(tool.Name), query) ||
			strings.Contains(strings.ToLower(tool.Description), query) {
			out = append(out, *tool)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Categories returns all known categories sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byCategory))
	for c := range r.byCategory {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Execute runs the named tool with authorization and parameter checks.
// Failures of any kind are returned as structured errors; a tool that
// panics or exceeds the soft deadline is reported as an execution failure,
// never propagated raw. Statistics are updated regardless of outcome.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}, ec *ExecutionContext) (interface{}, error) {
	r.mu.RLock()
	tool, ok := r.byName[name]
	r.mu.RUnlock()

	if !ok || !tool.Enabled {
		return nil, errors.ToolNotFound(name)
	}

	var user *auth.UserInfo
	if ec != nil {
		user = ec.User
	}
	if err := auth.Authorize(user, tool.Auth); err != nil {
		r.recordExecution(name, 0, false)
		return nil, errors.AuthorizationFailed(err.Error()).WithContext(&errors.Context{
			SessionID: sessionID(ec),
			Operation: "tools/call:" + name,
			Timestamp: time.Now(),
		})
	}

	checked, err := checkParams(tool, params)
	if err != nil {
		r.recordExecution(name, 0, false)
		return nil, errors.ValidationFailed(err.Error())
	}

	execCtx := ctx
	if r.cfg.ExecutionDeadline > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.cfg.ExecutionDeadline)
		defer cancel()
	}

	start := time.Now()
	result, execErr := r.invoke(execCtx, tool, checked, ec)
	elapsed := time.Since(start)

	if execErr == nil && execCtx.Err() != nil {
		execErr = execCtx.Err()
	}
	r.recordExecution(name, elapsed, execErr == nil)

	if execErr != nil {
		if se, isStructured := errors.As(execErr); isStructured {
			return nil, se
		}
		return nil, errors.ToolExecutionFailed(name, execErr).WithDetail(execErr.Error())
	}
	return result, nil
}

// invoke calls the tool's execute capability with panic containment.
func (r *Registry) invoke(ctx context.Context, tool *Tool, params map[string]interface{}, ec *ExecutionContext) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", logging.String("tool", tool.Name), logging.Any("panic", rec))
			result = nil
			err = fmt.Errorf("tool panicked: %v", rec)
		}
	}()
	return tool.Execute(ctx, params, ec)
}

// recordExecution updates per-tool and aggregate statistics using the
// streaming mean avg' = (avg*(n-1)+x)/n.
func (r *Registry) recordExecution(name string, elapsed time.Duration, success bool) {
	if r.metrics != nil {
		r.metrics.RecordToolCall(name, elapsed, success)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	update := func(s *ToolStats) {
		s.Executions++
		if success {
			s.Successes++
		} else {
			s.Failures++
		}
		n := s.Executions
		s.AvgDuration = time.Duration((int64(s.AvgDuration)*(n-1) + int64(elapsed)) / n)
		s.LastExecuted = time.Now()
	}

	if s, ok := r.stats[name]; ok {
		update(s)
	}
	update(&r.aggregate)
}

// StatsFor returns a copy of a tool's statistics.
func (r *Registry) StatsFor(name string) (ToolStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stats[name]
	if !ok {
		return ToolStats{}, false
	}
	return *s, true
}

// RegistryStats aggregates totals, category breakdown and a most-used
// ranking by execution count.
func (r *Registry) RegistryStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:       len(r.byName),
		ByCategory:  make(map[string]int, len(r.byCategory)),
		Executions:  r.aggregate.Executions,
		Successes:   r.aggregate.Successes,
		Failures:    r.aggregate.Failures,
		AvgDuration: r.aggregate.AvgDuration,
	}
	for _, tool := range r.byName {
		if tool.Enabled {
			stats.Enabled++
		} else {
			stats.Disabled++
		}
	}
	for category, names := range r.byCategory {
		stats.ByCategory[category] = len(names)
	}
	for name, s := range r.stats {
		if s.Executions > 0 {
			stats.MostUsed = append(stats.MostUsed, ToolUsage{Name: name, Executions: s.Executions})
		}
	}
	sort.Slice(stats.MostUsed, func(i, j int) bool {
		if stats.MostUsed[i].Executions != stats.MostUsed[j].Executions {
			return stats.MostUsed[i].Executions > stats.MostUsed[j].Executions
		}
		return stats.MostUsed[i].Name < stats.MostUsed[j].Name
	})
	return stats
}

func sessionID(ec *ExecutionContext) string {
	if ec == nil {
		return ""
	}
	return ec.SessionID
}
