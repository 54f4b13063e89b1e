package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/repobridge/mcp-server/pkg/auth"
	"github.com/repobridge/mcp-server/pkg/errors"
	"github.com/repobridge/mcp-server/pkg/logging"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxSessions         = 64
	DefaultTimeout             = 30 * time.Minute
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultShutdownTimeout     = 10 * time.Second
)

// Disconnect reasons used by the manager itself.
const (
	ReasonExpired        = "session_expired"
	ReasonServerShutdown = "server_shutdown"
	ReasonStuck          = "session_stuck"
)

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventCreated       EventType = "session_created"
	EventAuthenticated EventType = "session_authenticated"
	EventDisconnected  EventType = "session_disconnected"
	EventExpired       EventType = "session_expired"
)

// Event is delivered to subscribed listeners synchronously, before the
// triggering call returns.
type Event struct {
	Type      EventType
	SessionID string
	ClientID  string
	Reason    string
}

// Listener receives session events.
type Listener func(Event)

// ResourceReleaser releases transport-side resources for a session during
// disconnect. Failures are logged, never propagated.
type ResourceReleaser func(sessionID string) error

// Config configures a Manager. Zero fields take the package defaults.
type Config struct {
	MaxSessions         int
	DefaultTimeout      time.Duration
	HealthCheckInterval time.Duration
	CleanupInterval     time.Duration
	ShutdownTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Stats summarizes the live-session map. Recomputed by full scan on demand;
// session counts are expected to stay small.
type Stats struct {
	Active      int            `json:"active"`
	ByTransport map[string]int `json:"byTransport"`
	ByState     map[string]int `json:"byState"`
	AvgDuration time.Duration  `json:"avgDuration"`
	TotalServed int64          `json:"totalServed"`
}

// Manager owns the live-session map and its state machine. It is an
// explicitly constructed, dependency-injected instance: there is no
// process-wide session state.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	served   int64

	cfg       Config
	validator auth.CredentialValidator
	releaser  ResourceReleaser
	errs      *errors.Handler
	logger    logging.Logger
	listeners []Listener

	sweepCancel  context.CancelFunc
	sweepsDone   chan struct{}
	shuttingDown bool
	shutdownOnce sync.Once
	now          func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithErrorHandler attaches the shared error handler.
func WithErrorHandler(h *errors.Handler) Option {
	return func(m *Manager) { m.errs = h }
}

// WithValidator attaches a credential validator; without one,
// authentication accepts any credentials and records no user.
func WithValidator(v auth.CredentialValidator) Option {
	return func(m *Manager) { m.validator = v }
}

// WithResourceReleaser attaches the transport resource release hook.
func WithResourceReleaser(r ResourceReleaser) Option {
	return func(m *Manager) { m.releaser = r }
}

// withClock overrides the clock, for tests.
func withClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg.withDefaults(),
		logger:   logging.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.errs == nil {
		m.errs = errors.NewHandler()
	}
	return m
}

// Subscribe adds a lifecycle event listener.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(ev Event) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Start launches the health-check and cleanup sweeps on their own timers.
// Both are canceled by Shutdown before any session draining begins.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.sweepCancel = cancel
	m.sweepsDone = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.sweepsDone)
		health := time.NewTicker(m.cfg.HealthCheckInterval)
		cleanup := time.NewTicker(m.cfg.CleanupInterval)
		defer health.Stop()
		defer cleanup.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-health.C:
				m.PerformHealthCheck()
			case <-cleanup.C:
				m.Cleanup()
			}
		}
	}()
}

// CreateSession admits a new client. It is rejected while shutting down or
// when the live count has reached the configured maximum.
func (m *Manager) CreateSession(clientID, transport string) (Session, error) {
	now := m.now()

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return Session{}, errors.New(errors.CodeConcurrentConflict, "Server is shutting down")
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		current := len(m.sessions)
		m.mu.Unlock()
		return Session{}, errors.RateLimitExceeded(current, m.cfg.MaxSessions).WithDetail("session capacity reached")
	}

	s := &Session{
		ID:           newSessionID(clientID, now),
		ClientID:     clientID,
		Transport:    transport,
		State:        StateConnecting,
		CreatedAt:    now,
		LastActivity: now,
		Timeout:      m.cfg.DefaultTimeout,
		VisibleTools: make(map[string]struct{}),
		Metadata:     make(map[string]interface{}),
	}
	m.sessions[s.ID] = s
	m.served++
	snapshot := *s
	m.mu.Unlock()

	m.logger.Info("session created",
		logging.String("session_id", s.ID),
		logging.String("client_id", clientID),
		logging.String("transport", transport))
	m.notify(Event{Type: EventCreated, SessionID: s.ID, ClientID: clientID})
	return snapshot, nil
}

// AuthenticateSession validates credentials and moves the session from
// Connecting to Authenticated. Any other current state is an error and
// leaves the session untouched.
func (m *Manager) AuthenticateSession(ctx context.Context, id string, credentials map[string]interface{}) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	var state State
	if ok {
		state = s.State
	}
	m.mu.RUnlock()

	if !ok {
		return errors.SessionNotFound(id)
	}
	if state != StateConnecting {
		return errors.Newf(errors.CodeConcurrentConflict, "Session %s cannot authenticate from state %s", id, state)
	}

	var user *auth.UserInfo
	if m.validator != nil {
		validated, err := m.validator.Validate(ctx, credentials)
		if err != nil {
			return errors.AuthenticationFailed(err.Error()).WithContext(&errors.Context{
				SessionID: id,
				Operation: "authenticate",
				Timestamp: m.now(),
			})
		}
		user = validated
	}

	m.mu.Lock()
	s, ok = m.sessions[id]
	if !ok || !canTransition(s.State, StateAuthenticated) {
		m.mu.Unlock()
		return errors.Newf(errors.CodeConcurrentConflict, "Session %s changed state during authentication", id)
	}
	s.State = StateAuthenticated
	s.User = user
	s.LastActivity = m.now()
	clientID := s.ClientID
	m.mu.Unlock()

	m.notify(Event{Type: EventAuthenticated, SessionID: id, ClientID: clientID})
	return nil
}

// MarkInitialized records the negotiated protocol version after the
// initialize handshake and promotes a Connecting session to Authenticated
// when no credential validator is configured.
func (m *Manager) MarkInitialized(id, protocolVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errors.SessionNotFound(id)
	}
	s.ProtocolVersion = protocolVersion
	s.Initialized = true
	s.LastActivity = m.now()
	if m.validator == nil && s.State == StateConnecting {
		s.State = StateAuthenticated
	}
	return nil
}

// Touch refreshes a session's activity clock and bumps its request counter.
// An expired session is reported as such without being refreshed.
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return errors.SessionNotFound(id)
	}
	if s.Expired(m.now()) {
		m.mu.Unlock()
		return errors.SessionExpired(id)
	}
	s.LastActivity = m.now()
	s.RequestCount++
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SetMetadata stores a metadata value on the session.
func (m *Manager) SetMetadata(id, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errors.SessionNotFound(id)
	}
	s.Metadata[key] = value
	return nil
}

// SetVisibleTools restricts the session to the named tools. An empty list
// removes the restriction.
func (m *Manager) SetVisibleTools(id string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errors.SessionNotFound(id)
	}
	visible := make(map[string]struct{}, len(names))
	for _, name := range names {
		visible[name] = struct{}{}
	}
	s.VisibleTools = visible
	return nil
}

// DisconnectSession tears a session down: Disconnecting, best-effort
// resource release, removal from the live map, Disconnected, event. An
// unknown id is logged and ignored.
func (m *Manager) DisconnectSession(id, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("disconnect for unknown session", logging.String("session_id", id))
		return nil
	}
	if canTransition(s.State, StateDisconnecting) {
		s.State = StateDisconnecting
	}
	clientID := s.ClientID
	m.mu.Unlock()

	if m.releaser != nil {
		if err := m.releaser(id); err != nil {
			m.logger.Warn("transport resource release failed",
				logging.String("session_id", id), logging.Err(err))
		}
	}

	m.mu.Lock()
	if s, ok = m.sessions[id]; ok {
		s.VisibleTools = nil
		s.Metadata = nil
		s.State = StateDisconnected
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.logger.Info("session disconnected",
		logging.String("session_id", id), logging.String("reason", reason))
	m.notify(Event{Type: EventDisconnected, SessionID: id, ClientID: clientID, Reason: reason})
	return nil
}

// PerformHealthCheck sweeps all live sessions and disconnects any whose
// inactivity window has elapsed.
func (m *Manager) PerformHealthCheck() {
	now := m.now()
	m.mu.RLock()
	var expired []string
	for id, s := range m.sessions {
		if s.Expired(now) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.notify(Event{Type: EventExpired, SessionID: id})
		_ = m.DisconnectSession(id, ReasonExpired)
	}
}

// Cleanup is a coarser sweep that evicts expired sessions and sessions
// stuck mid-disconnect for longer than one cleanup interval. The overlap
// with PerformHealthCheck is deliberate: the health check is the fast path,
// cleanup is the backstop.
func (m *Manager) Cleanup() {
	now := m.now()
	m.mu.RLock()
	var evict []string
	for id, s := range m.sessions {
		stuck := s.State == StateDisconnecting && now.Sub(s.LastActivity) > m.cfg.CleanupInterval
		if s.Expired(now) || stuck {
			evict = append(evict, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range evict {
		reason := ReasonExpired
		if s, ok := m.Get(id); ok && s.State == StateDisconnecting {
			reason = ReasonStuck
		}
		_ = m.DisconnectSession(id, reason)
	}
}

// Shutdown is idempotent. It cancels both sweep timers, then concurrently
// disconnects every live session, collecting but not re-raising individual
// failures. The shutdown timeout only arms a logged warning; it never
// aborts the drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.shuttingDown = true
		cancel := m.sweepCancel
		done := m.sweepsDone
		ids := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}

		warn := time.AfterFunc(m.cfg.ShutdownTimeout, func() {
			m.logger.Warn("session drain exceeded shutdown timeout",
				logging.Duration("timeout", m.cfg.ShutdownTimeout))
		})
		defer warn.Stop()

		g, _ := errgroup.WithContext(ctx)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				if err := m.DisconnectSession(id, ReasonServerShutdown); err != nil {
					m.logger.Warn("disconnect during shutdown failed",
						logging.String("session_id", id), logging.Err(err))
				}
				return nil
			})
		}
		_ = g.Wait()

		m.logger.Info("session manager stopped", logging.Int("drained", len(ids)))
	})
	return nil
}

// Statistics recomputes stats from the live map by full scan.
func (m *Manager) Statistics() Stats {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Active:      len(m.sessions),
		ByTransport: make(map[string]int),
		ByState:     make(map[string]int),
		TotalServed: m.served,
	}
	var total time.Duration
	for _, s := range m.sessions {
		stats.ByTransport[s.Transport]++
		stats.ByState[s.State.String()]++
		total += s.Duration(now)
	}
	if len(m.sessions) > 0 {
		stats.AvgDuration = total / time.Duration(len(m.sessions))
	}
	return stats
}

// ActiveCount returns the size of the live map.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
