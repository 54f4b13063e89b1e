package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repobridge/mcp-server/pkg/auth"
	"github.com/repobridge/mcp-server/pkg/errors"
)

func TestStateTransitions(t *testing.T) {
	assert.True(t, canTransition(StateConnecting, StateAuthenticated))
	assert.True(t, canTransition(StateConnecting, StateDisconnecting))
	assert.True(t, canTransition(StateAuthenticated, StateDisconnecting))
	assert.True(t, canTransition(StateDisconnecting, StateDisconnected))

	// No path backward.
	assert.False(t, canTransition(StateAuthenticated, StateConnecting))
	assert.False(t, canTransition(StateDisconnecting, StateAuthenticated))
	assert.False(t, canTransition(StateDisconnected, StateConnecting))
	assert.False(t, canTransition(StateConnecting, StateDisconnected))
}

func TestCreateSession(t *testing.T) {
	m := NewManager(Config{})
	s, err := m.CreateSession("client-1", "stdio")
	require.NoError(t, err)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, "client-1", s.ClientID)
	assert.Equal(t, "stdio", s.Transport)
	assert.Equal(t, StateConnecting, s.State)
	assert.Equal(t, DefaultTimeout, s.Timeout)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestSessionIDsAreUnique(t *testing.T) {
	m := NewManager(Config{MaxSessions: 100})
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := m.CreateSession("same-client", "stdio")
		require.NoError(t, err)
		assert.False(t, seen[s.ID], "duplicate session id %s", s.ID)
		seen[s.ID] = true
	}
}

func TestCreateSessionCapacity(t *testing.T) {
	m := NewManager(Config{MaxSessions: 2})
	_, err := m.CreateSession("c1", "tcp")
	require.NoError(t, err)
	_, err = m.CreateSession("c2", "tcp")
	require.NoError(t, err)

	_, err = m.CreateSession("c3", "tcp")
	assert.True(t, errors.IsCode(err, errors.CodeRateLimitExceeded))
	// The live count is unchanged by the rejection.
	assert.Equal(t, 2, m.ActiveCount())
}

type fakeValidator struct {
	user *auth.UserInfo
	err  error
}

func (v *fakeValidator) Validate(_ context.Context, _ map[string]interface{}) (*auth.UserInfo, error) {
	return v.user, v.err
}

func (v *fakeValidator) Type() string { return "fake" }

func TestAuthenticateSession(t *testing.T) {
	m := NewManager(Config{}, WithValidator(&fakeValidator{
		user: &auth.UserInfo{ID: "u1", Username: "alice", Level: auth.LevelWrite},
	}))
	s, err := m.CreateSession("client-1", "stdio")
	require.NoError(t, err)

	require.NoError(t, m.AuthenticateSession(context.Background(), s.ID, map[string]interface{}{"token": "t"}))

	got, ok := m.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, StateAuthenticated, got.State)
	require.NotNil(t, got.User)
	assert.Equal(t, "alice", got.User.Username)

	// Second authentication while already Authenticated fails and the state
	// is unchanged.
	err = m.AuthenticateSession(context.Background(), s.ID, nil)
	assert.Error(t, err)
	got, _ = m.Get(s.ID)
	assert.Equal(t, StateAuthenticated, got.State)
}

func TestAuthenticateSessionRejectsBadCredentials(t *testing.T) {
	m := NewManager(Config{}, WithValidator(&fakeValidator{err: fmt.Errorf("bad token")}))
	s, err := m.CreateSession("client-1", "stdio")
	require.NoError(t, err)

	err = m.AuthenticateSession(context.Background(), s.ID, nil)
	assert.True(t, errors.IsCode(err, errors.CodeAuthenticationFailed))

	got, _ := m.Get(s.ID)
	assert.Equal(t, StateConnecting, got.State)
}

func TestAuthenticateUnknownSession(t *testing.T) {
	m := NewManager(Config{})
	err := m.AuthenticateSession(context.Background(), "missing", nil)
	assert.True(t, errors.IsCode(err, errors.CodeResourceNotFound))
}

func TestDisconnectSession(t *testing.T) {
	released := make(map[string]bool)
	m := NewManager(Config{}, WithResourceReleaser(func(id string) error {
		released[id] = true
		return nil
	}))

	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })

	s, err := m.CreateSession("client-1", "tcp")
	require.NoError(t, err)

	require.NoError(t, m.DisconnectSession(s.ID, "client_request"))
	assert.Equal(t, 0, m.ActiveCount())
	assert.True(t, released[s.ID])

	_, found := m.Get(s.ID)
	assert.False(t, found)

	require.Len(t, events, 2)
	assert.Equal(t, EventCreated, events[0].Type)
	assert.Equal(t, EventDisconnected, events[1].Type)
	assert.Equal(t, "client_request", events[1].Reason)
}

func TestDisconnectUnknownSessionIsNoOp(t *testing.T) {
	m := NewManager(Config{})
	assert.NoError(t, m.DisconnectSession("never-existed", "whatever"))
}

func TestDisconnectSurvivesReleaserFailure(t *testing.T) {
	m := NewManager(Config{}, WithResourceReleaser(func(string) error {
		return fmt.Errorf("socket already gone")
	}))
	s, err := m.CreateSession("client-1", "tcp")
	require.NoError(t, err)

	// Release failure is logged, never propagated.
	assert.NoError(t, m.DisconnectSession(s.ID, "test"))
	assert.Equal(t, 0, m.ActiveCount())
}

func TestTouch(t *testing.T) {
	now := time.Now()
	clock := now
	m := NewManager(Config{DefaultTimeout: time.Minute}, withClock(func() time.Time { return clock }))

	s, err := m.CreateSession("client-1", "stdio")
	require.NoError(t, err)

	require.NoError(t, m.Touch(s.ID))
	got, _ := m.Get(s.ID)
	assert.Equal(t, int64(1), got.RequestCount)

	// An expired session is reported, not refreshed.
	clock = now.Add(2 * time.Minute)
	err = m.Touch(s.ID)
	assert.True(t, errors.IsCode(err, errors.CodeSessionExpired))

	assert.True(t, errors.IsCode(m.Touch("missing"), errors.CodeResourceNotFound))
}

func TestHealthCheckEvictsExpiredSessions(t *testing.T) {
	now := time.Now()
	clock := now
	m := NewManager(Config{DefaultTimeout: time.Minute}, withClock(func() time.Time { return clock }))

	var mu sync.Mutex
	var events []Event
	m.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	stale, err := m.CreateSession("stale", "tcp")
	require.NoError(t, err)

	clock = now.Add(30 * time.Second)
	fresh, err := m.CreateSession("fresh", "tcp")
	require.NoError(t, err)

	clock = now.Add(90 * time.Second)
	m.PerformHealthCheck()

	assert.Equal(t, 1, m.ActiveCount())
	_, staleFound := m.Get(stale.ID)
	assert.False(t, staleFound)
	_, freshFound := m.Get(fresh.ID)
	assert.True(t, freshFound)

	mu.Lock()
	defer mu.Unlock()
	var sawExpired, sawDisconnected bool
	for _, ev := range events {
		if ev.Type == EventExpired && ev.SessionID == stale.ID {
			sawExpired = true
		}
		if ev.Type == EventDisconnected && ev.SessionID == stale.ID {
			sawDisconnected = true
			assert.Equal(t, ReasonExpired, ev.Reason)
		}
	}
	assert.True(t, sawExpired)
	assert.True(t, sawDisconnected)
}

func TestCleanupEvictsExpired(t *testing.T) {
	now := time.Now()
	clock := now
	m := NewManager(Config{DefaultTimeout: time.Minute}, withClock(func() time.Time { return clock }))

	_, err := m.CreateSession("stale", "tcp")
	require.NoError(t, err)

	clock = now.Add(5 * time.Minute)
	m.Cleanup()
	assert.Equal(t, 0, m.ActiveCount())
}

func TestShutdownDrainsAndIsIdempotent(t *testing.T) {
	m := NewManager(Config{})
	for i := 0; i < 5; i++ {
		_, err := m.CreateSession(fmt.Sprintf("client-%d", i), "tcp")
		require.NoError(t, err)
	}

	var mu sync.Mutex
	reasons := make(map[string]int)
	m.Subscribe(func(ev Event) {
		if ev.Type == EventDisconnected {
			mu.Lock()
			reasons[ev.Reason]++
			mu.Unlock()
		}
	})

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, 0, m.ActiveCount())
	mu.Lock()
	assert.Equal(t, 5, reasons[ReasonServerShutdown])
	mu.Unlock()

	// Second call is a no-op.
	require.NoError(t, m.Shutdown(context.Background()))
	mu.Lock()
	assert.Equal(t, 5, reasons[ReasonServerShutdown])
	mu.Unlock()

	// No admissions after shutdown.
	_, err := m.CreateSession("late", "tcp")
	assert.True(t, errors.IsCode(err, errors.CodeConcurrentConflict))
}

func TestStatistics(t *testing.T) {
	m := NewManager(Config{})
	_, err := m.CreateSession("a", "stdio")
	require.NoError(t, err)
	_, err = m.CreateSession("b", "tcp")
	require.NoError(t, err)
	c, err := m.CreateSession("c", "tcp")
	require.NoError(t, err)
	require.NoError(t, m.DisconnectSession(c.ID, "done"))

	stats := m.Statistics()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, int64(3), stats.TotalServed)
	assert.Equal(t, 1, stats.ByTransport["stdio"])
	assert.Equal(t, 1, stats.ByTransport["tcp"])
	assert.Equal(t, 2, stats.ByState["connecting"])
}

func TestMarkInitialized(t *testing.T) {
	m := NewManager(Config{})
	s, err := m.CreateSession("client-1", "stdio")
	require.NoError(t, err)

	require.NoError(t, m.MarkInitialized(s.ID, "2025-03-26"))
	got, _ := m.Get(s.ID)
	assert.True(t, got.Initialized)
	assert.Equal(t, "2025-03-26", got.ProtocolVersion)
	// Without a credential validator the handshake promotes the session.
	assert.Equal(t, StateAuthenticated, got.State)

	assert.True(t, errors.IsCode(m.MarkInitialized("missing", "2025-03-26"), errors.CodeResourceNotFound))
}

func TestSetVisibleTools(t *testing.T) {
	m := NewManager(Config{})
	s, err := m.CreateSession("client-1", "stdio")
	require.NoError(t, err)

	require.NoError(t, m.SetVisibleTools(s.ID, []string{"echo", "get_status"}))
	got, _ := m.Get(s.ID)
	assert.Len(t, got.VisibleTools, 2)
	assert.Contains(t, got.VisibleTools, "echo")

	// An empty list clears the restriction.
	require.NoError(t, m.SetVisibleTools(s.ID, nil))
	got, _ = m.Get(s.ID)
	assert.Empty(t, got.VisibleTools)

	assert.True(t, errors.IsCode(m.SetVisibleTools("missing", nil), errors.CodeResourceNotFound))
}
