// Package session owns the client-id to session mapping and the session
// state machine: creation, authentication, expiry, health sweeps and
// graceful shutdown.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/repobridge/mcp-server/pkg/auth"
)

// State is a session's lifecycle state. Transitions are monotonic: there is
// no path back toward Connecting.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateDisconnecting
	StateDisconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// canTransition enforces monotonic state progression.
func canTransition(from, to State) bool {
	switch from {
	case StateConnecting:
		return to == StateAuthenticated || to == StateDisconnecting
	case StateAuthenticated:
		return to == StateDisconnecting
	case StateDisconnecting:
		return to == StateDisconnected
	default:
		return false
	}
}

// Session represents one connected client. It is owned exclusively by the
// Manager; external code only ever sees copies taken under the manager's
// lock.
type Session struct {
	ID           string
	ClientID     string
	Transport    string
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	Timeout      time.Duration

	// ProtocolVersion and Initialized are recorded by the initialize
	// handshake.
	ProtocolVersion string
	Initialized     bool

	// VisibleTools restricts which tools this client may see; empty means
	// all enabled tools.
	VisibleTools map[string]struct{}
	Metadata     map[string]interface{}

	User *auth.UserInfo

	RequestCount int64
}

// Expired reports whether the session's inactivity window has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.LastActivity) > s.Timeout
}

// Duration returns how long the session has existed.
func (s *Session) Duration(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// newSessionID derives a collision-resistant id from the client id, the
// wall clock, and a random suffix.
func newSessionID(clientID string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", clientID, now.UnixMilli(), uuid.NewString()[:8])
}
