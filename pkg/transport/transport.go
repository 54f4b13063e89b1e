// Package transport provides the duplex channels that feed raw payloads to
// the protocol router. Transports own connection acceptance, framing, and
// per-connection session binding; everything protocol-shaped happens behind
// the Handler boundary.
package transport

import (
	"context"
	"errors"

	"github.com/repobridge/mcp-server/pkg/router"
)

// ErrStopped is returned by Start when the transport has been stopped.
var ErrStopped = errors.New("transport stopped")

// Handler processes one raw payload for a connection and returns the
// serialized response, or nil when nothing is owed. The router implements
// this.
type Handler interface {
	Process(ctx context.Context, conn *router.ConnContext, raw []byte) []byte
}

// SessionBinder admits and releases one session per connection. The session
// manager is adapted to this surface in cmd wiring.
type SessionBinder interface {
	Bind(clientID, transport string) (sessionID string, err error)
	Release(sessionID, reason string) error
}

// Transport is one duplex channel implementation. Start blocks until the
// context is canceled, input is exhausted, or Stop is called.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
