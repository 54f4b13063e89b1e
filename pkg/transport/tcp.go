package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/repobridge/mcp-server/pkg/logging"
	"github.com/repobridge/mcp-server/pkg/router"
)

// TCPTransport accepts stream connections and runs one goroutine and one
// session per connection. Messages are newline-delimited, same framing as
// stdio.
type TCPTransport struct {
	host string
	port int

	handler  Handler
	sessions SessionBinder
	logger   logging.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

// TCPOption configures a TCPTransport.
type TCPOption func(*TCPTransport)

// WithTCPLogger attaches a logger.
func WithTCPLogger(l logging.Logger) TCPOption {
	return func(t *TCPTransport) { t.logger = l }
}

// NewTCP creates a TCP transport listening on host:port.
func NewTCP(host string, port int, handler Handler, sessions SessionBinder, opts ...TCPOption) *TCPTransport {
	t := &TCPTransport{
		host:     host,
		port:     port,
		handler:  handler,
		sessions: sessions,
		logger:   logging.Nop(),
		conns:    make(map[net.Conn]struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements Transport.
func (t *TCPTransport) Name() string { return "tcp" }

// Addr returns the bound listener address, or empty before Start.
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// Start listens and serves until the context is canceled or Stop is called.
func (t *TCPTransport) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", t.host, t.port))
	if err != nil {
		return fmt.Errorf("failed to listen on %s:%d: %w", t.host, t.port, err)
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	t.logger.Info("tcp transport listening", logging.String("addr", listener.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-t.stopped:
		}
		return listener.Close()
	})
	g.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-gctx.Done():
					return nil
				case <-t.stopped:
					return nil
				default:
					return fmt.Errorf("accept failed: %w", err)
				}
			}
			t.track(conn, true)
			go t.serve(gctx, conn)
		}
	})

	err = g.Wait()
	t.closeAll()
	if err == context.Canceled {
		return nil
	}
	return err
}

// serve runs the read loop for one connection with its own session.
func (t *TCPTransport) serve(ctx context.Context, conn net.Conn) {
	defer t.track(conn, false)
	defer conn.Close()

	clientID := fmt.Sprintf("tcp-%s", uuid.NewString()[:8])
	sessionID, err := t.sessions.Bind(clientID, t.Name())
	if err != nil {
		t.logger.Warn("connection rejected",
			logging.String("remote", conn.RemoteAddr().String()), logging.Err(err))
		return
	}
	defer func() {
		if err := t.sessions.Release(sessionID, "connection_closed"); err != nil {
			t.logger.Warn("session release failed", logging.String("session_id", sessionID), logging.Err(err))
		}
	}()
	cc := &router.ConnContext{SessionID: sessionID, Transport: t.Name()}

	var writeMu sync.Mutex
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := t.processLine(ctx, cc, line)
		if out == nil {
			continue
		}
		writeMu.Lock()
		_, werr := conn.Write(append(out, '\n'))
		writeMu.Unlock()
		if werr != nil {
			t.logger.Warn("tcp write failed", logging.String("session_id", sessionID), logging.Err(werr))
			return
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		t.logger.Debug("tcp read ended", logging.String("session_id", sessionID), logging.Err(err))
	}
}

func (t *TCPTransport) processLine(ctx context.Context, cc *router.ConnContext, line []byte) (out []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("panic processing message", logging.Any("panic", rec))
			out = nil
		}
	}()
	return t.handler.Process(ctx, cc, line)
}

func (t *TCPTransport) track(conn net.Conn, add bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if add {
		t.conns[conn] = struct{}{}
	} else {
		delete(t.conns, conn)
	}
}

func (t *TCPTransport) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.conns {
		_ = conn.Close()
	}
}

// Stop implements Transport. Idempotent; closes the listener and all live
// connections.
func (t *TCPTransport) Stop(_ context.Context) error {
	t.stopOnce.Do(func() { close(t.stopped) })
	t.mu.Lock()
	listener := t.listener
	t.mu.Unlock()
	if listener != nil {
		_ = listener.Close()
	}
	t.closeAll()
	return nil
}
