package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/repobridge/mcp-server/pkg/logging"
	"github.com/repobridge/mcp-server/pkg/router"
)

// maxLineSize bounds a single newline-delimited message.
const maxLineSize = 4 * 1024 * 1024

// StdioTransport speaks newline-delimited JSON-RPC over a reader/writer
// pair, by default the process's stdin and stdout. One session represents
// the stdio peer for the transport's lifetime.
type StdioTransport struct {
	reader  io.Reader
	writer  io.Writer
	writeMu sync.Mutex

	handler  Handler
	sessions SessionBinder
	logger   logging.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// StdioOption configures a StdioTransport.
type StdioOption func(*StdioTransport)

// WithStdioStreams overrides the reader/writer pair, for tests.
func WithStdioStreams(r io.Reader, w io.Writer) StdioOption {
	return func(t *StdioTransport) {
		t.reader = r
		t.writer = w
	}
}

// WithStdioLogger attaches a logger.
func WithStdioLogger(l logging.Logger) StdioOption {
	return func(t *StdioTransport) { t.logger = l }
}

// NewStdio creates a stdio transport over the given handler and session
// binder.
func NewStdio(handler Handler, sessions SessionBinder, opts ...StdioOption) *StdioTransport {
	t := &StdioTransport{
		reader:   os.Stdin,
		writer:   os.Stdout,
		handler:  handler,
		sessions: sessions,
		logger:   logging.Nop(),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements Transport.
func (t *StdioTransport) Name() string { return "stdio" }

// Start binds the peer session and runs the read loop until EOF, context
// cancellation, or Stop.
func (t *StdioTransport) Start(ctx context.Context) error {
	sessionID, err := t.sessions.Bind("stdio", t.Name())
	if err != nil {
		return fmt.Errorf("failed to bind stdio session: %w", err)
	}
	defer func() {
		if err := t.sessions.Release(sessionID, "transport_closed"); err != nil {
			t.logger.Warn("stdio session release failed", logging.Err(err))
		}
	}()
	conn := &router.ConnContext{SessionID: sessionID, Transport: t.Name()}

	g, gctx := errgroup.WithContext(ctx)
	lines := make(chan []byte)

	g.Go(func() error {
		defer close(lines)
		scanner := bufio.NewScanner(t.reader)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-gctx.Done():
				return gctx.Err()
			case <-t.stopped:
				return ErrStopped
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			return fmt.Errorf("stdio read failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.stopped:
				return ErrStopped
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if len(line) == 0 {
					continue
				}
				t.process(gctx, conn, line)
			}
		}
	})

	err = g.Wait()
	if err == ErrStopped || err == context.Canceled {
		return nil
	}
	return err
}

// process runs one payload through the handler with panic containment so a
// handler fault never kills the read loop.
func (t *StdioTransport) process(ctx context.Context, conn *router.ConnContext, line []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("panic processing message", logging.Any("panic", rec))
		}
	}()
	if out := t.handler.Process(ctx, conn, line); out != nil {
		if err := t.send(out); err != nil {
			t.logger.Error("stdio write failed", logging.Err(err))
		}
	}
}

// send writes one newline-terminated message. Serialized so interleaved
// responses never corrupt the framing.
func (t *StdioTransport) send(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.writer.Write(payload); err != nil {
		return err
	}
	_, err := t.writer.Write([]byte("\n"))
	return err
}

// Stop implements Transport. Idempotent.
func (t *StdioTransport) Stop(_ context.Context) error {
	t.stopOnce.Do(func() { close(t.stopped) })
	return nil
}
