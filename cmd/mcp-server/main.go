// Package main is the entry point for the MCP tool server. It wires the
// protocol router, session manager, tool registry, and error handler behind
// the configured transport, and owns process lifecycle: startup validation,
// signal handling, and graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/repobridge/mcp-server/pkg/auth"
	"github.com/repobridge/mcp-server/pkg/config"
	"github.com/repobridge/mcp-server/pkg/errors"
	"github.com/repobridge/mcp-server/pkg/logging"
	"github.com/repobridge/mcp-server/pkg/observability"
	"github.com/repobridge/mcp-server/pkg/registry"
	"github.com/repobridge/mcp-server/pkg/router"
	"github.com/repobridge/mcp-server/pkg/session"
	"github.com/repobridge/mcp-server/pkg/tools"
	"github.com/repobridge/mcp-server/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "startup failed:", err)
		os.Exit(1)
	}
}

func run() error {
	flags := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	var (
		configPath = flags.String("config", "", "path to config file")
		host       = flags.String("host", "", "listen address for the tcp transport")
		port       = flags.Int("port", 0, "listen port; selects the tcp transport")
		logLevel   = flags.String("log-level", "", "log level: debug, info, warn, error")
		maxClients = flags.Int("max-clients", 0, "maximum concurrent sessions")
	)
	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage: mcp-server [flags]\n\nFlags:\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	// Flags override file and environment.
	if *port != 0 {
		cfg.Server.Transport = "tcp"
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *maxClients != 0 {
		cfg.Session.MaxSessions = *maxClients
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(nil, nil)
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(observability.MetricsConfig{
			ServiceName:    cfg.Server.Name,
			ServiceVersion: cfg.Server.Version,
			MetricsPath:    cfg.Metrics.Path,
			MetricsPort:    cfg.Metrics.Port,
		})
		if err := metrics.Start(context.Background()); err != nil {
			return err
		}
	}

	errOpts := []errors.HandlerOption{
		errors.WithLogCapacity(cfg.Errors.LogCapacity),
		errors.WithLogger(logging.FieldMapAdapter{Logger: logger}),
	}
	if metrics != nil {
		errOpts = append(errOpts, errors.WithReporter(metrics))
	}
	errHandler := errors.NewHandler(errOpts...)

	var tracing *observability.TracingProvider
	if cfg.Tracing.Enabled {
		tracing, err = observability.NewTracingProvider(observability.TracingConfig{
			ServiceName:    cfg.Server.Name,
			ServiceVersion: cfg.Server.Version,
			ExporterType:   observability.ExporterType(cfg.Tracing.Exporter),
			Endpoint:       cfg.Tracing.Endpoint,
			Insecure:       cfg.Tracing.Insecure,
			SampleRate:     cfg.Tracing.SampleRate,
		})
		if err != nil {
			return err
		}
	}

	sessionOpts := []session.Option{
		session.WithLogger(logger.WithFields(logging.String("component", "session"))),
		session.WithErrorHandler(errHandler),
	}
	if cfg.Auth.Enabled {
		validator := auth.NewTokenValidator(cfg.Auth.TokenTTL)
		for _, entry := range cfg.Auth.Tokens {
			validator.AddToken(entry.Token, &auth.UserInfo{
				ID:       entry.UserID,
				Username: entry.Username,
				Level:    auth.ParseLevel(entry.Level),
			})
		}
		sessionOpts = append(sessionOpts, session.WithValidator(validator))
	}
	sessions := session.NewManager(session.Config{
		MaxSessions:         cfg.Session.MaxSessions,
		DefaultTimeout:      cfg.Session.Timeout,
		HealthCheckInterval: cfg.Session.HealthCheckInterval,
		CleanupInterval:     cfg.Session.CleanupInterval,
		ShutdownTimeout:     cfg.Session.ShutdownTimeout,
	}, sessionOpts...)
	if metrics != nil {
		sessions.Subscribe(func(ev session.Event) {
			switch ev.Type {
			case session.EventCreated:
				metrics.SessionOpened()
			case session.EventDisconnected:
				metrics.SessionClosed()
			}
		})
	}

	regOpts := []registry.Option{
		registry.WithLogger(logger.WithFields(logging.String("component", "registry"))),
		registry.WithErrorHandler(errHandler),
	}
	if metrics != nil {
		regOpts = append(regOpts, registry.WithMetrics(metrics))
	}
	reg := registry.New(registry.Config{
		MaxTools:          cfg.Registry.MaxTools,
		ExecutionDeadline: cfg.Registry.ExecutionDeadline,
	}, regOpts...)

	started := time.Now()
	if err := tools.RegisterBuiltins(reg, &statusSource{sessions: sessions, registry: reg, started: started}); err != nil {
		return err
	}
	if metrics != nil {
		metrics.SetRegisteredTools(len(reg.ListEnabled()))
		reg.Subscribe(func(registry.Event) {
			metrics.SetRegisteredTools(len(reg.ListEnabled()))
		})
	}

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	requestStop := func() { stopOnce.Do(func() { close(stopCh) }) }

	routerOpts := []router.Option{
		router.WithLogger(logger.WithFields(logging.String("component", "router"))),
		router.WithErrorHandler(errHandler),
		router.WithShutdownFunc(requestStop),
	}
	if metrics != nil {
		routerOpts = append(routerOpts, router.WithMetrics(metrics))
	}
	if tracing != nil {
		routerOpts = append(routerOpts, router.WithTracer(tracing.Tracer()))
	}
	rt := router.New(router.Config{
		ServerName:           cfg.Server.Name,
		ServerVersion:        cfg.Server.Version,
		MaxBatchSize:         cfg.Router.MaxBatchSize,
		DisableNotifications: cfg.Router.DisableNotifications,
		ShutdownDelay:        cfg.Router.ShutdownDelay,
	}, sessions, reg, routerOpts...)

	binder := &sessionBinder{sessions: sessions}
	var trans transport.Transport
	switch cfg.Server.Transport {
	case "tcp":
		trans = transport.NewTCP(cfg.Server.Host, cfg.Server.Port, rt, binder,
			transport.WithTCPLogger(logger.WithFields(logging.String("component", "transport"))))
	default:
		trans = transport.NewStdio(rt, binder,
			transport.WithStdioLogger(logger.WithFields(logging.String("component", "transport"))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	transportErr := make(chan error, 1)
	go func() { transportErr <- trans.Start(ctx) }()

	logger.Info("server started",
		logging.String("transport", trans.Name()),
		logging.String("version", cfg.Server.Version))

	select {
	case sig := <-sigCh:
		logger.Info("signal received", logging.String("signal", sig.String()))
	case <-stopCh:
		logger.Info("shutdown requested over protocol")
	case err := <-transportErr:
		if err != nil {
			return err
		}
		logger.Info("transport input exhausted")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownTimeout)
	defer shutdownCancel()

	cancel()
	if err := trans.Stop(shutdownCtx); err != nil {
		logger.Warn("transport stop failed", logging.Err(err))
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown failed", logging.Err(err))
	}
	if metrics != nil {
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", logging.Err(err))
		}
	}
	if tracing != nil {
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", logging.Err(err))
		}
	}
	logger.Info("server stopped")
	return nil
}

// sessionBinder adapts the session manager to the transport's per-connection
// binding surface.
type sessionBinder struct {
	sessions *session.Manager
}

func (b *sessionBinder) Bind(clientID, transportName string) (string, error) {
	s, err := b.sessions.CreateSession(clientID, transportName)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

func (b *sessionBinder) Release(sessionID, reason string) error {
	return b.sessions.DisconnectSession(sessionID, reason)
}

// statusSource feeds the get_status tool.
type statusSource struct {
	sessions *session.Manager
	registry *registry.Registry
	started  time.Time
}

func (s *statusSource) ActiveSessions() int   { return s.sessions.ActiveCount() }
func (s *statusSource) RegisteredTools() int  { return len(s.registry.ListEnabled()) }
func (s *statusSource) Uptime() time.Duration { return time.Since(s.started) }
