package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/homecast-relay/internal/devicelink"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/config"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/logging"
	"github.com/nerrad567/homecast-relay/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Requester sends actions and pings to devices wherever they are connected.
// *router.Router satisfies it.
type Requester interface {
	SendRequest(ctx context.Context, deviceID, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	Ping(ctx context.Context, deviceID string, timeout time.Duration) (time.Duration, error)
}

// Sessions looks up device ownership.
type Sessions interface {
	Get(ctx context.Context, deviceID string) (*session.Record, error)
}

// DeviceLink accepts device sockets. *devicelink.Link satisfies it.
type DeviceLink interface {
	Accept(ctx context.Context, conn devicelink.Conn, token, deviceID string) (*devicelink.Device, error)
	Serve(ctx context.Context, dev *devicelink.Device)
	Count() int
}

// HealthChecker is implemented by every component reported on /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Security   config.SecurityConfig
	Logger     *logging.Logger
	Router     Requester
	Sessions   Sessions
	Devices    DeviceLink
	Listeners  http.Handler // Listener WebSocket endpoint
	Metrics    http.Handler // Prometheus exposition; optional
	Checks     map[string]HealthChecker
	InstanceID string
	Version    string
}

// Server is the HTTP server for the relay.
//
// It manages the HTTP listener, routes, middleware, and the device socket
// endpoint. The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	router     Requester
	sessions   Sessions
	devices    DeviceLink
	listeners  http.Handler
	metrics    http.Handler
	checks     map[string]HealthChecker
	instanceID string
	version    string
	startTime  time.Time
	server     *http.Server

	// ctx bounds device sockets; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, router, sessions, device link)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session directory is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device link is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        deps.Config,
		secCfg:     deps.Security,
		logger:     deps.Logger,
		router:     deps.Router,
		sessions:   deps.Sessions,
		devices:    deps.Devices,
		listeners:  deps.Listeners,
		metrics:    deps.Metrics,
		checks:     deps.Checks,
		instanceID: deps.InstanceID,
		version:    deps.Version,
		startTime:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It builds the router and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	// Start listening in background
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// Device sockets are closed first so their sessions are released, then the
// server waits up to 10 seconds for in-flight requests to complete.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.cancel()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
