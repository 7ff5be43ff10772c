package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/reimonlp/greenhouse/internal/audit"
	"github.com/reimonlp/greenhouse/internal/auth"
	"github.com/reimonlp/greenhouse/internal/automation"
	"github.com/reimonlp/greenhouse/internal/dashboard"
	"github.com/reimonlp/greenhouse/internal/infrastructure/config"
	"github.com/reimonlp/greenhouse/internal/infrastructure/database"
	"github.com/reimonlp/greenhouse/internal/infrastructure/logging"
	"github.com/reimonlp/greenhouse/internal/metrics"
	"github.com/reimonlp/greenhouse/internal/ratelimit"
	"github.com/reimonlp/greenhouse/internal/relay"
	"github.com/reimonlp/greenhouse/internal/sensor"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ConnectionStatus reports whether an optional transport is connected.
type ConnectionStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Exposure config.MetricsConfig
	WSPath   string
	Logger   *logging.Logger
	DB       *database.DB
	Hub      *Hub
	Guard    *ratelimit.Guard    // optional
	Admitter *auth.Admitter
	Relays   *relay.Service
	Rules    *automation.Manager
	Readings sensor.Store
	Ingester *sensor.Ingester
	Audit    *audit.Recorder
	Metrics  *metrics.Collectors // optional
	MQTT     ConnectionStatus    // optional
	Version  string
}

// Server is the HTTP and real-time server of the controller.
type Server struct {
	cfg        config.APIConfig
	metricsCfg config.MetricsConfig
	wsPath     string
	logger     *logging.Logger
	db         *database.DB
	hub        *Hub
	guard      *ratelimit.Guard
	admitter   *auth.Admitter
	relays     *relay.Service
	rules      *automation.Manager
	readings   sensor.Store
	ingester   *sensor.Ingester
	audit      *audit.Recorder
	collectors *metrics.Collectors
	mqtt       ConnectionStatus
	dashboard  http.Handler
	version    string
	startTime  time.Time
	now        func() time.Time

	events  map[string]eventRoute
	baseCtx context.Context
	server  *http.Server
	cancel  context.CancelFunc
}

// New creates a server. It is not listening until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	switch {
	case deps.Hub == nil:
		return nil, fmt.Errorf("websocket hub is required")
	case deps.Admitter == nil:
		return nil, fmt.Errorf("admitter is required")
	case deps.Relays == nil:
		return nil, fmt.Errorf("relay service is required")
	case deps.Rules == nil:
		return nil, fmt.Errorf("rule manager is required")
	case deps.Readings == nil || deps.Ingester == nil:
		return nil, fmt.Errorf("sensor store and ingester are required")
	case deps.Audit == nil:
		return nil, fmt.Errorf("audit recorder is required")
	}

	wsPath := deps.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}

	s := &Server{
		cfg:        deps.Config,
		metricsCfg: deps.Exposure,
		wsPath:     wsPath,
		logger:     deps.Logger,
		db:         deps.DB,
		hub:        deps.Hub,
		guard:      deps.Guard,
		admitter:   deps.Admitter,
		relays:     deps.Relays,
		rules:      deps.Rules,
		readings:   deps.Readings,
		ingester:   deps.Ingester,
		audit:      deps.Audit,
		collectors: deps.Metrics,
		mqtt:       deps.MQTT,
		version:    deps.Version,
		startTime:  time.Now(),
		now:        time.Now,
		baseCtx:    context.Background(),
	}
	s.events = s.eventRoutes()

	if deps.Config.DashboardDir != "" {
		h, err := dashboard.Handler(deps.Config.DashboardDir)
		if err != nil {
			return nil, err
		}
		s.dashboard = h
	}
	return s, nil
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// Event handlers run under a context derived from ctx, cancelled by Close.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr, "websocket", s.wsPath)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
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
