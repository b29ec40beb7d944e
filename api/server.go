// Package api is the HTTP surface of the image generation service.
//
// Routes:
//   - GET  /health           liveness, device and model state
//   - POST /api/generate     text-to-image generation
//   - GET  /api/models       base model, adapter and device description
//   - GET  /api/generations  recent generation history
//   - GET  /api/stats        in-memory generation and GPU statistics
//   - GET  /metrics          Prometheus exposition
//   - GET  /ws/events        WebSocket stream of generation and GPU events
//
// Errors are returned as {"detail": "..."} so existing clients of the
// service keep working.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"sdlora_server/core"
	"sdlora_server/imagegen"
	"sdlora_server/logging"
	"sdlora_server/metrics"
)

// Generator is the part of imagegen.Pipeline the handlers use.
type Generator interface {
	Generate(ctx context.Context, req imagegen.Request) (*imagegen.Result, error)
	Loaded() bool
	ModelInfo() imagegen.ModelInfo
}

// HistoryReader lists persisted generations. Implemented by db.Repository.
type HistoryReader interface {
	ListRecentGenerations(ctx context.Context, limit int) ([]core.GenerationRecord, error)
}

// StatsProvider is implemented by metrics.Store.
type StatsProvider interface {
	Snapshot(limit int) metrics.Snapshot
}

// MetricsExporter is implemented by metrics.Collector.
type MetricsExporter interface {
	Handler() http.Handler
	InstrumentHandler(next http.Handler, route func(*http.Request) string) http.Handler
}

// OperationGuard runs fn as a tracked in-flight operation and refuses new
// work once shutdown has begun. Implemented by shutdown.Manager.
type OperationGuard interface {
	WrapOperation(ctx context.Context, name string, fn func(context.Context) error) error
}

// Deps are the collaborators behind the routes. Generator is required;
// the rest are optional and their routes degrade when nil.
type Deps struct {
	Generator Generator
	History   HistoryReader
	Stats     StatsProvider
	Metrics   MetricsExporter
	Guard     OperationGuard
	Events    *EventHub
}

// ServerConfig configures the Server.
type ServerConfig struct {
	Host string
	Port int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// AllowedOrigins lists CORS origins; "*" allows any origin
	AllowedOrigins []string

	// RateLimitPerMinute limits /api/generate per client IP; 0 disables it
	RateLimitPerMinute int
	RateLimitBurst     int

	// MaxBodyBytes caps request bodies (default 1 MiB)
	MaxBodyBytes int64

	// LogSkipPaths are not written to the request log
	LogSkipPaths []string
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8000,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    10 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		AllowedOrigins:  []string{"*"},
		RateLimitBurst:  1,
		MaxBodyBytes:    1 << 20,
		LogSkipPaths:    []string{"/health", "/metrics"},
	}
}

// ServerConfigFromCore maps the service configuration onto a ServerConfig.
func ServerConfigFromCore(cfg *core.Config) ServerConfig {
	sc := DefaultServerConfig()
	sc.Host = cfg.Host
	sc.Port = cfg.Port
	if cfg.ReadTimeout > 0 {
		sc.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		sc.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		sc.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if len(cfg.CORSAllowedOrigins) > 0 {
		sc.AllowedOrigins = cfg.CORSAllowedOrigins
	}
	sc.RateLimitPerMinute = cfg.RateLimitPerMinute
	sc.RateLimitBurst = cfg.RateLimitBurst
	return sc
}

// Server wires the handlers and middleware into an http.Server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	config     ServerConfig
	logger     *logging.Logger
	deps       Deps
	limiter    *RateLimiter
	startTime  time.Time
}

// NewServer creates a Server. It does not start listening.
func NewServer(config ServerConfig, deps Deps, logger *logging.Logger) (*Server, error) {
	if deps.Generator == nil {
		return nil, errors.New("api: generator is required")
	}
	if logger == nil {
		logger = logging.NewFromZap(zap.NewNop())
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		mux:       http.NewServeMux(),
		config:    config,
		logger:    logger.Named("api"),
		deps:      deps,
		startTime: time.Now(),
	}
	if config.RateLimitPerMinute > 0 {
		s.limiter = NewRateLimiter(config.RateLimitPerMinute, config.RateLimitBurst)
	}

	s.setupRoutes()

	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.rootHandler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	s.logger.Info("API server created",
		zap.String("addr", addr),
		zap.Bool("rate_limited", s.limiter != nil),
		zap.Strings("cors_origins", config.AllowedOrigins),
	)
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)

	var generate http.Handler = http.HandlerFunc(s.handleGenerate)
	if s.limiter != nil {
		generate = s.limiter.Middleware(generate)
	}
	s.mux.Handle("/api/generate", generate)

	s.mux.HandleFunc("/api/models", s.handleModels)
	s.mux.HandleFunc("/api/generations", s.handleGenerations)
	s.mux.HandleFunc("/api/stats", s.handleStats)

	if s.deps.Metrics != nil {
		s.mux.Handle("/metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Events != nil {
		s.mux.Handle("/ws/events", s.deps.Events)
	}

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
}

// rootHandler wraps the mux with middleware, outermost first:
// request log, metrics, panic recovery, CORS.
func (s *Server) rootHandler() http.Handler {
	var handler http.Handler = s.mux
	handler = CORS(s.config.AllowedOrigins)(handler)
	handler = s.recoverer(handler)
	if s.deps.Metrics != nil {
		handler = s.deps.Metrics.InstrumentHandler(handler, routeLabel)
	}
	handler = NewLoggingMiddleware(s.logger, s.config.LogSkipPaths).Handler(handler)
	return handler
}

// Handler returns the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and blocks until Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.limiter != nil {
		s.limiter.StartCleanupTicker(ctx, time.Minute)
	}

	s.logger.Info("API server listening", zap.String("addr", ln.Addr().String()))
	err := s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for active requests,
// bounded by ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown error: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

var knownRoutes = map[string]bool{
	"/health":          true,
	"/api/generate":    true,
	"/api/models":      true,
	"/api/generations": true,
	"/api/stats":       true,
	"/metrics":         true,
	"/ws/events":       true,
}

// routeLabel keeps the metrics route label bounded.
func routeLabel(r *http.Request) string {
	if knownRoutes[r.URL.Path] {
		return r.URL.Path
	}
	return "other"
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("Handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", RequestID(r.Context())),
				)
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
