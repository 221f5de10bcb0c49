// Package api provides the HTTP status API of the portwatch daemon. It
// serves tracked host state, scheduler statistics, a websocket stream of
// host updates and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apihandlers "github.com/anstrom/portwatch/internal/api/handlers"
	"github.com/anstrom/portwatch/internal/api/middleware"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/metrics"
)

// Server timeout constants.
const (
	serverShutdownTimeout = 30 * time.Second
	rateLimitCleanupEvery = time.Minute
)

// Config holds API server configuration.
type Config struct {
	ListenAddr         string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	MaxHeaderBytes     int
	EnableCORS         bool
	CORSOrigins        []string
	RateLimitEnabled   bool
	RateLimitPerSecond float64
	RateLimitBurst     int
	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a reverse proxy that sets them.
	TrustProxyHeaders bool
}

// DefaultConfig returns default API server configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         "127.0.0.1",
		Port:               9090,
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        60 * time.Second,
		MaxHeaderBytes:     1 << 20, // 1 MB
		EnableCORS:         false,
		CORSOrigins:        []string{"*"},
		RateLimitEnabled:   true,
		RateLimitPerSecond: 10,
		RateLimitBurst:     20,
	}
}

// Dependencies are the daemon components the API reads from.
type Dependencies struct {
	Hosts         apihandlers.HostSource
	Scheduler     apihandlers.SchedulerStatus
	Subscribers   apihandlers.SubscriberSource
	Stream        *apihandlers.WebSocketHandler
	CycleInterval time.Duration
	Logger        *logging.Logger
}

// Server represents the API server.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	handler    http.Handler
	limiter    *middleware.RateLimiter
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new API server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Hosts == nil {
		return nil, fmt.Errorf("api server requires a host source")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid API port %d", cfg.Port)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	server := &Server{
		router: mux.NewRouter(),
		logger: logger.WithComponent("api").Logger,
	}

	server.setupRoutes(deps)
	server.setupMiddleware(cfg)

	server.httpServer = &http.Server{
		Addr:           net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.Port)),
		Handler:        server.handler,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	return server, nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(deps Dependencies) {
	health := apihandlers.NewHealthHandler(deps.Scheduler, deps.CycleInterval, s.logger)
	hosts := apihandlers.NewHostsHandler(deps.Hosts, deps.Scheduler, deps.Subscribers, s.logger)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/version", health.Version).Methods(http.MethodGet)

	api.HandleFunc("/hosts", hosts.ListHosts).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{host}", hosts.GetHost).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{host}/history", hosts.GetHostHistory).Methods(http.MethodGet)
	api.HandleFunc("/stats", hosts.Stats).Methods(http.MethodGet)

	if deps.Stream != nil {
		api.HandleFunc("/updates/ws", deps.Stream.UpdatesWebSocket).Methods(http.MethodGet)
	}

	registry := metrics.GetGlobalMetrics().GetRegistry()
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry: registry,
	})).Methods(http.MethodGet)

	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
	s.router.NotFoundHandler = middleware.RequestID()(http.HandlerFunc(apihandlers.NotFound))
}

// setupMiddleware configures middleware for the API server.
func (s *Server) setupMiddleware(cfg Config) {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))

	if cfg.RateLimitEnabled && cfg.RateLimitPerSecond > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
		s.router.Use(middleware.RateLimit(s.limiter, s.logger))
	}

	s.handler = s.router
	if cfg.EnableCORS {
		s.handler = handlers.CORS(
			handlers.AllowedOrigins(cfg.CORSOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type", middleware.RequestIDHeader}),
			handlers.ExposedHeaders([]string{middleware.RequestIDHeader}),
		)(s.handler)
	}
	if cfg.TrustProxyHeaders {
		s.handler = handlers.ProxyHeaders(s.handler)
	}
}

// index lists the available endpoints.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, map[string]interface{}{
		"service": "portwatch",
		"version": "v1",
		"endpoints": map[string]string{
			"liveness": "/api/v1/liveness",
			"health":   "/api/v1/health",
			"hosts":    "/api/v1/hosts",
			"stats":    "/api/v1/stats",
			"updates":  "/api/v1/updates/ws",
			"metrics":  "/metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err, "path", r.URL.Path)
	}
}

// Start listens and serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting API server",
		"address", listener.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	if s.limiter != nil {
		go s.cleanupLimiter(ctx)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

func (s *Server) cleanupLimiter(ctx context.Context) {
	ticker := time.NewTicker(rateLimitCleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Cleanup()
		}
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the bound address once started, or the configured one.
func (s *Server) GetAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}
