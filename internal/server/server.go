// Package server exposes the pricing agent over HTTP.
//
// Routes:
//
//	POST /api/v1/recommendations                  run the pipeline
//	GET  /api/v1/recommendations/pending?role=    pending queue, optionally per role
//	GET  /api/v1/recommendations/{id}             one recommendation
//	POST /api/v1/recommendations/{id}/approval    approve or reject (bearer token when auth is on)
//	GET  /api/v1/recommendations/{id}/approvals   approval attempts for one recommendation
//	GET  /api/v1/changes?limit=                   approved price changes (needs a database)
//	GET  /api/v1/events                           websocket stream of pipeline and approval events
//	GET  /api/v1/tools                            agent tool definitions and call stats
//	POST /api/v1/tools/call                       run one tool call (bearer token when auth is on)
//	GET  /health, /ready, /metrics
//
// A gRPC health service runs on its own port for orchestrator health checks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kubilitics/kubilitics-pricing/internal/auth"
	"github.com/kubilitics/kubilitics-pricing/internal/config"
	"github.com/kubilitics/kubilitics-pricing/internal/db"
	"github.com/kubilitics/kubilitics-pricing/internal/pipeline"
	"github.com/kubilitics/kubilitics-pricing/internal/tools"
)

// Server represents the pricing HTTP server
type Server struct {
	cfg   *config.Config
	agent *pipeline.Agent

	issuer   *auth.Issuer
	hub      *Hub
	store    db.Store
	tools    *tools.Registry
	logger   *zap.Logger
	validate *validator.Validate
	limiter  *ipRateLimiter
	proxies  trustedProxies

	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithIssuer turns on bearer token checks for approvals.
func WithIssuer(i *auth.Issuer) Option {
	return func(s *Server) { s.issuer = i }
}

// WithHub serves the event stream from h. The hub should also be
// registered with the agent so it sees events.
func WithHub(h *Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithStore exposes approved changes and a database readiness check.
func WithStore(st db.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithTools serves the agent tool-call endpoints from reg.
func WithTools(reg *tools.Registry) Option {
	return func(s *Server) { s.tools = reg }
}

// New creates a server for agent.
func New(cfg *config.Config, agent *pipeline.Agent, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if agent == nil {
		return nil, pipeline.ErrNotInitialized
	}
	proxies, err := parseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		agent:    agent,
		logger:   zap.NewNop(),
		validate: validator.New(),
		limiter:  newIPRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
		proxies:  proxies,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(cfg.Server.AllowedOrigins, s.logger)
	}
	return s, nil
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler builds the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.recoverPanics, s.observe, s.rateLimit)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/recommendations", s.handleRecommend).Methods(http.MethodPost)
	// Registered before {id} so "pending" is not taken for an id.
	api.HandleFunc("/recommendations/pending", s.handleListPending).Methods(http.MethodGet)
	api.HandleFunc("/recommendations/{id}", s.handleGetRecommendation).Methods(http.MethodGet)
	api.Handle("/recommendations/{id}/approval", s.requireApprover(http.HandlerFunc(s.handleApproval))).Methods(http.MethodPost)
	api.HandleFunc("/recommendations/{id}/approvals", s.handleApprovalHistory).Methods(http.MethodGet)
	if s.store != nil {
		api.HandleFunc("/changes", s.handleApprovedChanges).Methods(http.MethodGet)
	}
	api.HandleFunc("/events", s.hub.ServeWS).Methods(http.MethodGet)
	if s.tools != nil {
		api.HandleFunc("/tools", s.handleListTools).Methods(http.MethodGet)
		api.Handle("/tools/call", s.requireApprover(http.HandlerFunc(s.handleToolCall))).Methods(http.MethodPost)
	}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFoundHandler, api.NotFoundHandler = notFound, notFound
	r.MethodNotAllowedHandler, api.MethodNotAllowedHandler = notAllowed, notAllowed

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return tracingHandler(c.Handler(r))
}

// Start binds the HTTP and gRPC health listeners and serves in the
// background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	if s.cfg.Server.GRPCHealthPort > 0 {
		if err := s.startHealth(); err != nil {
			_ = ln.Close()
			return err
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	s.hub.Start()
	s.running = true
	s.logger.Info("pricing server started",
		zap.String("http", ln.Addr().String()),
		zap.Int("grpc_health_port", s.cfg.Server.GRPCHealthPort),
		zap.Bool("auth", s.issuer != nil),
	)
	return nil
}

func (s *Server) startHealth() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.GRPCHealthPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	s.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC health server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop drains HTTP requests, marks the gRPC health service not serving
// and closes websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("server is not running")
	}
	s.running = false

	var errs []error
	if s.healthServer != nil {
		s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown HTTP server: %w", err))
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	s.hub.Close()
	s.wg.Wait()
	s.logger.Info("pricing server stopped")
	return errors.Join(errs...)
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
