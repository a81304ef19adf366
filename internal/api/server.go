// Package api provides the HTTP REST API adapter for the network scanner:
// scan lifecycle, schedules, stats rollups, artifact downloads, settings,
// and the bearer-token auth flow that gates mutating routes.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	corsware "github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	apihandlers "github.com/bryankemp/network-scanner/internal/api/handlers"
	"github.com/bryankemp/network-scanner/internal/auth"
	"github.com/bryankemp/network-scanner/internal/config"
	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/logging"
	"github.com/bryankemp/network-scanner/internal/metrics"
	"github.com/bryankemp/network-scanner/internal/orchestrator"
	"github.com/bryankemp/network-scanner/internal/runner"
	"github.com/bryankemp/network-scanner/internal/scheduler"
	"github.com/bryankemp/network-scanner/internal/toolbus"
)

const serverShutdownTimeout = 30 * time.Second

// Server hosts the HTTP API adapter described by the external interface:
// scan/host/schedule/stats/artifact/settings/auth endpoints over gorilla/mux.
type Server struct {
	httpServer   *http.Server
	router       *mux.Router
	config       *config.Config
	database     *db.DB
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.Scheduler
	auth         *auth.Service
	logger       *slog.Logger
	metrics      *metrics.Registry
	startTime    time.Time
}

// New wires every repository, the orchestrator, the auth service, and every
// HTTP handler, and builds the route table.
func New(cfg *config.Config, database *db.DB) (*Server, error) {
	logger := logging.NewDefault().With("component", "api")
	metricsRegistry := metrics.NewRegistry()

	store := &orchestrator.Store{
		Scans:       db.NewScanRepository(database),
		Hosts:       db.NewHostRepository(database),
		Ports:       db.NewPortRepository(database),
		Traceroutes: db.NewTracerouteRepository(database),
		Artifacts:   db.NewArtifactRepository(database),
		Settings:    db.NewSettingRepository(database),
	}

	scanRunner, err := runner.New(cfg.Scanning.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("creating scan runner: %w", err)
	}
	orch := orchestrator.New(store, scanRunner)
	orch.SetSNMPCommunity(cfg.Scanning.SNMPCommunity)

	tokenIssuer := auth.NewTokenIssuer(cfg.API.SecretKey, cfg.API.AccessTokenMinutes, cfg.API.RefreshTokenDays)
	authService := auth.NewService(db.NewUserRepository(database), tokenIssuer)

	scheduleRepo := db.NewScheduleRepository(database)
	statsRepo := db.NewStatsRepository(database)
	userRepo := db.NewUserRepository(database)
	sched := scheduler.New(scheduleRepo, store.Scans, store.Settings, orch, store)
	tools := toolbus.NewRegistry(store, statsRepo, scheduleRepo, userRepo, orch)

	server := &Server{
		router:       mux.NewRouter(),
		config:       cfg,
		database:     database,
		orchestrator: orch,
		scheduler:    sched,
		auth:         authService,
		logger:       logger,
		metrics:      metricsRegistry,
		startTime:    time.Now(),
	}

	authHandler := apihandlers.NewAuthHandler(authService, logger, metricsRegistry)
	scanHandler := apihandlers.NewScanHandler(store.Scans, store.Hosts, store.Ports, store.Traceroutes, store.Artifacts, orch, logger, metricsRegistry)
	hostHandler := apihandlers.NewHostHandler(statsRepo, logger, metricsRegistry)
	scheduleHandler := apihandlers.NewScheduleHandler(scheduleRepo, store.Scans, orch, sched, logger, metricsRegistry)
	settingsHandler := apihandlers.NewSettingsHandler(store.Settings, logger, metricsRegistry)
	statsHandler := apihandlers.NewStatsHandler(statsRepo, logger, metricsRegistry)
	artifactHandler := apihandlers.NewArtifactHandler(store.Artifacts, logger, metricsRegistry)
	healthHandler := apihandlers.NewHealthHandler(database, logger, metricsRegistry)

	server.setupRoutes(authHandler, scanHandler, hostHandler, scheduleHandler, settingsHandler, statsHandler, artifactHandler, healthHandler, tools)
	server.setupMiddleware(authHandler)

	server.httpServer = &http.Server{
		Addr:           net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)),
		Handler:        server.router,
		ReadTimeout:    cfg.API.ReadTimeout,
		WriteTimeout:   cfg.API.WriteTimeout,
		IdleTimeout:    cfg.API.IdleTimeout,
		MaxHeaderBytes: cfg.API.MaxHeaderBytes,
	}

	return server, nil
}

// EnsureDefaultAdmin seeds the configured default admin account if the
// users table is still empty. Call once during startup, before Start.
func (s *Server) EnsureDefaultAdmin(ctx context.Context) error {
	return s.auth.EnsureDefaultAdmin(ctx, s.config.API.DefaultAdminUsername, s.config.API.DefaultAdminPassword)
}

// Start runs the HTTP server until ctx is canceled or it fails, after
// starting the schedule/retention/watchdog cron runner.
func (s *Server) Start(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	s.logger.Info("starting API server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

// Stop gracefully shuts the HTTP server down, stopping the scheduler first.
func (s *Server) Stop() error {
	s.logger.Info("stopping API server")
	s.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// setupRoutes mounts every endpoint of the external HTTP interface.
func (s *Server) setupRoutes(
	authHandler *apihandlers.AuthHandler,
	scanHandler *apihandlers.ScanHandler,
	hostHandler *apihandlers.HostHandler,
	scheduleHandler *apihandlers.ScheduleHandler,
	settingsHandler *apihandlers.SettingsHandler,
	statsHandler *apihandlers.StatsHandler,
	artifactHandler *apihandlers.ArtifactHandler,
	healthHandler *apihandlers.HealthHandler,
	tools *toolbus.Registry,
) {
	r := s.router

	r.HandleFunc("/health", healthHandler.Health).Methods(http.MethodGet)

	r.HandleFunc("/api/auth/login", authHandler.Login).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/refresh", authHandler.Refresh).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/me", apihandlers.RequireAuth(authHandler.Me)).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/change-password", apihandlers.RequireAuth(authHandler.ChangePassword)).Methods(http.MethodPut)

	r.HandleFunc("/api/scans", apihandlers.RequireAdmin(scanHandler.Create)).Methods(http.MethodPost)
	r.HandleFunc("/api/scans", scanHandler.List).Methods(http.MethodGet)
	r.HandleFunc("/api/scans/{id}", scanHandler.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/scans/{id}", apihandlers.RequireAdmin(scanHandler.Delete)).Methods(http.MethodDelete)

	r.HandleFunc("/api/artifacts/{scan_id}/{type}", artifactHandler.Get).Methods(http.MethodGet)

	r.HandleFunc("/api/stats", statsHandler.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/hosts/unique", hostHandler.UniqueHosts).Methods(http.MethodGet)
	r.HandleFunc("/api/vms/unique", hostHandler.UniqueVMs).Methods(http.MethodGet)
	r.HandleFunc("/api/services/unique", statsHandler.UniqueServices).Methods(http.MethodGet)

	r.HandleFunc("/api/schedules", apihandlers.RequireAdmin(scheduleHandler.Create)).Methods(http.MethodPost)
	r.HandleFunc("/api/schedules", scheduleHandler.List).Methods(http.MethodGet)
	r.HandleFunc("/api/schedules/{id}", scheduleHandler.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/schedules/{id}", apihandlers.RequireAdmin(scheduleHandler.Update)).Methods(http.MethodPut)
	r.HandleFunc("/api/schedules/{id}", apihandlers.RequireAdmin(scheduleHandler.Delete)).Methods(http.MethodDelete)
	r.HandleFunc("/api/schedules/{id}/trigger", apihandlers.RequireAdmin(scheduleHandler.Trigger)).Methods(http.MethodPost)

	r.HandleFunc("/api/settings", settingsHandler.Get).Methods(http.MethodGet)
	r.HandleFunc("/api/settings", apihandlers.RequireAdmin(settingsHandler.Update)).Methods(http.MethodPut)

	r.HandleFunc("/mcp/tools", tools.ListToolsHTTP).Methods(http.MethodGet)
	r.HandleFunc("/mcp/call", tools.CallToolHTTP).Methods(http.MethodPost)
	r.HandleFunc("/mcp/sse", tools.SSEHandler).Methods(http.MethodGet)
}

// setupMiddleware installs panic recovery, request logging, CORS, and the
// bearer-token authentication layer, in that order.
func (s *Server) setupMiddleware(authHandler *apihandlers.AuthHandler) {
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.loggingMiddleware)

	if s.config.API.EnableCORS {
		corsOptions := corsware.AllowedOrigins(s.config.API.CORSOrigins)
		corsHeaders := corsware.AllowedHeaders([]string{"Content-Type", "Authorization"})
		corsMethods := corsware.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
		s.router.Use(corsware.CORS(corsOptions, corsHeaders, corsMethods))
	}

	s.router.Use(authHandler.Middleware)
}

// GetRouter returns the configured router, used by tests that exercise the
// full middleware chain with httptest.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the server's listen address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}

// recoveryMiddleware recovers from handler panics and returns a 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic in API handler", "error", err, "path", r.URL.Path, "method", r.Method)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request and records request metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", duration,
			"remote_addr", r.RemoteAddr)

		s.metrics.Counter("http_requests_total", map[string]string{
			"method": r.Method,
			"status": strconv.Itoa(wrapped.statusCode),
		})
		s.metrics.Histogram("http_request_duration_seconds", duration.Seconds(), map[string]string{"method": r.Method})
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code for
// logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
