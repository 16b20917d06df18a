// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/sselfie/generation-core/internal/job"
	"github.com/sselfie/generation-core/internal/ledger"
	"github.com/sselfie/generation-core/internal/logging"
	"github.com/sselfie/generation-core/internal/models"
	"github.com/sselfie/generation-core/internal/service"
)

// Service interfaces for dependency injection and testing

// JobServiceInterface defines the job lifecycle operations
type JobServiceInterface interface {
	SubmitJob(ctx context.Context, in job.SubmitInput) (*job.SubmitResult, error)
	GetJobStatus(ctx context.Context, jobID, userID string) (*service.JobStatusView, error)
	ReconcileFromWebhook(ctx context.Context, jobID string) (*service.JobStatusView, error)
}

// CreditServiceInterface defines the credit operations
type CreditServiceInterface interface {
	GetBalance(ctx context.Context, userID string) (*service.BalanceView, error)
	ListLedger(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error)
	GrantCredits(ctx context.Context, in ledger.GrantInput) (*ledger.GrantResult, error)
	RemoveCredits(ctx context.Context, in ledger.RemoveInput) (*ledger.GrantResult, error)
}

// DiagnosticsInterface defines the internal consistency checks
type DiagnosticsInterface interface {
	CheckJob(ctx context.Context, jobID string) (*service.ConsistencyCheckResult, error)
	CheckUser(ctx context.Context, userID string) (*service.ConsistencyCheckResult, error)
}

// HealthCheck reports whether a dependency is reachable
type HealthCheck func(ctx context.Context) error

// Server represents the HTTP API server.
type Server struct {
	router        *mux.Router
	httpServer    *http.Server
	jobService    JobServiceInterface
	creditService CreditServiceInterface
	diagnostics   DiagnosticsInterface
	monitor       *service.PollMonitor
	config        *ServerConfig
	logger        *logging.Logger

	healthMu     sync.RWMutex
	healthChecks map[string]HealthCheck
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Per-user request rate on the /api routes
	RequestsPerSecond float64
	Burst             int

	// InternalToken guards /internal routes. Empty disables them.
	InternalToken string
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	generationService *service.GenerationService,
	checker *service.ConsistencyChecker,
	logger *logging.Logger,
) *Server {
	var diagnostics DiagnosticsInterface
	if checker != nil {
		diagnostics = checker
	}
	return newServer(config, generationService, generationService, diagnostics, generationService.Monitor(), logger)
}

func newServer(
	config *ServerConfig,
	jobs JobServiceInterface,
	credits CreditServiceInterface,
	diagnostics DiagnosticsInterface,
	monitor *service.PollMonitor,
	logger *logging.Logger,
) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:        mux.NewRouter(),
		jobService:    jobs,
		creditService: credits,
		diagnostics:   diagnostics,
		monitor:       monitor,
		config:        config,
		logger:        logger.WithField("component", "api"),
		healthChecks:  make(map[string]HealthCheck),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// User-facing routes. The auth collaborator in front of us sets X-User-ID.
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RequireUserMiddleware)
	api.Use(RateLimitMiddleware(rateLimiter))

	api.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	api.HandleFunc("/jobs/{id}", s.handleGetJobStatus).Methods("GET")
	api.HandleFunc("/credits/balance", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/credits/ledger", s.handleListLedger).Methods("GET")

	// Billing hooks and diagnostics
	internal := s.router.PathPrefix("/internal").Subrouter()
	internal.Use(InternalAuthMiddleware(s.config.InternalToken))

	internal.HandleFunc("/credits/grants", s.handleGrantCredits).Methods("POST")
	internal.HandleFunc("/credits/removals", s.handleRemoveCredits).Methods("POST")
	internal.HandleFunc("/jobs/{id}/consistency", s.handleCheckJob).Methods("GET")
	internal.HandleFunc("/users/{id}/consistency", s.handleCheckUser).Methods("GET")
	internal.HandleFunc("/stats/polls", s.handlePollStats).Methods("GET")

	// Provider webhooks (no rate limiting; the body is never trusted)
	s.router.HandleFunc("/webhooks/provider/{jobId}", s.handleProviderWebhook).Methods("POST")
}

// AddHealthCheck registers a dependency probe reported by /health
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.healthChecks[name] = check
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	s.healthMu.RLock()
	checks := make(map[string]HealthCheck, len(s.healthChecks))
	for name, check := range s.healthChecks {
		checks[name] = check
	}
	s.healthMu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	deps := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	respondJSON(w, code, map[string]interface{}{
		"status":       status,
		"service":      "generation-core",
		"dependencies": deps,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
