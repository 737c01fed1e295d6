package api

import (
	"net/http"

	"github.com/alvesdmateus/release-gate/internal/observability"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/pkg/config"
	"github.com/alvesdmateus/release-gate/pkg/database"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Version is reported by the health endpoint
var Version = "dev"

// Deps are the components the API serves
type Deps struct {
	DB           *gorm.DB
	Store        *state.Repository
	Pipeline     Pipeline
	Jobs         JobClient // nil runs work inline
	Approvals    ApprovalResolver
	Rollbacks    RollbackPoints
	Environments EnvironmentLister
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
}

// ServerConfig tunes the HTTP surface
type ServerConfig struct {
	Auth           config.AuthConfig
	RateLimit      RateLimitConfig
	AllowedOrigins []string
}

// Server represents the HTTP API server
type Server struct {
	router *chi.Mux
	db     *gorm.DB
	jobs   JobClient
	cfg    ServerConfig
	stops  []func()

	authHandler        *AuthHandler
	runHandler         *RunHandler
	approvalHandler    *ApprovalHandler
	incidentHandler    *IncidentHandler
	environmentHandler *EnvironmentHandler
}

// NewServer creates a new API server
func NewServer(d Deps, cfg ServerConfig) *Server {
	if d.Metrics == nil {
		d.Metrics = observability.DefaultMetrics
	}
	if d.Tracer == nil {
		d.Tracer = observability.GetGlobalTracer()
	}

	s := &Server{
		router:             chi.NewRouter(),
		db:                 d.DB,
		jobs:               d.Jobs,
		cfg:                cfg,
		authHandler:        NewAuthHandler(d.Store, cfg.Auth),
		runHandler:         NewRunHandler(d.Pipeline, d.Jobs, d.Store),
		approvalHandler:    NewApprovalHandler(d.Store, d.Approvals),
		incidentHandler:    NewIncidentHandler(d.Store),
		environmentHandler: NewEnvironmentHandler(d.Environments, d.Rollbacks, d.Pipeline, d.Jobs),
	}

	s.setupRoutes(d)
	return s
}

func (s *Server) limiter(cfg RateLimitConfig) func(http.Handler) http.Handler {
	mw, stop := RateLimitMiddleware(cfg)
	s.stops = append(s.stops, stop)
	return mw
}

// setupRoutes configures all routes
func (s *Server) setupRoutes(d Deps) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RequestLogger)
	s.router.Use(CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(TracingMiddleware(d.Tracer))
	s.router.Use(MetricsMiddleware(d.Metrics))

	s.router.Get("/health", s.healthCheck)
	s.router.Handle("/metrics", promhttp.Handler())

	authn := JWTAuthMiddleware(d.Store, s.cfg.Auth)
	role := func(roles ...string) func(http.Handler) http.Handler {
		return RequireRole(s.cfg.Auth, roles...)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.limiter(s.cfg.RateLimit))

		r.With(s.limiter(loginLimits())).Post("/auth/login", s.authHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(authn)

			r.Route("/auth", func(r chi.Router) {
				r.Get("/me", s.authHandler.GetCurrentOperator)
				r.Get("/api-keys", s.authHandler.ListAPIKeys)
				r.Post("/api-keys", s.authHandler.CreateAPIKey)
				r.Delete("/api-keys/{id}", s.authHandler.RevokeAPIKey)
				r.With(role(RoleAdmin)).Post("/operators", s.authHandler.CreateOperator)
			})

			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.runHandler.ListRuns)
				r.With(role(RoleDeployer), s.limiter(submissionLimits())).Post("/", s.runHandler.CreateRun)
				r.Get("/{id}", s.runHandler.GetRun)
				r.Get("/{id}/logs", s.runHandler.GetRunLogs)
				r.With(role(RoleDeployer)).Post("/{id}/abort", s.runHandler.AbortRun)
			})

			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", s.approvalHandler.ListApprovals)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.approvalHandler.GetApproval)
					r.With(role(RoleApprover)).Post("/approve", s.approvalHandler.Approve)
					r.With(role(RoleApprover)).Post("/reject", s.approvalHandler.Reject)
					r.With(role(RoleDeployer)).Post("/cancel", s.approvalHandler.Cancel)
				})
			})

			r.Route("/incidents", func(r chi.Router) {
				r.Get("/", s.incidentHandler.ListIncidents)
				r.With(role(RoleDeployer)).Post("/", s.incidentHandler.OpenIncident)
				r.With(role(RoleDeployer)).Post("/{id}/resolve", s.incidentHandler.ResolveIncident)
			})

			r.Route("/environments", func(r chi.Router) {
				r.Get("/", s.environmentHandler.ListEnvironments)
				r.Route("/{env}/services/{service}", func(r chi.Router) {
					r.Get("/rollback-points", s.environmentHandler.ListRollbackPoints)
					r.With(role(RoleDeployer), s.limiter(submissionLimits())).Post("/rollback", s.environmentHandler.Rollback)
				})
			})
		})
	})
}

// healthCheck handles GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok", Queue: "disabled", Version: Version}
	status := http.StatusOK

	if s.db == nil {
		resp.Database = "disabled"
	} else if err := database.HealthCheck(s.db); err != nil {
		resp.Database = "error"
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	if s.jobs != nil {
		resp.Queue = "ok"
		if err := s.jobs.Ping(r.Context()); err != nil {
			resp.Queue = "error"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else if depth, err := s.jobs.GetQueueStats(r.Context()); err == nil {
			resp.QueueDepth = depth
		}
	}

	RespondWithJSON(w, status, resp)
}

// Handler returns the http.Handler for the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stop releases the rate limiter cleanup goroutines
func (s *Server) Stop() {
	for _, stop := range s.stops {
		stop()
	}
	s.stops = nil
}
