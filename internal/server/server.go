package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/plantops/shopfloor/internal/auth"
	"github.com/plantops/shopfloor/internal/config"
	"github.com/plantops/shopfloor/internal/gateway"
	"github.com/plantops/shopfloor/internal/httputil"
	"github.com/plantops/shopfloor/internal/logging"
	"github.com/plantops/shopfloor/internal/metrics"
	"github.com/plantops/shopfloor/internal/middleware"
)

// serviceName labels request metrics and log lines.
const serviceName = "shopfloor-access"

// Options carries the dependencies the server needs.
type Options struct {
	Config    *config.Config
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
	Tokens    *auth.Service
	Directory UserDirectory
	Hub       *gateway.Hub

	// MetricsHandler serves GET /metrics, typically promhttp over the same
	// registry the Metrics bundle is registered on.
	MetricsHandler http.Handler
}

// Server owns the router and the HTTP handlers in front of the token service
// and the gateway.
type Server struct {
	cfg       *config.Config
	logger    *logging.Logger
	tokens    *auth.Service
	directory UserDirectory
	hub       *gateway.Hub
	router    *mux.Router
}

// New assembles the middleware chain and routes.
func New(opts Options) *Server {
	s := &Server{
		cfg:       opts.Config,
		logger:    opts.Logger,
		tokens:    opts.Tokens,
		directory: opts.Directory,
		hub:       opts.Hub,
		router:    mux.NewRouter(),
	}

	// Websocket upgrades authenticate inside the gateway handler; login and
	// refresh are credential exchanges by nature.
	skipAuth := []string{
		"/health",
		"/metrics",
		"/api/v1/auth/login",
		"/api/v1/auth/refresh",
		"/ws/dashboard",
		"/ws/scheduler",
	}

	authMW := middleware.NewAuthMiddleware(opts.Tokens, opts.Logger, skipAuth)
	cors := middleware.NewCORSMiddleware(opts.Config.AllowedOrigins())
	limiter := middleware.NewRateLimiter(opts.Config.RateLimitPerSecond, opts.Config.RateLimitBurst, opts.Logger)

	s.router.Use(
		middleware.LoggingMiddleware(opts.Logger),
		middleware.MetricsMiddleware(serviceName, opts.Metrics),
		cors.Handler,
		limiter.Handler,
		authMW.Handler,
	)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if opts.MetricsHandler != nil {
		s.router.Handle("/metrics", opts.MetricsHandler).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/dashboard", opts.Hub.HandleDashboard).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/scheduler", opts.Hub.HandleScheduler).Methods(http.MethodGet)

	// Preflight requests are answered by the CORS middleware before they
	// reach this handler.
	s.router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":      "healthy",
		"service":     serviceName,
		"environment": s.cfg.Environment,
	})
}
