package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "github.com/daimoniac/sitelock/internal/api/docs" // Registers the OpenAPI document
	"github.com/daimoniac/sitelock/internal/cache"
	"github.com/daimoniac/sitelock/internal/config"
	"github.com/daimoniac/sitelock/internal/exceptions"
	"github.com/daimoniac/sitelock/internal/guard"
	"github.com/daimoniac/sitelock/internal/reconciler"
	"github.com/daimoniac/sitelock/internal/status"
)

// @title sitelock API
// @version 1.0
// @description Local control surface for the sitelock enforcement engine.
// @description
// @description ## Features
// @description - Allow/block decisions for navigation events
// @description - Unlock and relock restricted sites
// @description - Manual sync and sync status
// @description - Directory credential management

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Enter your API key (with or without "Bearer " prefix)

// Syncer runs and requests reconciliations.
type Syncer interface {
	SyncNow(ctx context.Context) (reconciler.Outcome, error)
	Trigger(reason string)
}

// Dependencies are the engine components the API exposes.
type Dependencies struct {
	Cache      *cache.LocalCache
	Guard      *guard.Guard
	Exceptions *exceptions.Manager
	Syncer     Syncer
	Status     *status.Reporter
	Clock      clockwork.Clock
}

// APIServer provides the HTTP API over the engine
type APIServer struct {
	config  *config.APIConfig
	deps    Dependencies
	router  *mux.Router
	handler http.Handler
	server  *http.Server
	logger  *slog.Logger
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.APIConfig, deps Dependencies, logger *slog.Logger) *APIServer {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	api := &APIServer{
		config: cfg,
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger,
	}

	api.setupRoutes()
	api.handler = api.corsMiddleware(api.router)

	api.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return api
}

// Handler returns the fully wrapped HTTP handler.
func (s *APIServer) Handler() http.Handler {
	return s.handler
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	// Enforcement surface. These stay writable in read-only mode: they only
	// touch in-memory tab state.
	v1.HandleFunc("/navigation/decide", s.handleDecide).Methods(http.MethodPost)
	v1.HandleFunc("/navigation/events", s.handleNavigationEvent).Methods(http.MethodPost)
	v1.HandleFunc("/tabs/commands", s.handleDrainCommands).Methods(http.MethodGet)
	v1.HandleFunc("/blocked", s.handleBlocked).Methods(http.MethodGet)

	// Queries
	v1.HandleFunc("/restrictions", s.handleListRestrictions).Methods(http.MethodGet)
	v1.HandleFunc("/restrictions/{hostname}", s.handleGetRestriction).Methods(http.MethodGet)
	v1.HandleFunc("/exceptions", s.handleListExceptions).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	// Actions
	v1.HandleFunc("/unlock", s.writeOnly(s.handleUnlock)).Methods(http.MethodPost)
	v1.HandleFunc("/exceptions/{hostname}", s.writeOnly(s.handleRelock)).Methods(http.MethodDelete)
	v1.HandleFunc("/sync", s.writeOnly(s.handleSync)).Methods(http.MethodPost)
	v1.HandleFunc("/auth/token", s.writeOnly(s.handleSetToken)).Methods(http.MethodPut)
	v1.HandleFunc("/auth/token", s.writeOnly(s.handleClearToken)).Methods(http.MethodDelete)

	s.router.PathPrefix("/swagger/").Handler(httpSwagger.WrapHandler)
	s.router.HandleFunc("/", s.handleRootRedirect)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

// corsMiddleware adds CORS headers to allow cross-origin requests. It wraps
// the whole router so preflight requests never reach method matching.
func (s *APIServer) corsMiddleware(next http.Handler) http.Handler {
	origin := s.config.CORSOrigins
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware provides optional API key authentication
func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey != "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				s.respondError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			// Accept both "Bearer <token>" and just "<token>"
			token := strings.TrimPrefix(authHeader, "Bearer ")

			if token != s.config.APIKey {
				s.respondError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// writeOnly rejects the request when the API is in read-only mode
func (s *APIServer) writeOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.ReadOnly {
			s.respondError(w, http.StatusForbidden, "API is in read-only mode")
			return
		}
		next(w, r)
	}
}

// Start starts the API server
func (s *APIServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("API server is disabled")
		return nil
	}

	s.logger.Info("starting API server",
		"port", s.config.Port,
		"read_only", s.config.ReadOnly)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error",
				"error", err.Error())
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down API server")
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the API server
func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// respondJSON sends a JSON response
func (s *APIServer) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("error encoding JSON response",
			"error", err.Error())
	}
}

// respondError sends an error response
func (s *APIServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// parseQueryParamBool extracts a boolean query parameter
func parseQueryParamBool(r *http.Request, key string) bool {
	value := r.URL.Query().Get(key)
	return value == "true" || value == "1" || value == "yes"
}

// handleRootRedirect redirects / to /swagger/
func (s *APIServer) handleRootRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/swagger/", http.StatusMovedPermanently)
}
