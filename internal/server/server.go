package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/crew-core/internal/catalog"
	"github.com/tributary-ai/crew-core/internal/crew"
	"github.com/tributary-ai/crew-core/internal/dispatch"
	"github.com/tributary-ai/crew-core/internal/facade"
	"github.com/tributary-ai/crew-core/internal/middleware"
	"github.com/tributary-ai/crew-core/internal/routing"
	"github.com/tributary-ai/crew-core/internal/security"
	"github.com/tributary-ai/crew-core/internal/store"
	"github.com/tributary-ai/crew-core/internal/types"
)

// Server is the HTTP surface over the router, orchestrator, dispatch
// service and memory facade.
type Server struct {
	router       *routing.Router
	orchestrator *crew.Orchestrator
	dispatcher   *dispatch.Service
	memories     *facade.Facade
	catalog      *catalog.Catalog

	httpServer         *http.Server
	logger             *logrus.Logger
	config             *ServerConfig
	securityMiddleware *middleware.SecurityMiddleware
	apiValidator       *middleware.ValidationMiddleware
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                               `yaml:"port"`
	ReadTimeout    time.Duration                        `yaml:"read_timeout"`
	WriteTimeout   time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes int                                  `yaml:"max_header_bytes"`
	Security       *middleware.SecurityMiddlewareConfig `yaml:"security"`
	APIValidation  *middleware.ValidationConfig         `yaml:"api_validation"`
}

// Deps are the domain components the server exposes. Security, when
// set, is the shared middleware stack built by the application; the
// server then skips building its own from config.
type Deps struct {
	Router       *routing.Router
	Orchestrator *crew.Orchestrator
	Dispatcher   *dispatch.Service
	Memories     *facade.Facade
	Catalog      *catalog.Catalog
	Security     *middleware.SecurityMiddleware
}

// NewServer creates a new server instance
func NewServer(deps Deps, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	server := &Server{
		router:       deps.Router,
		orchestrator: deps.Orchestrator,
		dispatcher:   deps.Dispatcher,
		memories:     deps.Memories,
		catalog:      deps.Catalog,
		logger:       logger,
		config:       config,
	}

	if deps.Security != nil {
		server.securityMiddleware = deps.Security
	} else if config.Security != nil {
		securityMiddleware, err := middleware.NewSecurityMiddleware(config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
		}
		server.securityMiddleware = securityMiddleware
	}

	if config.APIValidation != nil {
		apiValidator, err := middleware.NewValidationMiddleware(config.APIValidation, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize API validation: %w", err)
		}
		server.apiValidator = apiValidator
	}

	return server, nil
}

// SecurityMiddleware exposes the configured security stack so the
// application can share the audit logger with other components.
func (s *Server) SecurityMiddleware() *middleware.SecurityMiddleware {
	return s.securityMiddleware
}

// Start starts the HTTP server
func (s *Server) Start() error {
	r := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        r,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting crew-core server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping crew-core server")

	if s.securityMiddleware != nil {
		s.securityMiddleware.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	if s.securityMiddleware != nil {
		r.Use(s.securityMiddleware.Handler())
	}

	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.contentTypeMiddleware)

	if s.apiValidator != nil {
		r.Use(s.apiValidator.Middleware)
	}

	api := r.PathPrefix("/v1").Subrouter()

	// Routing and orchestration
	api.HandleFunc("/route", s.handleRoute).Methods("POST")
	api.HandleFunc("/orchestrate", s.handleOrchestrate).Methods("POST")
	api.HandleFunc("/catalog", s.handleCatalog).Methods("GET")

	// Async dispatch and tracking
	api.HandleFunc("/dispatch", s.handleDispatch).Methods("POST")
	api.HandleFunc("/requests", s.handleActiveRequests).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleCancelRequest).Methods("DELETE")
	api.HandleFunc("/requests/{id}/wait", s.handleWaitRequest).Methods("POST")
	api.HandleFunc("/callbacks/{id}", s.handleCallback).Methods("POST")

	// Crew memories
	api.HandleFunc("/memories", s.handleCreateMemory).Methods("POST")
	api.HandleFunc("/memories", s.handleRetrieveMemories).Methods("GET")
	api.HandleFunc("/memories/{id}", s.handleDeleteMemory).Methods("DELETE")

	// Health check endpoint (no /v1 prefix, unauthenticated)
	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	s.registerDocsRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"user_agent":  r.UserAgent(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Surface")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if contentType != "application/json" && contentType != "" {
				s.writeErrorResponse(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleRoute scores the catalog against a single task and returns the
// routing decision without dispatching anything.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req types.RoutingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	decision, err := s.router.Route(&req)
	if err != nil {
		if errors.Is(err, routing.ErrBudgetTooLow) && s.securityMiddleware != nil {
			s.securityMiddleware.LogSecurityEvent(r.Context(), security.BudgetExceeded,
				"Routing rejected: no model fits the requested budget", nil)
		}
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, decision)
}

// handleOrchestrate runs participant activation and per-participant
// routing for a task.
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req crew.OrchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	result, err := s.orchestrator.Orchestrate(&req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleCatalog returns the current model catalog.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	options := s.catalog.Options()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": options,
		"count":  len(options),
	})
}

type dispatchRequest struct {
	Input   string            `json:"input"`
	Context map[string]string `json:"context,omitempty"`
}

// handleDispatch hands work to the automation engine and returns the
// pending tracking record.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if req.Input == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "input is required")
		return
	}

	tracked, err := s.dispatcher.Dispatch(r.Context(), req.Input, req.Context)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, tracked)
}

func (s *Server) handleActiveRequests(w http.ResponseWriter, r *http.Request) {
	active, err := s.dispatcher.ActiveRequests(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": active,
		"count":    len(active),
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tracked, err := s.dispatcher.GetStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, tracked)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.dispatcher.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	if s.securityMiddleware != nil && s.securityMiddleware.Auditor() != nil {
		s.securityMiddleware.Auditor().LogRequestCancelled(r.Context(), id)
	}

	tracked, err := s.dispatcher.GetStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, tracked)
}

type waitRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// handleWaitRequest blocks until the request reaches a terminal status
// or the wait times out, whichever comes first.
func (s *Server) handleWaitRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req waitRequest
	if r.Body != nil {
		// An empty body means the default timeout
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	timeout := 30 * time.Second
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	tracked, err := s.dispatcher.WaitForCompletion(r.Context(), id, timeout)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, tracked)
}

type callbackRequest struct {
	Status       string  `json:"status"`
	Response     string  `json:"response,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	ActualCost   float64 `json:"actual_cost,omitempty"`
}

// handleCallback receives engine push notifications for a tracked
// request. Running marks progress; success and failed are terminal.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	var err error
	switch req.Status {
	case string(types.StatusRunning):
		err = s.dispatcher.MarkRunning(r.Context(), id)
	case string(types.StatusSuccess):
		err = s.dispatcher.HandleCompletion(r.Context(), id, req.Response, "", time.Duration(req.DurationMS)*time.Millisecond, req.ActualCost)
	case string(types.StatusFailed):
		err = s.dispatcher.HandleCompletion(r.Context(), id, "", req.ErrorMessage, time.Duration(req.DurationMS)*time.Millisecond, req.ActualCost)
	default:
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("unsupported callback status %q", req.Status))
		return
	}

	if err != nil {
		s.writeError(w, err)
		return
	}

	tracked, err := s.dispatcher.GetStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, tracked)
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.authContext(w, r)
	if !ok {
		return
	}

	var params facade.CreateMemoryParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	result, err := s.memories.CreateMemory(r.Context(), params, auth)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleRetrieveMemories(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.authContext(w, r)
	if !ok {
		return
	}

	params := facade.RetrieveMemoriesParams{
		Tag: r.URL.Query().Get("tag"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		fmt.Sscanf(limit, "%d", &params.Limit)
	}

	result, err := s.memories.RetrieveMemories(r.Context(), params, auth)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.authContext(w, r)
	if !ok {
		return
	}

	params := facade.DeleteMemoryParams{ID: mux.Vars(r)["id"]}

	result, err := s.memories.DeleteMemory(r.Context(), params, auth)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleHealthCheck returns overall health status
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"models":    len(s.catalog.Options()),
		"timestamp": time.Now().Unix(),
	}

	if s.securityMiddleware != nil {
		if err := s.securityMiddleware.HealthCheck(); err != nil {
			response["status"] = "degraded"
			response["security"] = err.Error()
			s.writeJSON(w, http.StatusServiceUnavailable, response)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// Helper functions

// authContext pulls the caller's authorization context from the request,
// rejecting unauthenticated calls to the memory endpoints.
func (s *Server) authContext(w http.ResponseWriter, r *http.Request) (*types.AuthorizationContext, bool) {
	auth, ok := security.GetAuthContext(r.Context())
	if !ok {
		s.writeErrorResponse(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	return auth, true
}

// writeError maps domain errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var validationErr *types.ValidationError
	var unauthorizedErr *types.UnauthorizedError
	var operationErr *types.OperationError

	switch {
	case errors.As(err, &validationErr):
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &unauthorizedErr):
		s.writeErrorResponse(w, http.StatusForbidden, err.Error())
	case errors.Is(err, routing.ErrNoCandidates), errors.Is(err, routing.ErrBudgetTooLow):
		s.writeErrorResponse(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &operationErr):
		if errors.Is(err, store.ErrNotFound) {
			s.writeErrorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeErrorResponse(w, http.StatusBadGateway, err.Error())
	default:
		s.writeErrorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    statusCode,
		},
		"timestamp": time.Now().Unix(),
	}

	json.NewEncoder(w).Encode(errorResp)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
