package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-orchestrator/docs"
	"github.com/tributary-ai/model-orchestrator/internal/metrics"
	"github.com/tributary-ai/model-orchestrator/internal/middleware"
	"github.com/tributary-ai/model-orchestrator/internal/orchestrator"
	"github.com/tributary-ai/model-orchestrator/internal/registry"
	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// APIVersionPrefix is the versioned alias for every API route
const APIVersionPrefix = "/v1"

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

type contextKey string

const requestIDKey contextKey = "request_id"

// Server represents the HTTP server
type Server struct {
	service            *orchestrator.Service
	metrics            *metrics.Metrics
	httpServer         *http.Server
	logger             *logrus.Logger
	config             *ServerConfig
	securityMiddleware *middleware.SecurityMiddleware
	validation         *middleware.ValidationMiddleware
	validate           *validator.Validate
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string                               `yaml:"port"`
	ReadTimeout    time.Duration                        `yaml:"read_timeout"`
	WriteTimeout   time.Duration                        `yaml:"write_timeout"`
	MaxHeaderBytes int                                  `yaml:"max_header_bytes"`
	RequestTimeout time.Duration                        `yaml:"request_timeout"`
	Security       *middleware.SecurityMiddlewareConfig `yaml:"security"`
	Validation     middleware.ValidationConfig          `yaml:"validation"`
}

// NewServer creates a new server instance
func NewServer(service *orchestrator.Service, m *metrics.Metrics, config *ServerConfig, logger *logrus.Logger) (*Server, error) {
	security := config.Security
	if security == nil {
		security = &middleware.SecurityMiddlewareConfig{}
	}

	validation, err := middleware.NewValidationMiddleware(config.Validation, docs.OpenAPI, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
	}

	return &Server{
		service:            service,
		metrics:            m,
		logger:             logger,
		config:             config,
		securityMiddleware: middleware.NewSecurityMiddleware(security, logger),
		validation:         validation,
		validate:           newValidator(),
	}, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting model orchestrator server")
	return s.httpServer.ListenAndServe()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping model orchestrator server")
	s.securityMiddleware.Stop()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the routed handler with the full middleware chain
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.securityMiddleware.Handler())
	r.Use(s.securityMiddleware.CORSMiddleware())
	r.Use(s.contentTypeMiddleware)
	r.Use(s.validation.Middleware)

	s.registerAPIRoutes(r)
	s.registerAPIRoutes(r.PathPrefix(APIVersionPrefix).Subrouter())

	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.setupSwaggerRoutes(r)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeErrorResponse(w, r, http.StatusNotFound, types.ErrorResponse{
			Error:   types.ErrKindNotFound,
			Message: fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
		})
	})

	return r
}

func (s *Server) registerAPIRoutes(r *mux.Router) {
	r.Handle("/route", s.securityMiddleware.RateLimitingOnly()(http.HandlerFunc(s.handleRoute))).
		Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/models", s.handleListModels).Methods(http.MethodGet)
	r.HandleFunc("/models/{id}", s.handleGetModel).Methods(http.MethodGet)
}

// Middleware

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.ObserveHTTP(route, strconv.Itoa(wrapped.statusCode))

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  requestID(r.Context()),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) contentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			contentType := r.Header.Get("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				s.writeErrorResponse(w, r, http.StatusUnsupportedMediaType, types.ErrorResponse{
					Error:   types.ErrKindInvalidRequest,
					Message: "Content-Type must be application/json",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleRoute selects a model for the task and executes it
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req types.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, types.ErrorResponse{
			Error:   types.ErrKindInvalidRequest,
			Message: fmt.Sprintf("invalid JSON: %v", err),
		})
		return
	}

	if err := s.validate.Struct(&req); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, types.ErrorResponse{
			Error:   types.ErrKindInvalidRequest,
			Message: "request validation failed",
			Details: validationDetails(err),
		})
		return
	}

	ctx := r.Context()
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	task := req.ToTaskRequest(requestID(r.Context()))
	result, err := s.service.Route(ctx, &task)
	if err != nil {
		s.writeRoutingError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, types.NewRouteResponse(result))
}

// handleHealthCheck returns aggregate and per-model health
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.service.Health())
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := s.service.Models()
	s.writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models, Count: len(models)})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	info, err := s.service.Model(id)
	if err != nil {
		if errors.Is(err, registry.ErrModelNotFound) {
			s.writeErrorResponse(w, r, http.StatusNotFound, types.ErrorResponse{
				Error:   types.ErrKindNotFound,
				Message: fmt.Sprintf("model %s not found", id),
			})
			return
		}
		s.writeErrorResponse(w, r, http.StatusInternalServerError, types.ErrorResponse{
			Error:   types.ErrKindInternal,
			Message: err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, info)
}

// Helper functions

// StatusForKind maps a routing error kind to its HTTP status
func StatusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.ErrKindInvalidRequest:
		return http.StatusBadRequest
	case types.ErrKindNoSuitableModel:
		return http.StatusUnprocessableEntity
	case types.ErrKindAllModelsFailed, types.ErrKindExecutionFailure:
		return http.StatusBadGateway
	case types.ErrKindModelUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrKindRateLimited:
		return http.StatusTooManyRequests
	case types.ErrKindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeRoutingError(w http.ResponseWriter, r *http.Request, err error) {
	resp := types.ErrorResponse{
		Error:   types.KindOf(err),
		Message: err.Error(),
	}

	var re *types.RoutingError
	if errors.As(err, &re) {
		resp.Message = re.Message
		resp.Attempts = re.Attempts
	}
	if errors.Is(err, context.DeadlineExceeded) {
		resp.Message = "request timed out"
	}

	s.writeErrorResponse(w, r, StatusForKind(resp.Error), resp)
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, resp types.ErrorResponse) {
	if resp.RequestID == "" {
		resp.RequestID = requestID(r.Context())
	}
	s.writeJSON(w, statusCode, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func validationDetails(err error) map[string]string {
	details := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		details["error"] = err.Error()
		return details
	}
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "RouteRequest.")
		if fe.Param() != "" {
			details[field] = fe.Tag() + "=" + fe.Param()
		} else {
			details[field] = fe.Tag()
		}
	}
	return details
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
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
