package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-orchestrator/internal/types"
)

// ValidationMiddleware checks requests against the OpenAPI document
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
	prefix  string
}

// ValidationConfig configures the validation middleware
type ValidationConfig struct {
	Enabled bool `yaml:"enabled"`

	// StripPrefix is removed from request paths before route lookup so
	// versioned aliases validate against the same operations
	StripPrefix string `yaml:"strip_prefix"`
}

// NewValidationMiddleware parses spec and builds the route matcher. A disabled
// middleware does not parse anything.
func NewValidationMiddleware(config ValidationConfig, spec []byte, logger *logrus.Logger) (*ValidationMiddleware, error) {
	vm := &ValidationMiddleware{
		logger:  logger,
		enabled: config.Enabled,
		prefix:  config.StripPrefix,
	}

	if !config.Enabled {
		logger.Info("API validation middleware disabled")
		return vm, nil
	}

	if err := vm.loadOpenAPISpec(spec); err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}

	logger.Info("API validation middleware enabled")
	return vm, nil
}

func (vm *ValidationMiddleware) loadOpenAPISpec(spec []byte) error {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return err
	}

	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return fmt.Errorf("failed to create OpenAPI router: %w", err)
	}

	vm.router = router
	return nil
}

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request validation failed")

			vm.writeValidationError(w, r, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	lookup := r.Clone(r.Context())
	if vm.prefix != "" && strings.HasPrefix(lookup.URL.Path, vm.prefix+"/") {
		lookup.URL.Path = strings.TrimPrefix(lookup.URL.Path, vm.prefix)
		lookup.URL.RawPath = ""
	}

	route, pathParams, err := vm.router.FindRoute(lookup)
	if err != nil {
		// Undocumented routes (/metrics, /docs) and wrong methods are left to the mux
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	lookup.Body = io.NopCloser(bytes.NewReader(body))
	if lookup.Header.Get("Content-Type") == "" && len(body) > 0 {
		lookup.Header.Set("Content-Type", "application/json")
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    lookup,
		PathParams: pathParams,
		Route:      route,
	}
	return openapi3filter.ValidateRequest(r.Context(), input)
}

func (vm *ValidationMiddleware) writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	resp := types.ErrorResponse{
		Error:     types.ErrKindInvalidRequest,
		Message:   "request does not match the API schema",
		RequestID: r.Header.Get("X-Request-ID"),
		Details:   parseValidationError(err),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// parseValidationError pulls the failing field and reason out of a kin-openapi error
func parseValidationError(err error) map[string]string {
	details := map[string]string{}

	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.RequestBody != nil {
			details["location"] = "body"
		}
		if reqErr.Parameter != nil {
			details["location"] = reqErr.Parameter.In
			details["field"] = reqErr.Parameter.Name
		}
		if reqErr.Reason != "" {
			details["reason"] = reqErr.Reason
		}
	}

	var schemaErr *openapi3.SchemaError
	if errors.As(err, &schemaErr) {
		if pointer := schemaErr.JSONPointer(); len(pointer) > 0 {
			details["field"] = strings.Join(pointer, ".")
		}
		details["reason"] = schemaErr.Reason
	}

	if len(details) == 0 {
		details["reason"] = err.Error()
	}
	return details
}
