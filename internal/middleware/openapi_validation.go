package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ValidationConfig holds configuration for the OpenAPI validation middleware.
type ValidationConfig struct {
	// ValidateRequest rejects requests that do not match the spec with 400.
	ValidateRequest bool

	// ValidateResponse logs responses that do not match the spec. Use only
	// in development and tests.
	ValidateResponse bool

	// ExcludePaths are path prefixes that are never validated.
	ExcludePaths []string

	// Logger is the logger for validation errors.
	Logger *zap.Logger
}

// DefaultValidationConfig validates requests and skips the operational
// endpoints and the websocket stream.
func DefaultValidationConfig() *ValidationConfig {
	return &ValidationConfig{
		ValidateRequest: true,
		ExcludePaths: []string{
			"/health",
			"/ready",
			"/live",
			"/metrics",
			"/docs",
			"/openapi",
			"/api/v1/stream",
		},
	}
}

// OpenAPIValidator validates dashboard API traffic against an OpenAPI
// document.
type OpenAPIValidator struct {
	config *ValidationConfig
	logger *zap.Logger

	mu     sync.RWMutex
	router routers.Router
	spec   *openapi3.T
}

// NewOpenAPIValidator creates a validator without a spec. A nil config uses
// DefaultValidationConfig.
func NewOpenAPIValidator(cfg *ValidationConfig) (*OpenAPIValidator, error) {
	if cfg == nil {
		cfg = DefaultValidationConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAPIValidator{config: cfg, logger: logger}, nil
}

// LoadSpec parses, validates and installs an OpenAPI document.
func (v *OpenAPIValidator) LoadSpec(specContent []byte) error {
	spec, err := openapi3.NewLoader().LoadFromData(specContent)
	if err != nil {
		return fmt.Errorf("failed to parse OpenAPI spec: %w", err)
	}
	return v.install(spec, "embedded")
}

// LoadSpecFromFile loads the OpenAPI document at path.
func (v *OpenAPIValidator) LoadSpecFromFile(path string) error {
	spec, err := openapi3.NewLoader().LoadFromFile(path)
	if err != nil {
		return fmt.Errorf("failed to load OpenAPI spec from file: %w", err)
	}
	return v.install(spec, path)
}

func (v *OpenAPIValidator) install(spec *openapi3.T, source string) error {
	if err := spec.Validate(context.Background()); err != nil {
		return fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(spec)
	if err != nil {
		return fmt.Errorf("failed to create OpenAPI router: %w", err)
	}

	v.mu.Lock()
	v.spec = spec
	v.router = router
	v.mu.Unlock()

	v.logger.Info("OpenAPI spec loaded",
		zap.String("source", source),
		zap.String("title", spec.Info.Title),
		zap.String("version", spec.Info.Version),
	)
	return nil
}

// Spec returns the loaded OpenAPI document, or nil.
func (v *OpenAPIValidator) Spec() *openapi3.T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.spec
}

func (v *OpenAPIValidator) isExcludedPath(path string) bool {
	for _, excluded := range v.config.ExcludePaths {
		if strings.HasPrefix(path, excluded) {
			return true
		}
	}
	return false
}

// Middleware returns a Gin middleware function for OpenAPI validation.
// Requests for routes the document does not describe pass through.
func (v *OpenAPIValidator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		v.mu.RLock()
		router := v.router
		v.mu.RUnlock()

		if router == nil || v.isExcludedPath(c.Request.URL.Path) {
			c.Next()
			return
		}

		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			c.Next()
			return
		}

		if v.config.ValidateRequest && !v.validateRequest(c, route, pathParams) {
			return
		}

		if v.config.ValidateResponse {
			v.validateResponse(c, route, pathParams)
			return
		}

		c.Next()
	}
}

// validateRequest aborts with 400 and reports false when the request does
// not match the route.
func (v *OpenAPIValidator) validateRequest(c *gin.Context, route *routers.Route, pathParams map[string]string) bool {
	input := &openapi3filter.RequestValidationInput{
		Request:    c.Request,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError:         true,
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}

	// The validator consumes the body; restore it for the handler.
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			v.logger.Error("failed to read request body", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "InternalError",
				"message": "Failed to read request body",
				"code":    http.StatusInternalServerError,
			})
			return false
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		defer func() { c.Request.Body = io.NopCloser(bytes.NewReader(body)) }()
	}

	if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
		v.logger.Info("request validation failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "ValidationError",
			"message": formatValidationError(err),
			"code":    http.StatusBadRequest,
		})
		return false
	}
	return true
}

// responseRecorder captures the response for validation.
type responseRecorder struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}

func (v *OpenAPIValidator) validateResponse(c *gin.Context, route *routers.Route, pathParams map[string]string) {
	recorder := &responseRecorder{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
	c.Writer = recorder

	c.Next()

	input := &openapi3filter.ResponseValidationInput{
		RequestValidationInput: &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
		},
		Status: recorder.Status(),
		Header: recorder.Header(),
		Body:   io.NopCloser(bytes.NewReader(recorder.body.Bytes())),
		Options: &openapi3filter.Options{
			MultiError:            true,
			IncludeResponseStatus: true,
		},
	}

	if err := openapi3filter.ValidateResponse(c.Request.Context(), input); err != nil {
		v.logger.Warn("response validation failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", recorder.Status()),
			zap.Error(err),
		)
	}
}

// formatValidationError turns a kin-openapi error into a short message for
// the API response.
func formatValidationError(err error) string {
	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "request body has an error"):
		if strings.Contains(errStr, "doesn't match schema") || strings.Contains(errStr, "value is not one of") {
			return "Request body validation failed: " + extractSchemaError(errStr)
		}
		return "Invalid request body format"
	case strings.Contains(errStr, "parameter"):
		return "Invalid request parameters: " + errStr
	default:
		return "Request validation failed: " + errStr
	}
}

func extractSchemaError(errStr string) string {
	switch {
	case strings.Contains(errStr, "value is not one of"):
		return "value not allowed"
	case strings.Contains(errStr, "missing"):
		return "missing required field"
	case strings.Contains(errStr, "property"):
		parts := strings.SplitN(errStr, "property", 2)
		prop := strings.TrimSpace(parts[1])
		if idx := strings.Index(prop, " "); idx > 0 {
			return "invalid property " + prop[:idx]
		}
		return "invalid property"
	case strings.Contains(errStr, "type"):
		return "invalid field type"
	default:
		return "schema validation failed"
	}
}
