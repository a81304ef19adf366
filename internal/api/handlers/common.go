// Package handlers provides HTTP request handlers for the Scanorama API.
// This file contains common utilities shared across all handlers to reduce
// code duplication and provide consistent patterns.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/bryankemp/network-scanner/internal/auth"
	"github.com/bryankemp/network-scanner/internal/errors"
	"github.com/bryankemp/network-scanner/internal/metrics"
	"github.com/bryankemp/network-scanner/internal/runner"
)

// ContextKey represents a context key type.
type ContextKey string

// PaginationParams holds pagination parameters.
type PaginationParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Offset   int `json:"offset"`
}

// PaginatedResponse represents a paginated API response.
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination struct {
		Page       int   `json:"page"`
		PageSize   int   `json:"page_size"`
		TotalItems int64 `json:"total_items"`
		TotalPages int   `json:"total_pages"`
	} `json:"pagination"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// BaseHandler provides common functionality for all handlers.
type BaseHandler struct {
	logger  *slog.Logger
	metrics metrics.MetricsRegistry
}

// NewBaseHandler creates a new base handler.
func NewBaseHandler(logger *slog.Logger, metricsRegistry metrics.MetricsRegistry) *BaseHandler {
	return &BaseHandler{
		logger:  logger,
		metrics: metricsRegistry,
	}
}

// Common utility functions

// getRequestIDFromContext extracts request ID from context.
func getRequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKey("request_id")).(string); ok {
		return requestID
	}
	return "unknown"
}

// getQueryParamInt extracts integer query parameter with default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	if value := r.URL.Query().Get(key); value != "" {
		return strconv.Atoi(value)
	}
	return defaultValue, nil
}

// extractUUIDFromPath extracts UUID from URL path parameter.
func extractUUIDFromPath(r *http.Request) (uuid.UUID, error) {
	vars := mux.Vars(r)
	idStr, exists := vars["id"]
	if !exists {
		return uuid.Nil, fmt.Errorf("id not provided")
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %s", idStr)
	}

	return id, nil
}

// extractStringFromPath extracts string ID from URL path parameter.
func extractStringFromPath(r *http.Request) (string, error) {
	vars := mux.Vars(r)
	idStr, exists := vars["id"]
	if !exists {
		return "", fmt.Errorf("id not provided")
	}

	if strings.TrimSpace(idStr) == "" {
		return "", fmt.Errorf("id cannot be empty")
	}

	return idStr, nil
}

// Pagination utilities

// getPaginationParams extracts pagination parameters from request.
func getPaginationParams(r *http.Request) (PaginationParams, error) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 1000
	)

	page, err := getQueryParamInt(r, "page", defaultPage)
	if err != nil {
		return PaginationParams{}, fmt.Errorf("invalid page parameter: %w", err)
	}

	pageSize, err := getQueryParamInt(r, "page_size", defaultPageSize)
	if err != nil {
		return PaginationParams{}, fmt.Errorf("invalid page_size parameter: %w", err)
	}

	if page < 1 {
		page = defaultPage
	}

	if pageSize < 1 {
		pageSize = defaultPageSize
	}

	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	offset := (page - 1) * pageSize

	return PaginationParams{
		Page:     page,
		PageSize: pageSize,
		Offset:   offset,
	}, nil
}

// Response utilities

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but don't try to write another response
		requestID := getRequestIDFromContext(r.Context())
		slog.Error("Failed to encode JSON response",
			"request_id", requestID,
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	requestID := getRequestIDFromContext(r.Context())

	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}

	writeJSON(w, r, statusCode, response)
}

// writePaginatedResponse writes a paginated response.
func writePaginatedResponse(
	w http.ResponseWriter,
	r *http.Request,
	data interface{},
	params PaginationParams,
	totalItems int64,
) {
	totalPages := int((totalItems + int64(params.PageSize) - 1) / int64(params.PageSize))

	response := PaginatedResponse{
		Data: data,
	}
	response.Pagination.Page = params.Page
	response.Pagination.PageSize = params.PageSize
	response.Pagination.TotalItems = totalItems
	response.Pagination.TotalPages = totalPages

	writeJSON(w, r, http.StatusOK, response)
}

// Request parsing utilities

// parseJSON parses JSON request body into the provided destination with security constraints.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is empty")
	}

	// Enforce maximum request size (10MB) to prevent DoS attacks
	const maxRequestSize = 10 * 1024 * 1024
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	// Use strict number handling to prevent precision issues
	decoder.UseNumber()

	if err := decoder.Decode(dest); err != nil {
		if err.Error() == "http: request body too large" {
			return fmt.Errorf("request body too large (max 10MB)")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}

	return nil
}

// recordCRUDMetric records a CRUD operation metric.
func recordCRUDMetric(metricsRegistry metrics.MetricsRegistry, metricName string, labels map[string]string) {
	if metricsRegistry != nil {
		metricsRegistry.Counter(metricName, labels)
	}
}

// Operation result helpers

// handleDatabaseError handles common database errors and writes appropriate HTTP responses.
func handleDatabaseError(
	w http.ResponseWriter,
	r *http.Request,
	err error,
	operation, entityType string,
	logger *slog.Logger,
) {
	requestID := getRequestIDFromContext(r.Context())

	if errors.IsNotFound(err) {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("%s not found", entityType))
		return
	}

	if errors.IsConflict(err) {
		writeError(w, r, http.StatusConflict, err)
		return
	}

	if errors.IsValidation(err) {
		writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}

	logger.Error(fmt.Sprintf("Failed to %s %s", operation, entityType),
		"request_id", requestID,
		"error", err)
	writeError(w, r, http.StatusInternalServerError,
		fmt.Errorf("failed to %s %s: %w", operation, entityType, err))
}

// Request validation

// requestValidator is shared across every handler's request struct. Custom
// tags cover the domain rules struct tags alone can't express: cidr (a
// well-formed network range), cron (a parseable cron expression), and
// password (the same strength policy enforced on password changes).
var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New()
	mustRegister := func(tag string, fn validator.Func) {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("registering %q validator: %v", tag, err))
		}
	}
	mustRegister("cidr", func(fl validator.FieldLevel) bool {
		return runner.ValidateCIDR(fl.Field().String()) == nil
	})
	mustRegister("cron", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	mustRegister("password", func(fl validator.FieldLevel) bool {
		return auth.ValidatePasswordStrength(fl.Field().String()) == nil
	})
	return v
}

// validateRequest runs struct-tag validation over dest, returning the first
// failing field as a *errors.ValidationError (HTTP 422) or nil.
func validateRequest(dest interface{}) error {
	if err := requestValidator.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				return errors.NewValidationError(fe.Field(), validationMessage(fe))
			}
		}
		return errors.NewValidationError("", err.Error())
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "cidr":
		return "is not a valid CIDR network range"
	case "cron":
		return "is not a valid cron expression"
	case "password":
		return "does not meet the minimum password strength policy"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
