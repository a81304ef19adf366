// Package handlers provides HTTP request handlers for the network scanner
// API. This file wires the login/refresh/session flow to internal/auth.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bryankemp/network-scanner/internal/auth"
	"github.com/bryankemp/network-scanner/internal/db"
	"github.com/bryankemp/network-scanner/internal/errors"
	"github.com/bryankemp/network-scanner/internal/metrics"
)

// userContextKey is the context key the auth middleware stores the
// authenticated user under.
const userContextKey ContextKey = "authenticated_user"

// WithUser attaches the authenticated user to a request context.
func WithUser(ctx context.Context, user *db.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user attached by Middleware.
func UserFromContext(ctx context.Context) (*db.User, bool) {
	user, ok := ctx.Value(userContextKey).(*db.User)
	return user, ok
}

// AuthHandler handles login, refresh, session, and password-change endpoints.
type AuthHandler struct {
	auth    *auth.Service
	logger  *slog.Logger
	metrics metrics.MetricsRegistry
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(authService *auth.Service, logger *slog.Logger, metricsRegistry metrics.MetricsRegistry) *AuthHandler {
	return &AuthHandler{
		auth:    authService,
		logger:  logger.With("handler", "auth"),
		metrics: metricsRegistry,
	}
}

// LoginRequest is the POST /api/auth/login body.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is the POST /api/auth/login and /api/auth/refresh response.
type LoginResponse struct {
	AccessToken        string `json:"access_token"`
	RefreshToken       string `json:"refresh_token"`
	Username           string `json:"username"`
	Role               string `json:"role"`
	MustChangePassword bool   `json:"must_change_password"`
}

func loginResponse(pair auth.Pair, user *db.User) LoginResponse {
	return LoginResponse{
		AccessToken:        pair.AccessToken,
		RefreshToken:       pair.RefreshToken,
		Username:           user.Username,
		Role:               user.Role,
		MustChangePassword: user.MustChangePassword,
	}
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}

	pair, user, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	recordCRUDMetric(h.metrics, "auth_logins_total", nil)
	writeJSON(w, r, http.StatusOK, loginResponse(pair, user))
}

// RefreshRequest is the POST /api/auth/refresh body.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Refresh handles POST /api/auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}

	pair, user, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, loginResponse(pair, user))
}

// Me handles GET /api/auth/me: returns the authenticated caller.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, fmt.Errorf("not authenticated"))
		return
	}
	writeJSON(w, r, http.StatusOK, user)
}

// ChangePasswordRequest is the PUT /api/auth/change-password body.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,password"`
}

// ChangePassword handles PUT /api/auth/change-password.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, fmt.Errorf("not authenticated"))
		return
	}

	var req ChangePasswordRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err)
		return
	}

	if err := h.auth.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		h.writeAuthError(w, r, err)
		return
	}

	recordCRUDMetric(h.metrics, "auth_password_changes_total", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := err.(*errors.AuthError); ok {
		writeError(w, r, http.StatusUnauthorized, err)
		return
	}
	handleDatabaseError(w, r, err, "authenticate", "user", h.logger)
}

// Middleware returns HTTP middleware that authenticates the Bearer token on
// every request, attaching the resolved user to the request context.
// Requests with no or invalid credentials proceed unauthenticated; handlers
// that require a session call RequireAuth, and handlers that require the
// admin role call RequireAdmin.
func (h *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			next.ServeHTTP(w, r)
			return
		}

		user, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := WithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth wraps a handler, rejecting requests with no authenticated user.
func RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			writeError(w, r, http.StatusUnauthorized, fmt.Errorf("authentication required"))
			return
		}
		next(w, r)
	}
}

// RequireAdmin wraps a handler, rejecting requests from non-admin users.
func RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, fmt.Errorf("authentication required"))
			return
		}
		if user.Role != db.UserRoleAdmin {
			writeError(w, r, http.StatusForbidden, fmt.Errorf("admin role required"))
			return
		}
		next(w, r)
	}
}
