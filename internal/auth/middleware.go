package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Middleware enforces bearer authentication on the routes it wraps.
type Middleware struct {
	verifier      Verifier
	requiredRoles []string
	logger        *slog.Logger
}

// MiddlewareConfig holds middleware configuration.
type MiddlewareConfig struct {
	// RequiredRoles grants access when the caller holds any one of them.
	RequiredRoles []string
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(v Verifier, cfg *MiddlewareConfig, logger *slog.Logger) *Middleware {
	if cfg == nil {
		cfg = &MiddlewareConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{verifier: v, requiredRoles: cfg.RequiredRoles, logger: logger}
}

// Handler returns the auth middleware handler. Preflight requests pass.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed bearer token")
			return
		}

		claims, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.logger.Debug("token rejected", "error", err, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if claims.IsExpired() {
			writeError(w, http.StatusUnauthorized, "unauthorized", "token expired")
			return
		}
		if !m.hasRequiredRole(claims) {
			writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m *Middleware) hasRequiredRole(c *Claims) bool {
	if len(m.requiredRoles) == 0 {
		return true
	}
	for _, role := range m.requiredRoles {
		if c.HasRole(role) {
			return true
		}
	}
	return false
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

// GetClaims extracts claims from the request context. It returns nil when
// authentication is disabled.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="automations"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
