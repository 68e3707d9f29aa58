/**
 * @description
 * Authentication middleware for the dunning service API: a shared-key check
 * for server-to-server calls and an HS256 bearer-token check for the
 * back-office console.
 */
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	operatorIDContextKey = contextKey("operatorID")
	tenantIDContextKey   = contextKey("tenantID")
)

// InternalAuthMiddleware validates the internal API key for server-to-server
// calls. An empty required key disables the check.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || provided != requiredKey {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ConsoleAuthMiddleware validates console bearer tokens and injects the
// operator and tenant into the request context. Console tokens are HS256
// with a shared secret; the tenant claim scopes every read.
func ConsoleAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if authHeader == "" {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}

			tokenString, ok := bearerToken(authHeader)
			if !ok {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			sub, ok := claims["sub"].(string)
			if !ok || strings.TrimSpace(sub) == "" {
				http.Error(w, "Subject claim missing", http.StatusUnauthorized)
				return
			}
			tenantID, ok := claims["tenant_id"].(string)
			if !ok || strings.TrimSpace(tenantID) == "" {
				http.Error(w, "Tenant claim missing", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorIDContextKey, sub)
			ctx = context.WithValue(ctx, tenantIDContextKey, tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext returns the authenticated console operator id.
func OperatorFromContext(ctx context.Context) (string, bool) {
	operatorID, ok := ctx.Value(operatorIDContextKey).(string)
	return operatorID, ok
}

// TenantFromContext returns the tenant the console token is scoped to.
func TenantFromContext(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(tenantIDContextKey).(string)
	return tenantID, ok
}

func bearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}

	return token, true
}
