package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voidwire/gatekeep/internal/authz"
	"github.com/voidwire/gatekeep/internal/store"
	"github.com/voidwire/gatekeep/internal/token"
)

type contextKey int

const (
	claimsKey contextKey = iota
	rawTokenKey
)

func claimsFrom(ctx context.Context) *token.Claims {
	claims, _ := ctx.Value(claimsKey).(*token.Claims)
	return claims
}

func rawTokenFrom(ctx context.Context) string {
	raw, _ := ctx.Value(rawTokenKey).(string)
	return raw
}

// requestLogger emits one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := uuid.NewString()
			sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

			next.ServeHTTP(sw, r)

			log.Info().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("url", r.URL.Path).
				Int("status", sw.code).
				Dur("response_time", time.Since(start)).
				Str("ip", r.RemoteAddr).
				Str("user_agent", r.UserAgent()).
				Msg("request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// authenticate verifies the bearer token and stashes claims plus the raw
// token in the request context. Token failures are 401s with a
// machine-readable logout signal so clients can force sign-out.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondError(w, http.StatusUnauthorized, "Authorization token is required or invalid.", map[string]bool{"logout": true})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims, err := s.tokens.VerifyAccess(r.Context(), raw)
		if err != nil {
			switch {
			case errors.Is(err, token.ErrExpiredToken):
				respondError(w, http.StatusUnauthorized, "Token expired.", map[string]interface{}{"reason": "expired", "logout": true})
			case errors.Is(err, token.ErrRevoked):
				respondError(w, http.StatusUnauthorized, "Token revoked.", map[string]interface{}{"reason": "revoked", "logout": true})
			case errors.Is(err, token.ErrCacheUnavailable):
				respondError(w, http.StatusServiceUnavailable, "Service temporarily unavailable.", nil)
			default:
				respondError(w, http.StatusUnauthorized, "Invalid token.", map[string]interface{}{"reason": "invalid", "logout": true})
			}
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = context.WithValue(ctx, rawTokenKey, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAdmin gates admin-only operations on the token's role claim.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFrom(r.Context())
		if claims == nil || claims.Role != store.AdminRole {
			respondError(w, http.StatusForbidden, "Unauthorized access.", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireRoute gates an operation behind the authorization cache.
func (s *Server) requireRoute(operationKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFrom(r.Context())
			if claims == nil || claims.Role == "" {
				respondError(w, http.StatusBadRequest, "Role is required to access this route.", nil)
				return
			}

			allowed, err := s.authz.IsAuthorized(r.Context(), claims.Role, operationKey)
			if err != nil {
				switch {
				case errors.Is(err, authz.ErrRoleNotFound):
					respondError(w, http.StatusForbidden, "Role not found.", nil)
				case errors.Is(err, authz.ErrNoRoutesAssigned):
					respondError(w, http.StatusForbidden, "No routes assigned to this role.", nil)
				default:
					respondError(w, http.StatusServiceUnavailable, "Service temporarily unavailable.", nil)
				}
				return
			}
			if !allowed {
				respondError(w, http.StatusForbidden, "Not permitted to access this route.", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
