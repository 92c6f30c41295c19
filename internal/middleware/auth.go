// Package middleware provides the HTTP middleware chain for the access layer.
package middleware

import (
	"net/http"
	"strings"

	"github.com/plantops/shopfloor/internal/auth"
	"github.com/plantops/shopfloor/internal/errors"
	"github.com/plantops/shopfloor/internal/httputil"
	"github.com/plantops/shopfloor/internal/logging"
	"github.com/plantops/shopfloor/internal/tenant"
)

// AuthMiddleware verifies the bearer credential and cross-validates the
// tenant assertion on every request outside the skip list. Every failure
// collapses to the same generic 401; the distinct cause is only logged.
type AuthMiddleware struct {
	tokens    *auth.Service
	logger    *logging.Logger
	skipPaths map[string]bool
}

// NewAuthMiddleware creates the authentication middleware. skipPaths are
// matched exactly against the request path.
func NewAuthMiddleware(tokens *auth.Service, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool, len(skipPaths))
	for _, path := range skipPaths {
		skip[path] = true
	}
	return &AuthMiddleware{
		tokens:    tokens,
		logger:    logger,
		skipPaths: skip,
	}
}

// Handler returns the middleware handler.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			m.reject(w, r, "missing_credentials", nil)
			return
		}

		// Only access tokens authenticate API requests; refresh tokens are
		// accepted solely by the rotation endpoint.
		claims, err := m.tokens.VerifyKind(r.Context(), token, auth.KindAccess)
		if err != nil {
			m.reject(w, r, "token_rejected", map[string]interface{}{"cause": err.Error()})
			return
		}

		tc, err := tenant.Resolve(claims, tenant.FromRequest(r))
		if err != nil {
			m.reject(w, r, "tenant_rejected", svcErrorDetails(err))
			return
		}

		ctx := tenant.NewContext(r.Context(), tc)
		ctx = logging.WithUserID(ctx, tc.Subject)
		ctx = logging.WithTenantID(ctx, tc.TenantID)
		if len(tc.Roles) > 0 {
			ctx = logging.WithRole(ctx, tc.Roles[0])
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// reject logs the real failure and answers with the uniform rejection so
// callers cannot probe which check failed.
func (m *AuthMiddleware) reject(w http.ResponseWriter, r *http.Request, event string, fields map[string]interface{}) {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["path"] = r.URL.Path
	fields["method"] = r.Method
	m.logger.LogSecurityEvent(r.Context(), event, fields)

	httputil.Unauthorized(w, "")
}

// svcErrorDetails flattens a ServiceError into log fields so the distinct
// internal code survives even though the response stays generic.
func svcErrorDetails(err error) map[string]interface{} {
	se := errors.GetServiceError(err)
	if se == nil {
		return nil
	}
	fields := map[string]interface{}{"code": string(se.Code)}
	for k, v := range se.Details {
		fields[k] = v
	}
	return fields
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// RequireRole gates a handler on the authenticated identity carrying the
// given role. Authentication failures were already handled upstream, so a
// missing role is a plain 403.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc, ok := tenant.FromContext(r.Context())
			if !ok {
				httputil.Unauthorized(w, "")
				return
			}
			for _, have := range tc.Roles {
				if have == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			httputil.WriteErrorResponse(w, http.StatusForbidden, "FORBIDDEN", "forbidden", nil)
		})
	}
}
