package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/shopfloor/internal/auth"
	"github.com/plantops/shopfloor/internal/logging"
	"github.com/plantops/shopfloor/internal/tenant"
)

const (
	tenantA = "11111111-1111-4111-8111-111111111111"
	tenantB = "22222222-2222-4222-8222-222222222222"
)

func newTestTokens(t *testing.T) *auth.Service {
	t.Helper()
	svc, err := auth.NewService(auth.Options{
		Secret:    []byte("middleware-test-secret"),
		AccessTTL: time.Minute,
	}, auth.NewMemoryRevocationStore())
	require.NoError(t, err)
	return svc
}

func testLogger() *logging.Logger {
	return logging.New("middleware-test", "error", "text")
}

func TestAuthMiddleware(t *testing.T) {
	tokens := newTestTokens(t)

	access, err := tokens.Issue("user-1", tenantA, []string{"planner"}, auth.KindAccess)
	require.NoError(t, err)
	refresh, err := tokens.Issue("user-1", tenantA, nil, auth.KindRefresh)
	require.NoError(t, err)

	revoked, err := tokens.Issue("user-2", tenantA, nil, auth.KindAccess)
	require.NoError(t, err)
	require.NoError(t, tokens.Revoke(context.Background(), revoked.ID, revoked.ExpiresAt))

	tests := []struct {
		name       string
		authHeader string
		tenantID   string
		wantStatus int
	}{
		{
			name:       "valid token with matching tenant",
			authHeader: "Bearer " + access.Token,
			tenantID:   tenantA,
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing authorization header",
			tenantID:   tenantA,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed authorization header",
			authHeader: access.Token,
			tenantID:   tenantA,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "garbage token",
			authHeader: "Bearer not.a.jwt",
			tenantID:   tenantA,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "refresh token rejected on api routes",
			authHeader: "Bearer " + refresh.Token,
			tenantID:   tenantA,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "revoked token",
			authHeader: "Bearer " + revoked.Token,
			tenantID:   tenantA,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "tenant header does not match token tenant",
			authHeader: "Bearer " + access.Token,
			tenantID:   tenantB,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "tenant header missing",
			authHeader: "Bearer " + access.Token,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "tenant header not a uuid",
			authHeader: "Bearer " + access.Token,
			tenantID:   "plant-7",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewAuthMiddleware(tokens, testLogger(), nil)

			var gotCtx *tenant.Context
			handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotCtx, _ = tenant.FromContext(r.Context())
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/boards", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			if tt.tenantID != "" {
				req.Header.Set(tenant.HeaderName, tt.tenantID)
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				require.NotNil(t, gotCtx)
				assert.Equal(t, tenantA, gotCtx.TenantID)
				assert.Equal(t, "user-1", gotCtx.Subject)
				assert.Equal(t, []string{"planner"}, gotCtx.Roles)
				return
			}

			// Rejections are uniform: identical body for every failure class.
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "unauthorized", body["error"])
			assert.NotContains(t, body, "code")
			assert.Nil(t, gotCtx, "handler must not run on rejected requests")
		})
	}
}

func TestAuthMiddleware_SkipPaths(t *testing.T) {
	m := NewAuthMiddleware(newTestTokens(t), testLogger(), []string{"/health", "/api/v1/auth/login"})

	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for path, want := range map[string]int{
		"/health":            http.StatusOK,
		"/api/v1/auth/login": http.StatusOK,
		"/api/v1/boards":     http.StatusUnauthorized,
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "path %s", path)
	}
}

func TestAuthMiddleware_ContextCarriesIdentity(t *testing.T) {
	tokens := newTestTokens(t)
	access, err := tokens.Issue("user-1", tenantA, []string{"planner", "viewer"}, auth.KindAccess)
	require.NoError(t, err)

	m := NewAuthMiddleware(tokens, testLogger(), nil)
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user-1", logging.GetUserID(r.Context()))
		assert.Equal(t, tenantA, logging.GetTenantID(r.Context()))
		assert.Equal(t, "planner", logging.GetRole(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/boards", nil)
	req.Header.Set("Authorization", "Bearer "+access.Token)
	req.Header.Set(tenant.HeaderName, tenantA)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireRole("admin")(next)

	t.Run("role present", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(tenant.NewContext(req.Context(), &tenant.Context{
			TenantID: tenantA, Subject: "user-1", Roles: []string{"admin"},
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("role absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(tenant.NewContext(req.Context(), &tenant.Context{
			TenantID: tenantA, Subject: "user-1", Roles: []string{"viewer"},
		}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2, testLogger())
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remote string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/boards", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1:1234"), "burst exhausted")
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1234"), "callers are limited independently")
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, testLogger())
	rl.getLimiter("stale")
	rl.getLimiter("fresh")

	rl.mu.Lock()
	rl.limiters["stale"].lastSeen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.Cleanup(10 * time.Minute)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.limiters, "stale")
	assert.Contains(t, rl.limiters, "fresh")
}

func TestCORSMiddleware(t *testing.T) {
	m := NewCORSMiddleware([]string{"https://plant.example.com"})
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://plant.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, "https://plant.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://plant.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), tenant.HeaderName)
	})
}
