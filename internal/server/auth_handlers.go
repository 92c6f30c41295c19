package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/plantops/shopfloor/internal/auth"
	"github.com/plantops/shopfloor/internal/httputil"
	"github.com/plantops/shopfloor/internal/tenant"
)

type loginRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type identityResponse struct {
	UserID   string   `json:"user_id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	Source   string   `json:"assertion_source"`
}

// handleLogin checks credentials against the directory and issues a token
// pair. Unknown user, wrong password and disabled account all produce the
// same rejection.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteErrorResponse(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body", nil)
		return
	}
	if req.TenantID == "" || req.Email == "" || req.Password == "" {
		httputil.WriteErrorResponse(w, http.StatusBadRequest, "BAD_REQUEST", "tenant_id, email and password are required", nil)
		return
	}

	user, err := s.directory.Lookup(r.Context(), req.TenantID, req.Email)
	if err != nil {
		s.rejectLogin(w, r, "login_unknown_user", req)
		return
	}
	if !user.Active {
		s.rejectLogin(w, r, "login_disabled_account", req)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		s.rejectLogin(w, r, "login_bad_password", req)
		return
	}

	access, refresh, err := s.tokens.IssuePair(user.ID, user.TenantID, user.Roles)
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("issue token pair")
		httputil.WriteErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	s.logger.WithContext(r.Context()).WithFields(map[string]interface{}{
		"user_id":   user.ID,
		"tenant_id": user.TenantID,
	}).Info("login succeeded")

	httputil.WriteJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    "bearer",
		ExpiresIn:    int64(time.Until(access.ExpiresAt).Seconds()),
	})
}

func (s *Server) rejectLogin(w http.ResponseWriter, r *http.Request, event string, req loginRequest) {
	s.logger.LogSecurityEvent(r.Context(), event, map[string]interface{}{
		"tenant_id": req.TenantID,
		"email":     req.Email,
	})
	httputil.Unauthorized(w, "invalid credentials")
}

// handleRefresh exchanges a refresh token for a fresh pair. The presented
// token is revoked, so each refresh token rotates at most once.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		httputil.WriteErrorResponse(w, http.StatusBadRequest, "BAD_REQUEST", "refresh_token is required", nil)
		return
	}

	access, refresh, err := s.tokens.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		s.logger.LogSecurityEvent(r.Context(), "refresh_rejected", map[string]interface{}{
			"cause": err.Error(),
		})
		httputil.Unauthorized(w, "")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		TokenType:    "bearer",
		ExpiresIn:    int64(time.Until(access.ExpiresAt).Seconds()),
	})
}

// handleLogout revokes the access token that authenticated this request.
// The refresh token, if the client still holds one, dies independently
// through rotation or expiry.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	claims, err := s.tokens.VerifyKind(r.Context(), token, auth.KindAccess)
	if err != nil {
		// The auth middleware already verified this token; a failure here
		// means it was revoked or expired in between.
		httputil.Unauthorized(w, "")
		return
	}

	if err := s.tokens.Revoke(r.Context(), claims.ID, claims.ExpiresAt.Time); err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Error("revoke token on logout")
		httputil.WriteErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// handleMe echoes the authenticated identity resolved by the middleware.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	tc, ok := tenant.FromContext(r.Context())
	if !ok {
		httputil.Unauthorized(w, "")
		return
	}
	roles := tc.Roles
	if roles == nil {
		roles = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, identityResponse{
		UserID:   tc.Subject,
		TenantID: tc.TenantID,
		Roles:    roles,
		Source:   string(tc.Source),
	})
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
