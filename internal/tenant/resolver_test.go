package tenant

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/plantops/shopfloor/internal/auth"
	svcerrors "github.com/plantops/shopfloor/internal/errors"
)

const (
	tenantA = "6f1f6f44-1111-4f3b-9a35-000000000001"
	tenantB = "6f1f6f44-2222-4f3b-9a35-000000000002"
)

func claimsFor(tenantID string) *auth.Claims {
	return &auth.Claims{
		TenantID: tenantID,
		Roles:    []string{"planner"},
		Kind:     auth.KindAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:      "jti-1",
			Subject: "user-1",
		},
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		claims   *auth.Claims
		asserted Assertion
		wantCode svcerrors.ErrorCode
	}{
		{
			name:     "matching tenant",
			claims:   claimsFor(tenantA),
			asserted: Assertion{TenantID: tenantA, Source: SourceHeader},
		},
		{
			name:     "token tenant differs from asserted",
			claims:   claimsFor(tenantA),
			asserted: Assertion{TenantID: tenantB, Source: SourceHeader},
			wantCode: svcerrors.CodeTenantMismatch,
		},
		{
			name:     "asserted tenant differs from token",
			claims:   claimsFor(tenantB),
			asserted: Assertion{TenantID: tenantA, Source: SourceQuery},
			wantCode: svcerrors.CodeTenantMismatch,
		},
		{
			name:     "missing assertion",
			claims:   claimsFor(tenantA),
			asserted: Assertion{},
			wantCode: svcerrors.CodeMissingTenant,
		},
		{
			name:     "missing token tenant",
			claims:   claimsFor(""),
			asserted: Assertion{TenantID: tenantA, Source: SourceHeader},
			wantCode: svcerrors.CodeMissingTenant,
		},
		{
			name:     "nil claims",
			claims:   nil,
			asserted: Assertion{TenantID: tenantA, Source: SourceHeader},
			wantCode: svcerrors.CodeMissingTenant,
		},
		{
			name:     "assertion not a uuid",
			claims:   claimsFor(tenantA),
			asserted: Assertion{TenantID: "acme", Source: SourceHeader},
			wantCode: svcerrors.CodeMissingTenant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc, err := Resolve(tt.claims, tt.asserted)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("Resolve() error = %v, want nil", err)
				}
				if tc.TenantID != tt.claims.TenantID {
					t.Errorf("TenantID = %v, want %v", tc.TenantID, tt.claims.TenantID)
				}
				if tc.Subject != "user-1" {
					t.Errorf("Subject = %v, want user-1", tc.Subject)
				}
				if tc.Source != tt.asserted.Source {
					t.Errorf("Source = %v, want %v", tc.Source, tt.asserted.Source)
				}
				return
			}

			if err == nil {
				t.Fatal("Resolve() succeeded, want failure")
			}
			var se *svcerrors.ServiceError
			if !errors.As(err, &se) {
				t.Fatalf("Resolve() error = %T, want *ServiceError", err)
			}
			if se.Code != tt.wantCode {
				t.Errorf("error code = %v, want %v", se.Code, tt.wantCode)
			}
			if tc != nil {
				t.Error("Resolve() returned a context alongside an error")
			}
		})
	}
}

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		query      string
		wantTenant string
		wantSource Source
	}{
		{
			name:       "header only",
			header:     tenantA,
			wantTenant: tenantA,
			wantSource: SourceHeader,
		},
		{
			name:       "query fallback",
			query:      tenantB,
			wantTenant: tenantB,
			wantSource: SourceQuery,
		},
		{
			name:       "header preferred over query",
			header:     tenantA,
			query:      tenantB,
			wantTenant: tenantA,
			wantSource: SourceHeader,
		},
		{
			name:       "neither present",
			wantSource: SourceNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/ws/scheduler"
			if tt.query != "" {
				url += "?" + QueryParam + "=" + tt.query
			}
			r := httptest.NewRequest("GET", url, nil)
			if tt.header != "" {
				r.Header.Set(HeaderName, tt.header)
			}

			got := FromRequest(r)
			if got.TenantID != tt.wantTenant {
				t.Errorf("TenantID = %v, want %v", got.TenantID, tt.wantTenant)
			}
			if got.Source != tt.wantSource {
				t.Errorf("Source = %v, want %v", got.Source, tt.wantSource)
			}
		})
	}
}
