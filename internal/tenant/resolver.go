// Package tenant resolves and cross-validates tenant identity for requests
// and websocket connections.
package tenant

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/plantops/shopfloor/internal/auth"
	"github.com/plantops/shopfloor/internal/errors"
)

// HeaderName is the transport header carrying the tenant assertion.
const HeaderName = "X-Tenant-ID"

// QueryParam is the documented fallback for clients that cannot set custom
// headers during a websocket handshake.
const QueryParam = "tenant_id"

// Source enumerates where a tenant assertion was taken from.
type Source string

const (
	SourceHeader Source = "header"
	SourceQuery  Source = "query-param"
	SourceNone   Source = ""
)

// Context is the authenticated identity attached to a single in-flight
// request or connection. It is never persisted.
type Context struct {
	TenantID string
	Subject  string
	Roles    []string
	TokenID  string
	Source   Source
}

// Assertion is a transport-provided tenant claim together with its origin.
type Assertion struct {
	TenantID string
	Source   Source
}

// FromRequest extracts the tenant assertion from the request, preferring the
// header and falling back to the query parameter.
func FromRequest(r *http.Request) Assertion {
	if v := r.Header.Get(HeaderName); v != "" {
		return Assertion{TenantID: v, Source: SourceHeader}
	}
	if v := r.URL.Query().Get(QueryParam); v != "" {
		return Assertion{TenantID: v, Source: SourceQuery}
	}
	return Assertion{Source: SourceNone}
}

// Resolve cross-validates the transport-asserted tenant against the tenant
// embedded in verified token claims. Any mismatch fails closed; neither
// source is ever trusted alone.
func Resolve(claims *auth.Claims, asserted Assertion) (*Context, error) {
	if claims == nil || claims.TenantID == "" || asserted.TenantID == "" {
		return nil, errors.MissingTenant()
	}
	if _, err := uuid.Parse(asserted.TenantID); err != nil {
		return nil, errors.MissingTenant().WithDetails("reason", "tenant assertion is not a UUID")
	}
	if claims.TenantID != asserted.TenantID {
		return nil, errors.TenantMismatch().
			WithDetails("token_tenant", claims.TenantID).
			WithDetails("asserted_tenant", asserted.TenantID).
			WithDetails("assertion_source", string(asserted.Source))
	}

	return &Context{
		TenantID: claims.TenantID,
		Subject:  claims.Subject,
		Roles:    claims.Roles,
		TokenID:  claims.ID,
		Source:   asserted.Source,
	}, nil
}
