// Package auth implements the token service: issuance, verification, rotation
// and revocation of tenant-bound access/refresh credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind distinguishes short-lived access tokens from long-lived refresh tokens.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Verification failure subkinds. These never cross the middleware boundary;
// callers outside this package surface them as a single generic Unauthorized.
var (
	ErrExpired      = errors.New("token expired")
	ErrBadSignature = errors.New("token signature invalid")
	ErrRevoked      = errors.New("token revoked")
	ErrMalformed    = errors.New("token malformed")
	ErrWrongKind    = errors.New("unexpected token kind")
)

// Claims is the JWT claim set. Field names follow the wire format consumed by
// existing clients: sub, tenant_id, roles, type, iat, exp, jti.
type Claims struct {
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
	Kind     Kind     `json:"type"`
	jwt.RegisteredClaims
}

// Credential is an issued token together with its decoded identity.
type Credential struct {
	Token     string
	ID        string
	Subject   string
	TenantID  string
	Kind      Kind
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Options configures a Service.
type Options struct {
	Secret     []byte
	Algorithm  string // HS256, HS384 or HS512; nothing else is accepted
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ClockSkew  time.Duration
	Issuer     string
}

// Service issues and verifies signed credentials. Tokens are immutable once
// issued; invalidation happens only through expiry or a revocation record.
type Service struct {
	secret      []byte
	method      jwt.SigningMethod
	alg         string
	accessTTL   time.Duration
	refreshTTL  time.Duration
	skew        time.Duration
	issuer      string
	revocations RevocationStore

	now func() time.Time
}

// NewService validates the options and builds a Service. The revocation store
// is required; pass NewMemoryRevocationStore() when no shared store exists.
func NewService(opts Options, revocations RevocationStore) (*Service, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: signing secret is required")
	}
	if revocations == nil {
		return nil, errors.New("auth: revocation store is required")
	}

	var method jwt.SigningMethod
	switch opts.Algorithm {
	case "", "HS256":
		method, opts.Algorithm = jwt.SigningMethodHS256, "HS256"
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("auth: unsupported signing algorithm %q", opts.Algorithm)
	}

	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 30 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}

	return &Service{
		secret:      opts.Secret,
		method:      method,
		alg:         opts.Algorithm,
		accessTTL:   opts.AccessTTL,
		refreshTTL:  opts.RefreshTTL,
		skew:        opts.ClockSkew,
		issuer:      opts.Issuer,
		revocations: revocations,
		now:         time.Now,
	}, nil
}

// Issue signs a credential of the given kind bound to subject and tenant.
func (s *Service) Issue(subject, tenantID string, roles []string, kind Kind) (*Credential, error) {
	if subject == "" || tenantID == "" {
		return nil, errors.New("auth: subject and tenant are required")
	}

	ttl := s.accessTTL
	if kind == KindRefresh {
		ttl = s.refreshTTL
	}

	now := s.now()
	claims := &Claims{
		TenantID: tenantID,
		Roles:    roles,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("auth: sign token: %w", err)
	}

	return &Credential{
		Token:     signed,
		ID:        claims.ID,
		Subject:   subject,
		TenantID:  tenantID,
		Kind:      kind,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// IssuePair issues a fresh access/refresh credential pair for the subject.
func (s *Service) IssuePair(subject, tenantID string, roles []string) (access, refresh *Credential, err error) {
	if access, err = s.Issue(subject, tenantID, roles, KindAccess); err != nil {
		return nil, nil, err
	}
	if refresh, err = s.Issue(subject, tenantID, nil, KindRefresh); err != nil {
		return nil, nil, err
	}
	return access, refresh, nil
}

// Verify checks signature, expiry (with the configured skew) and revocation,
// returning the decoded claims. Only the configured algorithm is accepted.
func (s *Service) Verify(ctx context.Context, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadSignature
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{s.alg}),
		jwt.WithLeeway(s.skew),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, ErrBadSignature):
			return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	if claims.Subject == "" || claims.TenantID == "" || claims.ID == "" {
		return nil, ErrMalformed
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("auth: revocation lookup: %w", err)
	}
	if revoked {
		return nil, ErrRevoked
	}

	return claims, nil
}

// VerifyKind verifies the token and additionally requires the given kind.
func (s *Service) VerifyKind(ctx context.Context, token string, kind Kind) (*Claims, error) {
	claims, err := s.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, ErrWrongKind
	}
	return claims, nil
}

// Rotate exchanges a valid refresh token for a fresh access/refresh pair,
// revoking the presented token so it can be rotated at most once.
func (s *Service) Rotate(ctx context.Context, refreshToken string) (access, refresh *Credential, err error) {
	claims, err := s.VerifyKind(ctx, refreshToken, KindRefresh)
	if err != nil {
		return nil, nil, err
	}

	if err := s.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return nil, nil, fmt.Errorf("auth: revoke rotated token: %w", err)
	}

	return s.IssuePair(claims.Subject, claims.TenantID, claims.Roles)
}

// Revoke records the token ID as revoked until its natural expiry. Idempotent.
func (s *Service) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if tokenID == "" {
		return nil
	}
	return s.revocations.Revoke(ctx, tokenID, expiresAt)
}
