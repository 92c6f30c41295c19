// Package server wires the HTTP surface: auth endpoints, health, metrics and
// the websocket gateway routes behind the shared middleware chain.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrUserNotFound is returned when no active user matches the lookup. Login
// collapses it into the same response as a bad password.
var ErrUserNotFound = errors.New("user not found")

// User is an account row as seen by the login handler.
type User struct {
	ID           string
	TenantID     string
	Email        string
	PasswordHash string
	Roles        []string
	Active       bool
}

// UserDirectory resolves accounts within a tenant for credential checks.
type UserDirectory interface {
	Lookup(ctx context.Context, tenantID, email string) (*User, error)
}

// PostgresDirectory reads accounts from the tenancy schema owned by the
// migration steps.
type PostgresDirectory struct {
	db *sqlx.DB
}

// NewPostgresDirectory creates a directory backed by db.
func NewPostgresDirectory(db *sqlx.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// Lookup implements UserDirectory. Emails are matched case-insensitively
// within the tenant.
func (d *PostgresDirectory) Lookup(ctx context.Context, tenantID, email string) (*User, error) {
	const query = `
		SELECT u.id, u.tenant_id, u.email, u.hashed_password, u.is_active,
		       COALESCE(ARRAY_AGG(r.name) FILTER (WHERE r.name IS NOT NULL), '{}') AS roles
		FROM users u
		LEFT JOIN user_roles ur ON ur.user_id = u.id
		LEFT JOIN roles r ON r.id = ur.role_id
		WHERE u.tenant_id = $1 AND LOWER(u.email) = LOWER($2)
		GROUP BY u.id, u.tenant_id, u.email, u.hashed_password, u.is_active`

	var row struct {
		ID           string         `db:"id"`
		TenantID     string         `db:"tenant_id"`
		Email        string         `db:"email"`
		PasswordHash string         `db:"hashed_password"`
		IsActive     bool           `db:"is_active"`
		Roles        pq.StringArray `db:"roles"`
	}
	if err := d.db.GetContext(ctx, &row, query, tenantID, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	return &User{
		ID:           row.ID,
		TenantID:     row.TenantID,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		Roles:        []string(row.Roles),
		Active:       row.IsActive,
	}, nil
}

// MemoryDirectory is an in-process UserDirectory for tests and local runs.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*User // keyed by tenantID + "/" + lowercase email
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]*User)}
}

// Add registers a user, replacing any existing entry for the same email.
func (d *MemoryDirectory) Add(u *User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[directoryKey(u.TenantID, u.Email)] = u
}

// Lookup implements UserDirectory.
func (d *MemoryDirectory) Lookup(_ context.Context, tenantID, email string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[directoryKey(tenantID, email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func directoryKey(tenantID, email string) string {
	return tenantID + "/" + strings.ToLower(email)
}
