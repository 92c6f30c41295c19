package migration

// Steps returns the schema migrations for the tenancy and auth core, in
// version order. Business-domain tables (production, inventory, ...) are
// owned by their services and are not managed here.
func Steps() []Step {
	return []Step{
		{
			Version: 1,
			Name:    "tenancy_base",
			Statements: []string{
				`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,
				`CREATE TABLE IF NOT EXISTS tenants (
					id         UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
					name       TEXT NOT NULL UNIQUE,
					slug       TEXT NOT NULL UNIQUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
				)`,
				`CREATE TABLE IF NOT EXISTS users (
					id              UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
					tenant_id       UUID NOT NULL REFERENCES tenants(id),
					email           TEXT NOT NULL,
					full_name       TEXT,
					hashed_password TEXT NOT NULL,
					is_active       BOOLEAN NOT NULL DEFAULT true,
					created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
					updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
					UNIQUE (tenant_id, email)
				)`,
			},
		},
		{
			Version: 2,
			Name:    "roles_and_revocations",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS roles (
					id          UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
					tenant_id   UUID NOT NULL REFERENCES tenants(id),
					name        TEXT NOT NULL,
					description TEXT,
					created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
					UNIQUE (tenant_id, name)
				)`,
				`CREATE TABLE IF NOT EXISTS user_roles (
					user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id UUID NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					PRIMARY KEY (user_id, role_id)
				)`,
				`CREATE TABLE IF NOT EXISTS revoked_tokens (
					token_id   TEXT PRIMARY KEY,
					revoked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
					expires_at TIMESTAMPTZ NOT NULL
				)`,
			},
		},
		{
			Version: 3,
			Name:    "tenancy_indexes",
			Statements: []string{
				`CREATE INDEX IF NOT EXISTS idx_users_tenant ON users (tenant_id)`,
				`CREATE INDEX IF NOT EXISTS idx_roles_tenant ON roles (tenant_id)`,
				`CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expiry ON revoked_tokens (expires_at)`,
			},
		},
	}
}
