package migration

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresStore implements LockStore and VersionStore over a shared postgres
// database. The lock is a singleton row whose lease expiry arbitrates between
// concurrently booting replicas.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the bookkeeping tables the coordinator itself needs.
// Idempotent; must run before Acquire or Current.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS schema_migration_lock (
	id               INT PRIMARY KEY CHECK (id = 1),
	holder           TEXT NOT NULL,
	acquired_at      TIMESTAMPTZ NOT NULL,
	lease_expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS schema_version (
	version    INT PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure migration schema: %w", err)
	}
	return nil
}

// Acquire implements LockStore. The upsert only succeeds when no row exists,
// the previous lease has lapsed, or the caller already holds the lock.
func (s *PostgresStore) Acquire(ctx context.Context, holder string, lease time.Duration) (bool, error) {
	const q = `
INSERT INTO schema_migration_lock (id, holder, acquired_at, lease_expires_at)
VALUES (1, $1, now(), now() + make_interval(secs => $2))
ON CONFLICT (id) DO UPDATE
SET holder = EXCLUDED.holder,
    acquired_at = EXCLUDED.acquired_at,
    lease_expires_at = EXCLUDED.lease_expires_at
WHERE schema_migration_lock.lease_expires_at < now()
   OR schema_migration_lock.holder = EXCLUDED.holder`
	res, err := s.db.ExecContext(ctx, q, holder, lease.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Renew implements LockStore.
func (s *PostgresStore) Renew(ctx context.Context, holder string, lease time.Duration) error {
	const q = `
UPDATE schema_migration_lock
SET lease_expires_at = now() + make_interval(secs => $2)
WHERE id = 1 AND holder = $1`
	res, err := s.db.ExecContext(ctx, q, holder, lease.Seconds())
	if err != nil {
		return fmt.Errorf("renew migration lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("renew migration lease: lock no longer held by %s", holder)
	}
	return nil
}

// Release implements LockStore.
func (s *PostgresStore) Release(ctx context.Context, holder string) error {
	const q = `
UPDATE schema_migration_lock
SET lease_expires_at = to_timestamp(0)
WHERE id = 1 AND holder = $1`
	if _, err := s.db.ExecContext(ctx, q, holder); err != nil {
		return fmt.Errorf("release migration lock: %w", err)
	}
	return nil
}

// Current implements VersionStore.
func (s *PostgresStore) Current(ctx context.Context) (int, error) {
	var version int
	err := s.db.GetContext(ctx, &version, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// ApplyStep implements VersionStore: the step's statements and the version
// record commit in one transaction.
func (s *PostgresStore) ApplyStep(ctx context.Context, step Step) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin step %d: %w", step.Version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range step.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("step %d statement failed: %w", step.Version, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES ($1, $2)`,
		step.Version, step.Name,
	); err != nil {
		return fmt.Errorf("record step %d: %w", step.Version, err)
	}

	return tx.Commit()
}
