package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migrations are applied in order, each once. Append only: a database
// records the highest version it has applied. The DDL is shared by
// SQLite and PostgreSQL.
var migrations = []string{
	// 1: archived runs
	`CREATE TABLE IF NOT EXISTS runs (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		status        TEXT NOT NULL,
		provider      TEXT,
		model         TEXT,
		cache_hit     INTEGER NOT NULL DEFAULT 0,
		rows_kept     INTEGER NOT NULL DEFAULT 0,
		rows_rejected INTEGER NOT NULL DEFAULT 0,
		error_count   INTEGER NOT NULL DEFAULT 0,
		warning_count INTEGER NOT NULL DEFAULT 0,
		result        TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_tenant_created ON runs(tenant_id, created_at);`,

	// 2: custom quality checks
	`CREATE TABLE IF NOT EXISTS check_rules (
		id          TEXT NOT NULL,
		tenant_id   TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT,
		expression  TEXT NOT NULL,
		severity    TEXT NOT NULL,
		enabled     INTEGER NOT NULL DEFAULT 1,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		PRIMARY KEY (id, tenant_id)
	);`,

	// 3: status filter for listings
	`CREATE INDEX IF NOT EXISTS idx_runs_tenant_status ON runs(tenant_id, status);`,
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := int(current.Int64) + 1; v <= len(migrations); v++ {
		if err := r.apply(ctx, v); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
	}
	return nil
}

func (r *SQLRepository) apply(ctx context.Context, version int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migrations[version-1]); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.bind(`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`),
		version, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}
