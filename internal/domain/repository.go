// Package domain defines the core interfaces and types for errmap.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Run archive
	SaveRun(ctx context.Context, tenantID string, run *Run) error
	GetRun(ctx context.Context, tenantID string, runID string) (*Run, error)
	ListRuns(ctx context.Context, tenantID string, limit int) ([]*RunSummary, error)

	// Custom quality rules
	SaveCheckRule(ctx context.Context, tenantID string, rule *CheckRule) error
	GetCheckRule(ctx context.Context, tenantID string, ruleID string) (*CheckRule, error)
	ListCheckRules(ctx context.Context, tenantID string) ([]*CheckRule, error)
	DeleteCheckRule(ctx context.Context, tenantID string, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL: PostgresURL wins over the individual fields
	PostgresURL      string `yaml:"postgres_url"`
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
