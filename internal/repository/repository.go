// Package repository stores runs and custom quality checks in SQLite or
// PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/errmap/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository on database/sql. Queries are
// written with ? placeholders and rebound for the driver.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect
}

// New opens the database named by cfg.Driver ("sqlite" or "postgres") and
// brings its schema up to date.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	repo := &SQLRepository{db: db, dialect: dialects[cfg.Driver]}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const insertRun = `
	INSERT INTO runs (
		id, tenant_id, status, provider, model, cache_hit,
		rows_kept, rows_rejected, error_count, warning_count, result, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SaveRun archives a run. The full result is kept as JSON next to the
// counters shown in listings.
func (r *SQLRepository) SaveRun(ctx context.Context, tenantID string, run *domain.Run) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	body, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}
	sum := run.Summary()

	_, err = r.db.ExecContext(ctx, r.bind(insertRun),
		run.ID, tenantID, run.Status, run.Provider, run.Model, boolInt(run.CacheHit),
		sum.Rows, sum.Rejected, sum.Errors, sum.Warnings, string(body), run.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

const selectRun = `
	SELECT id, tenant_id, status, provider, model, cache_hit, result, created_at
	FROM runs WHERE tenant_id = ? AND id = ?`

// GetRun loads one run of the tenant.
func (r *SQLRepository) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	var (
		run             domain.Run
		provider, model sql.NullString
		cacheHit        int
		body            string
	)
	err := r.db.QueryRowContext(ctx, r.bind(selectRun), tenantID, runID).Scan(
		&run.ID, &run.TenantID, &run.Status, &provider, &model, &cacheHit, &body, &run.CreatedAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("select run %s: %w", runID, err)
	}

	run.Provider, run.Model = provider.String, model.String
	run.CacheHit = cacheHit == 1
	if err := json.Unmarshal([]byte(body), &run.Result); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &run, nil
}

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

// ListRuns returns the tenant's newest run summaries. A limit outside
// 1..500 falls back to 50.
func (r *SQLRepository) ListRuns(ctx context.Context, tenantID string, limit int) ([]*domain.RunSummary, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxRunLimit {
		limit = defaultRunLimit
	}

	query := `
		SELECT id, tenant_id, status, provider, model,
		       rows_kept, rows_rejected, error_count, warning_count, created_at
		FROM runs WHERE tenant_id = ?
		ORDER BY created_at DESC, id
		LIMIT ` + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, r.bind(query), tenantID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.RunSummary
	for rows.Next() {
		s := new(domain.RunSummary)
		var provider, model sql.NullString
		err := rows.Scan(&s.ID, &s.TenantID, &s.Status, &provider, &model,
			&s.Rows, &s.Rejected, &s.Errors, &s.Warnings, &s.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		s.Provider, s.Model = provider.String, model.String
		runs = append(runs, s)
	}
	return runs, rows.Err()
}

const upsertCheckRule = `
	INSERT INTO check_rules (
		id, tenant_id, name, description, expression, severity, enabled, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id, tenant_id) DO UPDATE SET
		name        = excluded.name,
		description = excluded.description,
		expression  = excluded.expression,
		severity    = excluded.severity,
		enabled     = excluded.enabled,
		updated_at  = excluded.updated_at`

// SaveCheckRule inserts the rule or replaces the one with the same ID.
func (r *SQLRepository) SaveCheckRule(ctx context.Context, tenantID string, rule *domain.CheckRule) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, r.bind(upsertCheckRule),
		rule.ID, tenantID, rule.Name, rule.Description, rule.Expression,
		string(rule.Severity), boolInt(rule.Enabled), now, now,
	); err != nil {
		return fmt.Errorf("save check %s: %w", rule.ID, err)
	}
	return nil
}

const checkRuleColumns = `id, tenant_id, name, description, expression, severity, enabled`

func (r *SQLRepository) GetCheckRule(ctx context.Context, tenantID, ruleID string) (*domain.CheckRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	row := r.db.QueryRowContext(ctx,
		r.bind(`SELECT `+checkRuleColumns+` FROM check_rules WHERE tenant_id = ? AND id = ?`),
		tenantID, ruleID)
	rule, err := scanCheckRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListCheckRules returns every check of the tenant ordered by ID,
// including disabled ones.
func (r *SQLRepository) ListCheckRules(ctx context.Context, tenantID string) ([]*domain.CheckRule, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		r.bind(`SELECT `+checkRuleColumns+` FROM check_rules WHERE tenant_id = ? ORDER BY id`),
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list checks: %w", err)
	}
	defer rows.Close()

	var rules []*domain.CheckRule
	for rows.Next() {
		rule, err := scanCheckRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *SQLRepository) DeleteCheckRule(ctx context.Context, tenantID, ruleID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx,
		r.bind(`DELETE FROM check_rules WHERE tenant_id = ? AND id = ?`), tenantID, ruleID)
	if err != nil {
		return fmt.Errorf("delete check %s: %w", ruleID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanCheckRule reads checkRuleColumns from a *sql.Row or *sql.Rows.
func scanCheckRule(row interface{ Scan(...any) error }) (*domain.CheckRule, error) {
	var (
		rule        domain.CheckRule
		description sql.NullString
		severity    string
		enabled     int
	)
	if err := row.Scan(&rule.ID, &rule.TenantID, &rule.Name, &description,
		&rule.Expression, &severity, &enabled); err != nil {
		return nil, err
	}
	rule.Description = description.String
	rule.Severity = domain.Severity(severity)
	rule.Enabled = enabled == 1
	return &rule, nil
}

func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// bind rewrites ? placeholders as $1, $2, ... for drivers that need it.
func (r *SQLRepository) bind(query string) string {
	if !r.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c != '?' {
			b.WriteRune(c)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}
