package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/errmap/internal/domain"
)

// dialect is what differs between the supported databases.
type dialect struct {
	driverName string
	dsn        func(cfg domain.RepositoryConfig) (string, error)
	maxConns   int  // 0 leaves the pool setting alone
	numbered   bool // $1, $2 placeholders instead of ?
}

var dialects = map[string]dialect{
	// One connection: runs are written rarely and SQLite serializes writers
	// anyway; sharing a connection avoids SQLITE_BUSY under the worker.
	"sqlite":   {driverName: "sqlite", dsn: sqliteDSN, maxConns: 1},
	"postgres": {driverName: "postgres", dsn: postgresDSN, numbered: true},
}

func open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
	dsn, err := d.dsn(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}

	switch {
	case d.maxConns > 0:
		db.SetMaxOpenConns(d.maxConns)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	return db, nil
}

func sqliteDSN(cfg domain.RepositoryConfig) (string, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./errmap.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database directory: %w", err)
		}
	}
	pragmas := []string{
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"busy_timeout(5000)",
	}
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(path)
	for i, p := range pragmas {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String(), nil
}

// postgresDSN prefers PostgresURL and otherwise assembles a key/value
// connection string from the individual fields.
func postgresDSN(cfg domain.RepositoryConfig) (string, error) {
	if cfg.PostgresURL != "" {
		dsn, err := pq.ParseURL(cfg.PostgresURL)
		if err != nil {
			return "", fmt.Errorf("postgres url: %w", err)
		}
		return dsn, nil
	}

	host := cmpOr(cfg.PostgresHost, "localhost")
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	kv := [][2]string{
		{"host", host},
		{"port", strconv.Itoa(port)},
		{"dbname", cmpOr(cfg.PostgresDB, "errmap")},
		{"sslmode", cmpOr(cfg.PostgresSSLMode, "disable")},
		{"user", cfg.PostgresUser},
		{"password", cfg.PostgresPassword},
	}
	parts := make([]string, 0, len(kv))
	for _, p := range kv {
		if p[1] == "" {
			continue
		}
		parts = append(parts, p[0]+"="+quoteDSN(p[1]))
	}
	return strings.Join(parts, " "), nil
}

// quoteDSN quotes a libpq connection string value when needed.
func quoteDSN(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func cmpOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
