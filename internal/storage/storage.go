// Package storage persists sync revisions and Mailchimp webhook endpoints.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed migrations
var migrationsFS embed.FS

// Revision is one CRM to Mailchimp run against a CRM revision counter. A
// revision that is not successful is an open run.
type Revision struct {
	ID             int64
	ConfigName     string
	RevisionID     int64
	SyncSuccessful bool
	CreatedAt      time.Time
}

// Endpoint maps the secret part of a webhook URL to a sync configuration.
type Endpoint struct {
	ID         int64
	ConfigName string
	Secret     string
	CreatedAt  time.Time
}

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and applies pending migrations.
func Open(driver, dsn string) (*Store, error) {
	if driver == "" {
		driver = DriverSQLite
	}

	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, syncerr.Config("unsupported storage driver %q", driver)
	}

	if strings.TrimSpace(dsn) == "" {
		return nil, syncerr.Config("storage dsn is required")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}

	if driver == DriverSQLite {
		// one connection so ":memory:" databases are shared and writes serialize
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	dir := path.Join("migrations", s.driver)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		var count int
		err := s.db.QueryRowContext(
			ctx,
			s.rebind(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`),
			file,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if count > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, path.Join(dir, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}

		for _, stmt := range strings.Split(string(content), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply migration %s: %w", file, err)
			}
		}

		if _, err := tx.ExecContext(
			ctx,
			s.rebind(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`),
			file,
			time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}

	return nil
}
