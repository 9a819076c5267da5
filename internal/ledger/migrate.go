package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

type dialect struct {
	dir          string
	table        string
	createTable  string
	insertRecord string
	appliedAt    func(time.Time) any
}

func dialectFor(driver Driver) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return dialect{
			dir:          "migrations/sqlite",
			table:        "schema_migrations",
			createTable:  `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`,
			insertRecord: `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?) ON CONFLICT(version) DO NOTHING`,
			appliedAt:    func(t time.Time) any { return t.Format(time.RFC3339) },
		}, nil
	case DriverPostgres:
		return dialect{
			dir:          "migrations/postgres",
			table:        "docflow_schema_migrations",
			createTable:  `CREATE TABLE IF NOT EXISTS docflow_schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`,
			insertRecord: `INSERT INTO docflow_schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT(version) DO NOTHING`,
			appliedAt:    func(t time.Time) any { return t },
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported db driver: %s", driver)
	}
}

// Migrate applies the embedded migrations for driver in file name order and
// returns the versions applied by this call. Already applied versions are skipped.
func Migrate(ctx context.Context, db *sql.DB, driver Driver) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("missing db")
	}
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, d.createTable); err != nil {
		return nil, fmt.Errorf("create %s: %w", d.table, err)
	}

	files, err := listMigrationFiles(d.dir)
	if err != nil {
		return nil, err
	}

	applied := []string{}
	now := time.Now().UTC()
	for _, file := range files {
		version := strings.TrimSuffix(path.Base(file), ".sql")
		ok, err := applyMigration(ctx, db, d, file, version, now)
		if err != nil {
			return applied, err
		}
		if ok {
			applied = append(applied, version)
		}
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sql.DB, d dialect, file, version string, now time.Time) (bool, error) {
	contents, err := migrationsFS.ReadFile(file)
	if err != nil {
		return false, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, d.insertRecord, version, d.appliedAt(now))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func listMigrationFiles(dir string) ([]string, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		out = append(out, path.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
