package ledger

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrateSQLiteIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", "file:migrate_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	applied, err := Migrate(ctx, db, DriverSQLite)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 2 || applied[0] != "0001_init" || applied[1] != "0002_notification_outbox" {
		t.Fatalf("unexpected applied versions: %v", applied)
	}

	applied, err = Migrate(ctx, db, DriverSQLite)
	if err != nil {
		t.Fatalf("migrate second: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected nothing applied on rerun, got %v", applied)
	}

	for _, table := range []string{"documents", "approval_lines", "approval_steps", "approval_history", "notification_outbox"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("expected %s table: %v", table, err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 migrations recorded, got %d", count)
	}
}

func TestMigrateRejectsBadInput(t *testing.T) {
	if _, err := Migrate(context.Background(), nil, DriverSQLite); err == nil {
		t.Fatalf("expected error for nil db")
	}
	if _, err := dialectFor(DriverPostgres); err != nil {
		t.Fatalf("expected postgres dialect, got %v", err)
	}
	if _, err := dialectFor(Driver("nope")); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	files, err := listMigrationFiles("migrations/postgres")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 postgres migrations, got %v", files)
	}
}
