//go:build integration

// Package pgtest opens a migrated Postgres database for integration tests.
// Tests using it run only with -tags integration and OUTREACH_TEST_DATABASE_URL
// set; otherwise they skip. Use -p 1 so only one package migrates at a time.
package pgtest

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"outreach-platform/migrations"
	"outreach-platform/pkg/utils"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const envDSN = "OUTREACH_TEST_DATABASE_URL"

// Open returns a migrated database and a fresh organization id. Rows are
// scoped by that id, so packages can share one database.
func Open(t *testing.T) (*sql.DB, string) {
	t.Helper()
	dsn := os.Getenv(envDSN)
	if dsn == "" {
		t.Skipf("%s not set", envDSN)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := utils.OpenPostgres(ctx, "pgx", dsn, utils.PostgresPoolConfig{MaxOpenConns: 20})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := utils.Migrate(ctx, db, migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	orgID := "org_" + uuid.NewString()
	Exec(t, db, `INSERT INTO organizations (id, name) VALUES ($1, 'Test Clinic')`, orgID)
	return db, orgID
}

// Exec runs a seed statement and fails the test on error.
func Exec(t *testing.T, db *sql.DB, q string, args ...any) {
	t.Helper()
	if _, err := db.Exec(q, args...); err != nil {
		t.Fatalf("exec %q: %v", q, err)
	}
}
