// Package dbtest opens throwaway SQLite databases for package tests.
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	internaldb "cbtattempt/internal/db"
)

// OpenSQLite returns a migrated database file under t.TempDir that is closed
// when the test ends.
func OpenSQLite(t testing.TB) *sql.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "engine.db") + "?mode=rwc"
	conn, err := internaldb.Open(context.Background(), internaldb.DriverSQLite, dsn, internaldb.PostgresConfig{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
