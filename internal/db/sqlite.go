package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const defaultSQLiteDSN = "file:cbtattempt.db?mode=rwc"

// sqlitePragmas are appended to every SQLite DSN. Immediate transactions plus
// a busy timeout make concurrent writers queue instead of failing with
// SQLITE_BUSY on lock upgrade.
var sqlitePragmas = []string{
	"_pragma=busy_timeout(5000)",
	"_pragma=foreign_keys(1)",
	"_txlock=immediate",
}

func OpenSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = defaultSQLiteDSN
	}
	dsn = withSQLitePragmas(dsn)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

func withSQLitePragmas(dsn string) string {
	var missing []string
	for _, p := range sqlitePragmas {
		name := p[:strings.Index(p, "=")]
		if name == "_pragma" {
			if strings.Contains(dsn, p) {
				continue
			}
		} else if strings.Contains(dsn, name+"=") {
			continue
		}
		missing = append(missing, p)
	}
	if len(missing) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(missing, "&")
}
