package resultstore

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; the database records how many have run
// in PRAGMA user_version. Append only.
var migrations = [][]string{
	{
		`CREATE TABLE results (
			result_id        INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id           TEXT    NOT NULL,
			request_id       TEXT    NOT NULL,
			rank             INTEGER NOT NULL,
			workspace        TEXT,
			format_compliant INTEGER NOT NULL,
			state            TEXT    NOT NULL,
			code             TEXT    NOT NULL,
			error            TEXT,
			port             INTEGER,
			score            REAL    NOT NULL,
			judge_text       TEXT,
			archive_uri      TEXT,
			started_at       TEXT    NOT NULL,
			ended_at         TEXT    NOT NULL
		)`,
		`CREATE INDEX results_by_request ON results(request_id)`,
		`CREATE INDEX results_by_run ON results(run_id)`,
		`CREATE INDEX results_by_start ON results(started_at)`,
	},
}

// SchemaVersion is the user_version a fully migrated database reports.
var SchemaVersion = len(migrations)

// Migrate brings db up to SchemaVersion. Already-applied steps are skipped.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	var have int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&have); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if have > SchemaVersion {
		return fmt.Errorf("results database is at schema %d, newer than supported %d", have, SchemaVersion)
	}

	for v := have; v < SchemaVersion; v++ {
		if err := applyMigration(ctx, db, v+1, migrations[v]); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, stmts []string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
	}
	// PRAGMA does not take bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, version)); err != nil {
		return fmt.Errorf("migration %d: set user_version: %w", version, err)
	}
	return tx.Commit()
}
