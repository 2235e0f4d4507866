// Package resultstore keeps a local SQLite index of grading results so runs
// can be queried after their workspaces are gone.
package resultstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	sqlite "modernc.org/sqlite"
)

const driverName = "webgrade_sqlite"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

type Config struct {
	// Path is a filesystem path or ":memory:".
	Path string
}

// Store records grading results.
type Store struct {
	db *sql.DB
}

// Open opens the results database at cfg.Path, creating the file and its
// parent directories when missing, and migrates it to SchemaVersion.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("result store path is required")
	}

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(filepath.Clean(path))
		if err := os.MkdirAll(dir, 0o755); err != nil { // #nosec G301
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		dsn = fileDSN(path)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open result store: %w", err)
	}
	// One connection: a :memory: database exists per connection, and batch
	// workers serialize writes through the pool instead of on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open result store %s: %w", path, err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// fileDSN applies WAL journaling and a busy timeout through the driver's
// _pragma parameters so every new connection gets them.
func fileDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	return "file:" + filepath.Clean(path) + "?" + q.Encode()
}
