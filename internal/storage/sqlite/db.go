// Package sqlite persists the gateway's state (accounts, device bindings,
// grants, provider keys, usage, knowledge atoms) in a single SQLite file via
// modernc.org/sqlite, so a relay deployment needs no database server.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// connPragmas are applied to every connection. WAL lets admission-path reads
// proceed while the usage recorder batches writes; busy_timeout covers the
// writer being held by a batch insert mid-stream.
const connPragmas = "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

// Store implements the storage interfaces on two pools over one database:
// a single-connection writer (SQLite allows one writer at a time; queueing
// in database/sql beats SQLITE_BUSY churn) and a read pool sized for the
// admission checks every proxy request performs.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// New opens the database at dsn (a file path, or ":memory:" for tests),
// applies pending migrations, and returns the store.
func New(dsn string) (*Store, error) {
	fullDSN := "file:" + dsn + "?" + connPragmas
	if dsn == ":memory:" {
		// Both pools must see the same in-memory database.
		fullDSN = "file::memory:?mode=memory&cache=shared&" + connPragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(readPoolSize())

	if err := migrate(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Store{write: write, read: read}, nil
}

// readPoolSize returns the reader connection cap. Every admitted request
// costs at least one usage count query, so the pool tracks the host's
// parallelism with a floor for small machines.
func readPoolSize() int {
	if n := runtime.NumCPU(); n > 4 {
		return n
	}
	return 4
}

// migrate applies the embedded goose migrations on the writer connection.
func migrate(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = p.Up(context.Background())
	return err
}

// Ping reports readiness; it backs the /readyz check.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
