// Package sqlite provides the single-file persistence layer for jobs, node
// state and credentials. One store file, WAL mode so readers are never
// excluded by the writer, and serialized transactions for the admission and
// claim steps that must be atomic.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gradelab/gpuqueue/internal/domain"
)

const defaultBusyTimeout = 5 * time.Second

// Store wraps the SQLite connection and hands out typed repositories.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store file at path, applies connection
// pragmas, runs migrations and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// busy_timeout backs off on a locked database; WAL keeps readers
	// unblocked during writes; synchronous=NORMAL is the usual WAL pairing.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.Open: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.Open ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=sqlite.Open migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the connection; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Jobs returns the job repository backed by this store.
func (s *Store) Jobs() *JobRepo { return &JobRepo{store: s} }

// Nodes returns the node-state repository backed by this store.
func (s *Store) Nodes() *NodeRepo { return &NodeRepo{store: s} }

// Credentials returns the credential repository backed by this store.
func (s *Store) Credentials() *CredentialRepo { return &CredentialRepo{store: s} }

// WithTx executes fn inside a serialized transaction; rollback on error.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("op=sqlite.WithTx begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=sqlite.WithTx commit: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id               TEXT PRIMARY KEY,
  principal        TEXT NOT NULL,
  competition_id   TEXT NOT NULL,
  project_id       TEXT NOT NULL,
  expected_seconds INTEGER NOT NULL,
  status           TEXT NOT NULL CHECK (status IN ('queued','launching','running','retrieving','completed','failed','cancelled','lost')),
  node             INTEGER NOT NULL,
  code_path        TEXT NOT NULL,
  remote_pid       INTEGER NULL,
  stdout           TEXT NOT NULL DEFAULT '',
  stderr           TEXT NOT NULL DEFAULT '',
  result_data      TEXT NOT NULL DEFAULT '',
  exit_status      INTEGER NULL,
  failure_cause    TEXT NOT NULL DEFAULT '',
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  created_at       TIMESTAMP NOT NULL,
  started_at       TIMESTAMP NULL,
  finished_at      TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_principal_status ON jobs(principal, status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_node_status ON jobs(node, status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);`,

		`CREATE TABLE IF NOT EXISTS nodes (
  node              INTEGER PRIMARY KEY,
  address           TEXT NOT NULL,
  projected_seconds INTEGER NOT NULL DEFAULT 0,
  busy              INTEGER NOT NULL DEFAULT 0,
  current_job_id    TEXT NOT NULL DEFAULT '',
  reachable         INTEGER NOT NULL DEFAULT 1
);`,

		`CREATE TABLE IF NOT EXISTS credentials (
  hash       TEXT PRIMARY KEY,
  principal  TEXT NOT NULL,
  admin      INTEGER NOT NULL DEFAULT 0,
  active     INTEGER NOT NULL DEFAULT 1,
  created_at TIMESTAMP NOT NULL,
  expires_at TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_principal ON credentials(principal, active);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// storageErr wraps driver errors into the domain storage taxonomy, keeping
// not-found distinct.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrActiveJobExists) || errors.Is(err, domain.ErrTerminalState) {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	return fmt.Errorf("op=%s: %w: %v", op, domain.ErrStorage, err)
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time.UTC()
		return &t
	}
	return nil
}

func nullIntPtr(ni sql.NullInt64) *int {
	if ni.Valid {
		v := int(ni.Int64)
		return &v
	}
	return nil
}
