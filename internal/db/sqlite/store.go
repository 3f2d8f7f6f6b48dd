// Package sqlite provides the raw-SQL SQLite stores behind the transcript and curated memory.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Config holds database configuration.
type Config struct {
	Path       string      // Path to the SQLite database file
	MaxConns   int         // Maximum number of open connections (default: 4)
	Migrations []Migration // Applied in order on open
}

// Migration is one versioned schema step. Statements that fail with
// "duplicate column" are treated as already applied.
type Migration struct {
	Name       string
	Statements []string
	Version    int
}

// Store wraps a *sql.DB with prepared statement caching and transaction scopes.
type Store struct {
	db    *sql.DB
	stmts map[string]*sql.Stmt
	mu    sync.RWMutex
}

type txKey struct{ store *Store }

// DSN builds the connection string. Every transaction begins IMMEDIATE so
// writers take the lock up front instead of failing on upgrade.
func DSN(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate"
}

// Open opens the database, applies pragmas through the DSN and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", DSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := newStoreFromDB(db)
	if err := store.Migrate(ctx, cfg.Migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

func newStoreFromDB(db *sql.DB) *Store {
	return &Store{db: db, stmts: make(map[string]*sql.Stmt)}
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes cached statements and the database.
func (s *Store) Close() error {
	s.mu.Lock()
	for q, stmt := range s.stmts {
		_ = stmt.Close()
		delete(s.stmts, q)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetStmt returns a cached prepared statement for query.
func (s *Store) GetStmt(query string) (*sql.Stmt, error) {
	s.mu.RLock()
	stmt, ok := s.stmts[query]
	s.mu.RUnlock()
	if ok {
		return stmt, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	s.stmts[query] = stmt
	return stmt, nil
}

func (s *Store) txFrom(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{s}).(*sql.Tx)
	return tx
}

// ExecContext executes a statement, joining the transaction in ctx if any.
func (s *Store) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx := s.txFrom(ctx); tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	stmt, err := s.GetStmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

// QueryContext runs a query returning rows, joining the transaction in ctx if any.
func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := s.txFrom(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	stmt, err := s.GetStmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRowContext runs a single-row query, joining the transaction in ctx if any.
func (s *Store) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	if tx := s.txFrom(ctx); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	stmt, err := s.GetStmt(query)
	if err != nil {
		// Surface the prepare error through Scan.
		return s.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// Tx runs fn inside a transaction. A nested Tx on the same store joins the
// outer transaction. The transaction rolls back if fn returns an error or panics.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Warn().Err(rbErr).Msg("Rollback failed")
			}
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			err = fmt.Errorf("commit transaction: %w", cerr)
		}
	}()

	return fn(context.WithValue(ctx, txKey{s}, tx))
}

// Migrate applies migrations newer than the recorded schema version.
func (s *Store) Migrate(ctx context.Context, migrations []Migration) error {
	const createVersions = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL DEFAULT (CAST(strftime('%s','now') AS INTEGER) * 1000)
		)
	`
	if _, err := s.db.ExecContext(ctx, createVersions); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := s.Tx(ctx, func(ctx context.Context) error {
			for _, stmt := range m.Statements {
				if _, err := s.ExecContext(ctx, stmt); err != nil {
					if IsDuplicateColumn(err) {
						continue
					}
					return err
				}
			}
			_, err := s.ExecContext(ctx, `INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.Debug().Int("version", m.Version).Str("name", m.Name).Msg("Applied migration")
	}
	return nil
}

// IsDuplicateColumn reports whether err is SQLite's "duplicate column name" error.
func IsDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}
