// Package gorm provides the GORM-backed workspace database: stacks, cards, chat history and documents.
package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Import SQLite driver
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sentinel errors.
var (
	ErrStackNotFound    = errors.New("stack not found")
	ErrCardNotFound     = errors.New("card not found")
	ErrDocumentNotFound = errors.New("document not found")
)

// Store represents the workspace database connection.
type Store struct {
	DB        *gorm.DB
	sqlDB     *sql.DB // For pragmas and raw statements GORM doesn't express
	chatLimit int
}

// DefaultChatHistoryLimit is how many chat messages are retained.
const DefaultChatHistoryLimit = 5000

// Config holds database configuration.
type Config struct {
	Path             string          // Path to SQLite database file
	MaxConns         int             // Maximum number of open connections (default: 4)
	LogLevel         logger.LogLevel // GORM log level (logger.Silent for production)
	ChatHistoryLimit int             // Chat messages retained (default: 5000)
}

// DSN builds the mattn/go-sqlite3 connection string. Every transaction begins
// IMMEDIATE and each connection gets WAL, a 5s busy timeout and foreign keys.
func DSN(path string) string {
	return path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

// NewStore opens workspace.db, runs migrations and applies late column additions.
func NewStore(cfg Config) (*Store, error) {
	sqlDB, err := sql.Open("sqlite3", DSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	logLevel := cfg.LogLevel
	if logLevel == 0 {
		logLevel = logger.Silent
	}
	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger:      logger.Default.LogMode(logLevel),
		PrepareStmt: true,
		// Transactions are opened explicitly where atomicity matters.
		SkipDefaultTransaction: true,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxLifetime(0)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	chatLimit := cfg.ChatHistoryLimit
	if chatLimit <= 0 {
		chatLimit = DefaultChatHistoryLimit
	}
	store := &Store{DB: db, sqlDB: sqlDB, chatLimit: chatLimit}

	if err := runMigrations(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := ensureColumns(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure columns: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// GetRawDB returns the underlying *sql.DB.
func (s *Store) GetRawDB() *sql.DB {
	return s.sqlDB
}

// Tx runs fn in a transaction bound to ctx.
func (s *Store) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.DB.WithContext(ctx).Transaction(fn)
}
