// Package db implements the SQL account store. SQLite (modernc) is the
// default backend; MySQL is available for shared fleet deployments.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config selects and tunes the database backend.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Database wraps a SQL connection pool. On SQLite, writes are serialized.
type Database struct {
	mu        sync.Mutex
	db        *sql.DB
	driver    string
	serialize bool
}

// Open opens the configured database and verifies the connection.
func Open(cfg Config) (*Database, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return openSQLite(cfg.DSN)
	case DriverMySQL:
		return openMySQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openSQLite(dbPath string) (*Database, error) {
	// Ensure directory exists
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dbPath, err)
	}

	// SQLite doesn't support concurrent writes
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Warn().Err(err).Msg("failed to enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		log.Warn().Err(err).Msg("failed to enable foreign keys")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info().Str("driver", DriverSQLite).Str("path", dbPath).Msg("database opened")

	return &Database{db: db, driver: DriverSQLite, serialize: true}, nil
}

func openMySQL(cfg Config) (*Database, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	log.Info().Str("driver", DriverMySQL).Int("max_open_conns", cfg.MaxOpenConns).Msg("database opened")

	return &Database{db: db, driver: DriverMySQL}, nil
}

// Driver returns the backend name.
func (d *Database) Driver() string {
	return d.driver
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// PingContext checks that the database answers.
func (d *Database) PingContext(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// ExecContext executes a query without returning rows (INSERT, UPDATE, DELETE).
func (d *Database) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if d.serialize {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	return d.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows (SELECT).
func (d *Database) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// QueryRowContext executes a query that returns a single row.
func (d *Database) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// Transaction executes a function within a database transaction.
func (d *Database) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if d.serialize {
		d.mu.Lock()
		defer d.mu.Unlock()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
