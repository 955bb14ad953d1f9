// Package db is the canonical store: the durable SQLite record of canonical
// documents, their sources, merge decisions, partial overlaps, the review
// queue, and the append-only processing log.
//
// Store operations are free functions over DBExecutor so they run equally
// against a connection or inside a caller's transaction. Every state-changing
// operation appends exactly one processing_log entry in the same transaction.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// MemoryPath opens a private in-memory store.
const MemoryPath = ":memory:"

// OpenOptions tunes the SQLite connection.
type OpenOptions struct {
	BusyTimeout time.Duration
}

// Open connects to the SQLite database at path and initializes the schema.
func Open(path string, opts OpenOptions) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store path must be non-empty")
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", busy.Milliseconds()))
	params.Set("_foreign_keys", "1")
	memory := path == MemoryPath
	if !memory {
		params.Set("_journal_mode", "WAL")
	}

	conn, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if memory {
		// Ensure single connection to avoid separate in-memory DBs per connection.
		conn.SetMaxOpenConns(1)
	}
	if err := InitDB(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// InitDB creates the schema on a fresh database and verifies the schema
// version of an existing one.
func InitDB(conn *sql.DB) error {
	ctx := context.Background()

	var tableExists int
	if err := conn.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists); err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return createSchema(ctx, conn)
	}

	var version int
	if err := conn.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func createSchema(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
