package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/wesm/threadsync/internal/models"
)

// DB represents the database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases coherent and
	// serializes cache writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS thread_cache (
		cache_key TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		title TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Load reads every thread cache row
func (db *DB) Load(ctx context.Context) (map[string]models.ThreadCacheEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT cache_key, thread_id, title, updated_at FROM thread_cache`)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread cache: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]models.ThreadCacheEntry)
	for rows.Next() {
		var key string
		var entry models.ThreadCacheEntry
		if err := rows.Scan(&key, &entry.ThreadID, &entry.Title, &entry.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread cache row: %w", err)
		}
		entries[key] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read thread cache: %w", err)
	}

	return entries, nil
}

// Save replaces the thread cache table contents in one transaction
func (db *DB) Save(ctx context.Context, entries map[string]models.ThreadCacheEntry) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM thread_cache`); err != nil {
		return fmt.Errorf("failed to clear thread cache: %w", err)
	}

	query := `
	INSERT INTO thread_cache (cache_key, thread_id, title, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(cache_key) DO UPDATE SET
		thread_id = excluded.thread_id,
		title = excluded.title,
		updated_at = excluded.updated_at
	`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for key, entry := range entries {
		if _, err := stmt.ExecContext(ctx, key, entry.ThreadID, entry.Title, entry.UpdatedAt); err != nil {
			return fmt.Errorf("failed to save thread cache entry %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit thread cache: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
