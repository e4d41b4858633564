package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB is a SQLite-backed Store. Documents live in a single table keyed by
// document name.
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
	path      string
}

var sqlitePragmas = []struct {
	stmt string
	desc string
}{
	// WAL allows multiple readers and one writer at the same time
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	// Wait and retry instead of immediately failing with SQLITE_BUSY
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA foreign_keys = ON", "enable foreign keys"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range sqlitePragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}
	return nil
}

// Open opens the SQLite database at path and migrates the schema
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Create dedicated write connection (single connection, no pooling)
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0) // Never expire

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	if err := runSQLiteMigrations(context.Background(), writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn, path: path}, nil
}

// Close closes both connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func (db *DB) Load(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var body []byte
	err := db.conn.QueryRowContext(ctx, `SELECT body FROM Document WHERE key = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return body, nil
}

func (db *DB) Save(ctx context.Context, key string, doc []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := db.writeConn.ExecContext(ctx, `
		INSERT INTO Document (key, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, key, doc, nowMillis())
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// UpdatedAt returns the last save time of a document in Unix milliseconds
func (db *DB) UpdatedAt(ctx context.Context, key string) (int64, error) {
	var ts int64
	err := db.conn.QueryRowContext(ctx, `SELECT updated_at FROM Document WHERE key = ?`, key).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return ts, err
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
