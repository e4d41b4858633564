package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationFiles embed.FS

// PostgresStore keeps documents in a Postgres JSONB table
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with the pgx stdlib driver and runs the embedded
// goose migrations
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	if err := runPostgresMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an already migrated connection
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func runPostgresMigrations(ctx context.Context, db *sql.DB) error {
	return migrate(ctx, db, "postgres", postgresMigrationFiles, "migrations/postgres", nil)
}

func (p *PostgresStore) Load(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var body []byte
	err := p.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE key = $1`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}
	return body, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, doc []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO documents (key, body, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
	`, key, string(doc))
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
