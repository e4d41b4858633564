package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names accepted by OpenStore
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

// Options selects and configures a Store backend
type Options struct {
	Backend      string
	DataDir      string // file
	DatabasePath string // sqlite
	PostgresDSN  string // postgres
	S3           S3Options
}

// OpenStore opens the configured backend. An empty backend means file.
func OpenStore(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		if opts.DataDir == "" {
			return nil, fmt.Errorf("file backend requires a data directory")
		}
		return OpenFileStore(opts.DataDir)

	case BackendSQLite:
		if opts.DatabasePath == "" {
			return nil, fmt.Errorf("sqlite backend requires a database path")
		}
		if err := os.MkdirAll(filepath.Dir(opts.DatabasePath), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return Open(opts.DatabasePath)

	case BackendPostgres:
		if opts.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires a dsn")
		}
		return OpenPostgres(ctx, opts.PostgresDSN)

	case BackendS3:
		return OpenS3(ctx, opts.S3)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
