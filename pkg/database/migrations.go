package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrationFiles embed.FS

// goose keeps its base FS and dialect in package globals
var gooseMu sync.Mutex

// migrate applies every pending migration under dir of files with goose.
// before, if set, runs once the current and target versions are known and
// only when there is work to do.
func migrate(ctx context.Context, db *sql.DB, dialect string, files fs.FS, dir string, before func(current int64) error) error {
	migrations, err := fs.Sub(files, dir)
	if err != nil {
		return err
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	if before != nil {
		current, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return fmt.Errorf("failed to get current version: %w", err)
		}
		known, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
		if err != nil {
			return fmt.Errorf("failed to load migrations: %w", err)
		}
		last, err := known.Last()
		if err != nil {
			return fmt.Errorf("failed to load migrations: %w", err)
		}
		if last.Version > current {
			if err := before(current); err != nil {
				return err
			}
		}
	}

	return goose.UpContext(ctx, db, ".")
}

// runSQLiteMigrations migrates the database at dbPath, copying the file
// aside first whenever an existing schema is about to change
func runSQLiteMigrations(ctx context.Context, db *sql.DB, dbPath string) error {
	return migrate(ctx, db, "sqlite3", sqliteMigrationFiles, "migrations/sqlite", func(current int64) error {
		if current == 0 {
			return nil
		}
		if err := backupDatabase(dbPath, current); err != nil {
			return fmt.Errorf("failed to backup database: %w", err)
		}
		return nil
	})
}

// backupDatabase copies an existing database file aside before migrating it
func backupDatabase(dbPath string, currentVersion int64) error {
	info, err := os.Stat(dbPath)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return nil
	}

	backupPath := fmt.Sprintf("%s.backup-v%d-%s", dbPath, currentVersion, time.Now().Format("20060102-150405"))

	src, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy database: %w", err)
	}

	log.Printf("Created database backup: %s", filepath.Base(backupPath))
	return nil
}
