package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func TestMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	// Open database (should run migration 1)
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	var applied int
	err = db.conn.QueryRow("SELECT COUNT(*) FROM goose_db_version WHERE version_id = 1 AND is_applied").Scan(&applied)
	if err != nil {
		t.Fatalf("goose_db_version table not found: %v", err)
	}
	if applied != 1 {
		t.Errorf("Migration 1 not recorded")
	}

	var count int
	err = db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='Document'").Scan(&count)
	if err != nil {
		t.Fatalf("Failed to check for Document table: %v", err)
	}
	if count != 1 {
		t.Errorf("Document table not found")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		db, err := Open(dbPath)
		if err != nil {
			t.Fatalf("open %d failed: %v", i, err)
		}
		var applied int
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM goose_db_version WHERE version_id > 0").Scan(&applied); err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if applied != 1 {
			t.Errorf("open %d: expected 1 applied migration, got %d", i, applied)
		}
		db.Close()
	}

	entries, err := os.ReadDir(filepath.Dir(dbPath))
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".backup-") {
			t.Errorf("up-to-date schema should not be backed up, found %s", e.Name())
		}
	}
}

func TestMigrateRunsHookOnlyForPendingWork(t *testing.T) {
	ctx := context.Background()
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "hook.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer conn.Close()

	files := fstest.MapFS{
		"m/00001_first.sql": {Data: []byte("-- +goose Up\nCREATE TABLE a (id INTEGER);\n")},
	}
	var seen []int64
	hook := func(current int64) error {
		seen = append(seen, current)
		return nil
	}

	if err := migrate(ctx, conn, "sqlite3", files, "m", hook); err != nil {
		t.Fatalf("first migrate failed: %v", err)
	}
	if err := migrate(ctx, conn, "sqlite3", files, "m", hook); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	files["m/00002_second.sql"] = &fstest.MapFile{Data: []byte("-- +goose Up\nCREATE TABLE b (id INTEGER);\n")}
	if err := migrate(ctx, conn, "sqlite3", files, "m", hook); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}

	if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Errorf("expected hook at versions [0 1], got %v", seen)
	}
}

func TestMigrateHookErrorStopsUpgrade(t *testing.T) {
	ctx := context.Background()
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "stop.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer conn.Close()

	files := fstest.MapFS{
		"m/00001_first.sql": {Data: []byte("-- +goose Up\nCREATE TABLE a (id INTEGER);\n")},
	}
	err = migrate(ctx, conn, "sqlite3", files, "m", func(int64) error {
		return errors.New("disk full")
	})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected hook error, got %v", err)
	}

	var count int
	if err := conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='a'").Scan(&count); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("migration ran despite hook error")
	}
}

func TestBackupDatabaseCopiesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relay.db")
	if err := os.WriteFile(dbPath, []byte("sqlite bytes"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := backupDatabase(dbPath, 3); err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	matches, _ := filepath.Glob(dbPath + ".backup-v3-*")
	if len(matches) != 1 {
		t.Fatalf("expected 1 backup, got %d", len(matches))
	}
	data, _ := os.ReadFile(matches[0])
	if string(data) != "sqlite bytes" {
		t.Errorf("backup content mismatch: %q", data)
	}
}

func TestBackupDatabaseMissingFile(t *testing.T) {
	if err := backupDatabase(filepath.Join(t.TempDir(), "nope.db"), 1); err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
}
