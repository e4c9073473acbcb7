package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	_ "modernc.org/sqlite"
)

func TestMigrateFresh(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	core, logs := observer.New(zapcore.InfoLevel)
	runner := NewMigrationRunner(db, zap.New(core))
	applied, err := runner.Migrate()
	if err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	if len(applied) != 1 || applied[0] != "001" {
		t.Fatalf("expected [001] applied, got %v", applied)
	}
	if got := logs.FilterMessage("schema migration applied").FilterField(zap.String("version", "001")).Len(); got != 1 {
		t.Errorf("expected one applied log for 001, got %d", got)
	}
	version, err := runner.SchemaVersion()
	if err != nil || version != "001" {
		t.Errorf("expected schema version 001, got %q (%v)", version, err)
	}

	if !tableExists(t, db, TableDeviceHistory) {
		t.Error("device_history table not created")
	}
	if !tableExists(t, db, TableAuditLog) {
		t.Error("audit_log table not created")
	}
	if !tableExists(t, db, "schema_migrations") {
		t.Error("schema_migrations table not created")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	runner := NewMigrationRunner(db, nil)

	if _, err := runner.Migrate(); err != nil {
		t.Fatalf("first migration failed: %v", err)
	}

	applied, err := runner.Migrate()
	if err != nil {
		t.Fatalf("second migration failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected nothing applied on rerun, got %v", applied)
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	if err != nil {
		t.Fatalf("failed to query migrations: %v", err)
	}

	if count != 1 {
		t.Errorf("expected 1 migration record, got %d", count)
	}
}

func TestMigrateChecksumMismatch(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	runner := NewMigrationRunner(db, nil)

	if _, err := runner.Migrate(); err != nil {
		t.Fatalf("initial migration failed: %v", err)
	}

	_, err := db.Exec("UPDATE schema_migrations SET checksum = 'invalid' WHERE version = '001'")
	if err != nil {
		t.Fatalf("failed to corrupt checksum: %v", err)
	}

	if _, err := runner.Migrate(); err == nil {
		t.Error("expected checksum mismatch error, got nil")
	}
}

func TestSchemaVersionBeforeMigrate(t *testing.T) {
	db := setupTestDB(t)

	version, err := NewMigrationRunner(db, nil).SchemaVersion()
	if err != nil {
		t.Fatalf("schema version failed: %v", err)
	}
	if version != "" {
		t.Errorf("expected empty version on a fresh database, got %q", version)
	}
}

func TestOpenMigratesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.db")

	db, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer db.Close()

	if !tableExists(t, db, TableDeviceHistory) {
		t.Error("device_history table not created by Open")
	}
}

func setupTestDB(t *testing.T) *sql.DB {
	tmpfile, err := os.CreateTemp("", "test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpfile.Close()

	db, err := sql.Open("sqlite", tmpfile.Name())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
		os.Remove(tmpfile.Name())
	})

	return db
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
		tableName,
	).Scan(&exists)
	if err != nil {
		t.Fatalf("failed to check table existence: %v", err)
	}
	return exists > 0
}
