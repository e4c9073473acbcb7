package storage

import (
	"crypto/md5"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema file, versioned by its numeric prefix.
type Migration struct {
	Version  string
	Filename string
	Content  string
	Checksum string
}

// MigrationRunner applies the embedded migrations in version order, each
// inside its own transaction.
type MigrationRunner struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewMigrationRunner(db *sql.DB, logger *zap.Logger) *MigrationRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MigrationRunner{db: db, logger: logger}
}

// Migrate applies every pending migration and returns the versions it
// applied in this call. An already recorded migration whose content has
// changed fails the run.
func (mr *MigrationRunner) Migrate() ([]string, error) {
	if _, err := mr.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := mr.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	recorded, err := mr.recordedChecksums()
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, m := range migrations {
		if sum, ok := recorded[m.Version]; ok {
			if sum != m.Checksum {
				return applied, fmt.Errorf("migration %s (%s) changed after it was applied: recorded checksum %s, embedded %s",
					m.Version, m.Filename, sum, m.Checksum)
			}
			continue
		}

		start := time.Now()
		if err := mr.apply(m); err != nil {
			return applied, fmt.Errorf("apply migration %s (%s): %w", m.Version, m.Filename, err)
		}
		applied = append(applied, m.Version)
		mr.logger.Info("schema migration applied",
			zap.String("version", m.Version),
			zap.String("file", m.Filename),
			zap.Duration("took", time.Since(start)),
		)
	}

	version, err := mr.SchemaVersion()
	if err != nil {
		return applied, err
	}
	mr.logger.Info("schema up to date",
		zap.String("version", version),
		zap.Int("applied", len(applied)),
		zap.Int("known", len(migrations)),
	)
	return applied, nil
}

// SchemaVersion returns the highest recorded migration version, or "" on
// a database that has never been migrated.
func (mr *MigrationRunner) SchemaVersion() (string, error) {
	var version sql.NullString
	err := mr.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return "", nil
		}
		return "", fmt.Errorf("read schema version: %w", err)
	}
	return version.String, nil
}

func (mr *MigrationRunner) recordedChecksums() (map[string]string, error) {
	rows, err := mr.db.Query("SELECT version, checksum FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	recorded := make(map[string]string)
	for rows.Next() {
		var version, sum string
		if err := rows.Scan(&version, &sum); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		recorded[version] = sum
	}
	return recorded, rows.Err()
}

// apply runs the migration SQL and records it atomically, so a failing
// file leaves neither partial tables nor a version row behind.
func (mr *MigrationRunner) apply(m Migration) (err error) {
	tx, err := mr.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	if _, err = tx.Exec(m.Content); err != nil {
		return err
	}
	if _, err = tx.Exec(
		"INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)",
		m.Version, m.Checksum,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read embedded migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		// "001_initial_schema.sql" -> "001"
		version, _, _ := strings.Cut(entry.Name(), "_")
		migrations = append(migrations, Migration{
			Version:  version,
			Filename: entry.Name(),
			Content:  string(content),
			Checksum: fmt.Sprintf("%x", md5.Sum(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}
