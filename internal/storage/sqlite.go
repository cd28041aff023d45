// Package storage persists the job registry in SQLite.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/storage/migrations"
)

// DB wraps the SQLite database connection with registry-specific methods.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config holds database configuration options.
type Config struct {
	// Path to the SQLite database file
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Enable Write-Ahead Logging
	EnableWAL bool
}

// DefaultConfig returns sensible defaults for the database.
func DefaultConfig() Config {
	return Config{
		Path:            "missiongen.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		EnableWAL:       true,
	}
}

// New opens the database, creating its parent directory, and runs migrations.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*DB, error) {
	logger = logger.With().Str("component", "storage").Logger()

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := cfg.Path + "?_busy_timeout=5000&_foreign_keys=on"
	if cfg.EnableWAL {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	logger.Debug().Str("path", cfg.Path).Bool("wal", cfg.EnableWAL).Msg("Opening database")

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	storage := &DB{
		db:     db,
		logger: logger,
	}

	if err := storage.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	d.logger.Debug().Msg("Closing database connection")
	return d.db.Close()
}

// Ping verifies the database connection is alive.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// ============================================================
// Migrations
// ============================================================

// Migrate runs all pending database migrations. A migration whose content
// changed after it was applied is an error.
func (d *DB) Migrate(ctx context.Context) error {
	list, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := d.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, m := range list {
		checksum := sha256Checksum(m.content)

		if existing, ok := applied[m.version]; ok {
			if existing != checksum {
				return fmt.Errorf("migration %d (%s) has been modified after being applied", m.version, m.filename)
			}
			continue
		}

		d.logger.Info().Int("version", m.version).Str("filename", m.filename).Msg("Applying migration")
		if err := d.applyMigration(ctx, m, checksum); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.version, m.filename, err)
		}
	}
	return nil
}

type migration struct {
	version  int
	filename string
	content  string
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return nil, err
	}

	var list []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return nil, fmt.Errorf("invalid migration filename: %s", entry.Name())
		}

		content, err := migrations.FS.ReadFile(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration: %w", err)
		}
		list = append(list, migration{version: version, filename: entry.Name(), content: string(content)})
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].version < list[j].version
	})
	return list, nil
}

func (d *DB) appliedMigrations(ctx context.Context) (map[int]string, error) {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			filename TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx, "SELECT version, checksum FROM schema_version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var version int
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, err
		}
		applied[version] = checksum
	}
	return applied, rows.Err()
}

func (d *DB) applyMigration(ctx context.Context, m migration, checksum string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.content); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, filename, checksum) VALUES (?, ?, ?)",
		m.version, m.filename, checksum)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

func sha256Checksum(content string) string {
	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}
