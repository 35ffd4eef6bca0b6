package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

var migrationNameRe = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.sql$`)

// Migration is one numbered schema change, with an optional rollback script.
type Migration struct {
	Version  int
	Name     string
	UpSQL    string
	DownSQL  string
	FileName string
}

// MigrationStatus pairs a migration with whether it has been applied.
type MigrationStatus struct {
	Migration
	Applied   bool
	AppliedAt time.Time
}

// Migrator applies numbered SQL migrations to the database file at Path.
// Before each migration it takes a file-copy backup; a failed migration
// restores the backup so the database is byte-identical to its pre-migration
// state.
type Migrator struct {
	path   string
	fsys   fs.FS
	logger *slog.Logger
}

// NewMigrator builds a migrator over the embedded migration files.
func NewMigrator(path string, logger *slog.Logger) *Migrator {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		// The embed directive guarantees the directory exists.
		panic(err)
	}
	return NewMigratorFS(path, sub, logger)
}

// NewMigratorFS builds a migrator over an arbitrary migration file system.
func NewMigratorFS(path string, fsys fs.FS, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{path: path, fsys: fsys, logger: logger.With("component", "migrate")}
}

// load parses migration files, attaching rollback siblings by version.
func (m *Migrator) load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := map[int]*Migration{}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, "_rollback.sql") {
			continue
		}
		match := migrationNameRe.FindStringSubmatch(name)
		if match == nil {
			return nil, fmt.Errorf("migration file %q does not match NNN_description.sql", name)
		}
		version, _ := strconv.Atoi(match[1])
		if _, dup := byVersion[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %03d", version)
		}
		data, err := fs.ReadFile(m.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		mig := &Migration{Version: version, Name: match[2], UpSQL: string(data), FileName: name}

		rollbackName := fmt.Sprintf("%03d_%s_rollback.sql", version, match[2])
		if down, err := fs.ReadFile(m.fsys, rollbackName); err == nil {
			mig.DownSQL = string(down)
		}
		byVersion[version] = mig
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Up applies all pending migrations in order and returns how many ran.
func (m *Migrator) Up() (int, error) {
	migrations, err := m.load()
	if err != nil {
		return 0, err
	}
	current, err := m.currentVersion()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.applyOne(mig); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

// Status reports every known migration and whether it has been applied.
func (m *Migrator) Status() ([]MigrationStatus, error) {
	migrations, err := m.load()
	if err != nil {
		return nil, err
	}
	appliedAt, err := m.appliedVersions()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Migration: mig}
		if at, ok := appliedAt[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = at
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// RollbackTo unapplies migrations above target in descending order using
// their rollback scripts. Migrations without a rollback sibling abort the
// rollback before anything runs.
func (m *Migrator) RollbackTo(target int) error {
	migrations, err := m.load()
	if err != nil {
		return err
	}
	appliedAt, err := m.appliedVersions()
	if err != nil {
		return err
	}

	var toRollback []Migration
	for i := len(migrations) - 1; i >= 0; i-- {
		mig := migrations[i]
		if _, ok := appliedAt[mig.Version]; !ok || mig.Version <= target {
			continue
		}
		if mig.DownSQL == "" {
			return fmt.Errorf("migration %03d_%s has no rollback script", mig.Version, mig.Name)
		}
		toRollback = append(toRollback, mig)
	}

	for _, mig := range toRollback {
		if err := m.rollbackOne(mig); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) applyOne(mig Migration) error {
	backup := fmt.Sprintf("%s.bak.%03d", m.path, mig.Version)
	if err := m.backupTo(backup); err != nil {
		return fmt.Errorf("backup before %03d_%s: %w", mig.Version, mig.Name, err)
	}

	err := m.runInTx(func(tx *sql.Tx) error {
		for i, stmt := range splitStatements(mig.UpSQL) {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
		}
		_, err := tx.Exec(
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			mig.Version, mig.Name, time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		m.logger.Error("migration failed, restoring backup",
			"version", mig.Version, "name", mig.Name, "error", err)
		if restoreErr := m.restoreFrom(backup); restoreErr != nil {
			return fmt.Errorf("migration %03d_%s failed (%v) and restore failed: %w",
				mig.Version, mig.Name, err, restoreErr)
		}
		return fmt.Errorf("migration %03d_%s: %w", mig.Version, mig.Name, err)
	}

	m.logger.Info("applied migration", "version", mig.Version, "name", mig.Name)
	return nil
}

func (m *Migrator) rollbackOne(mig Migration) error {
	err := m.runInTx(func(tx *sql.Tx) error {
		for i, stmt := range splitStatements(mig.DownSQL) {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
		}
		_, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", mig.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback %03d_%s: %w", mig.Version, mig.Name, err)
	}
	m.logger.Info("rolled back migration", "version", mig.Version, "name", mig.Name)
	return nil
}

// runInTx opens the database, runs fn inside a transaction and closes the
// handle again. The migrator never keeps a connection open across file
// copies.
func (m *Migrator) runInTx(fn func(*sql.Tx) error) error {
	db, err := m.openWithSchemaTable()
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) openWithSchemaTable() (*sql.DB, error) {
	db, err := Open(m.path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return db, nil
}

func (m *Migrator) currentVersion() (int, error) {
	db, err := m.openWithSchemaTable()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var version sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("current version: %w", err)
	}
	return int(version.Int64), nil
}

func (m *Migrator) appliedVersions() (map[int]time.Time, error) {
	db, err := m.openWithSchemaTable()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query("SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

	applied := map[int]time.Time{}
	for rows.Next() {
		var version int
		var at int64
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		applied[version] = time.Unix(at, 0)
	}
	return applied, rows.Err()
}

// backupTo checkpoints the WAL and copies the database file to dst.
func (m *Migrator) backupTo(dst string) error {
	db, err := m.openWithSchemaTable()
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	db.Close()
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return copyFile(m.path, dst)
}

// restoreFrom copies the backup over the database file and removes stale WAL
// sidecars so the restored file is authoritative.
func (m *Migrator) restoreFrom(backup string) error {
	if err := copyFile(backup, m.path); err != nil {
		return err
	}
	os.Remove(m.path + "-wal")
	os.Remove(m.path + "-shm")
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// splitStatements breaks a migration script into individual statements.
// Migration files keep one statement per semicolon; string literals with
// semicolons are not supported in migration scripts.
func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	stmts := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			stmts = append(stmts, trimmed)
		}
	}
	return stmts
}
