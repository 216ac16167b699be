package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migration is a single embedded schema change.
type migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// migrator applies the embedded schema to a fresh or existing database file.
type migrator struct {
	db         *sql.DB
	migrations []migration
}

func newMigrator(db *sql.DB) (*migrator, error) {
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &migrator{db: db, migrations: migrations}, nil
}

func (m *migrator) ensureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// up applies every pending migration in order, each in its own transaction.
func (m *migrator) up(ctx context.Context) ([]string, error) {
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedIDs(ctx)
	if err != nil {
		return nil, err
	}

	var newlyApplied []string
	for _, mig := range m.migrations {
		if applied[mig.ID] {
			continue
		}
		if err := m.applyOne(ctx, mig); err != nil {
			return newlyApplied, err
		}
		newlyApplied = append(newlyApplied, mig.ID)
	}
	return newlyApplied, nil
}

func (m *migrator) applyOne(ctx context.Context, mig migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", mig.ID, err)
	}
	if _, err := tx.ExecContext(ctx, mig.UpSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", mig.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`, mig.ID, time.Now().UnixNano()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", mig.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", mig.ID, err)
	}
	return nil
}

func (m *migrator) appliedIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[id] = true
	}
	return applied, rows.Err()
}

func loadMigrations() ([]migration, error) {
	paths, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	entries := map[string]*migration{}
	for _, path := range paths {
		base := strings.TrimPrefix(path, "migrations/")
		var suffix string
		switch {
		case strings.HasSuffix(base, ".up.sql"):
			suffix = ".up.sql"
		case strings.HasSuffix(base, ".down.sql"):
			suffix = ".down.sql"
		default:
			continue
		}
		id := strings.TrimSuffix(base, suffix)
		entry := entries[id]
		if entry == nil {
			entry = &migration{ID: id}
			entries[id] = entry
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		if suffix == ".up.sql" {
			entry.UpSQL = string(data)
		} else {
			entry.DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := make([]migration, 0, len(ids))
	for _, id := range ids {
		migrations = append(migrations, *entries[id])
	}
	return migrations, nil
}
