package turnengine

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	id      string
	upSQL   string
	downSQL string
}

// migrator applies the turn engine's embedded schema migrations, tracked in
// its own table so it can share a database with the sessions and learning
// migrators without colliding.
type migrator struct {
	db         *sql.DB
	migrations []migration
}

func newMigrator(db *sql.DB) (*migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &migrator{db: db, migrations: migrations}, nil
}

func (m *migrator) ensureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS turnengine_schema_migrations (
			id STRING PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create turnengine_schema_migrations: %w", err)
	}
	return nil
}

func (m *migrator) up(ctx context.Context) error {
	if err := m.ensureSchema(ctx); err != nil {
		return err
	}
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM turnengine_schema_migrations`)
	if err != nil {
		return fmt.Errorf("query turnengine_schema_migrations: %w", err)
	}
	applied := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan turnengine_schema_migrations: %w", err)
		}
		applied[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("turnengine_schema_migrations: %w", err)
	}

	for _, mig := range m.migrations {
		if applied[mig.id] {
			continue
		}
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", mig.id, err)
		}
		if _, err := tx.ExecContext(ctx, mig.upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", mig.id, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO turnengine_schema_migrations (id) VALUES ($1)`, mig.id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", mig.id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", mig.id, err)
		}
	}
	return nil
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
			entry = &migration{id: id}
			entries[id] = entry
		}
		data, err := migrationsFS.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		if suffix == ".up.sql" {
			entry.upSQL = string(data)
		} else {
			entry.downSQL = string(data)
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
