package storage

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations применяет встроенные миграции, которые еще не применялись.
// Вызывается при старте сервера до создания репозиториев.
func RunMigrations(ctx context.Context, db *pgxpool.Pool, logger *zap.Logger) error {
	log := logger.Named("Migrations")

	if err := createMigrationsTable(ctx, db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := getAppliedMigrations(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	// Файлы именуются 001_name.sql, 002_name.sql и т.д.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := getMigrationVersion(entry.Name())
		if version == 0 {
			log.Warn("Skipping invalid migration file", zap.String("file", entry.Name()))
			continue
		}
		if applied[version] {
			log.Debug("Migration already applied", zap.Int("version", version))
			continue
		}

		if err := applyMigration(ctx, db, entry.Name(), version); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", version, err)
		}
		log.Info("Migration applied", zap.Int("version", version), zap.String("file", entry.Name()))
	}

	return nil
}

func createMigrationsTable(ctx context.Context, db *pgxpool.Pool) error {
	sql := `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		)`
	_, err := db.Exec(ctx, sql)
	return err
}

func getAppliedMigrations(ctx context.Context, db *pgxpool.Pool) (map[int]bool, error) {
	rows, err := db.Query(ctx, `SELECT version FROM migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func getMigrationVersion(filename string) int {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0
	}
	return version
}

func applyMigration(ctx context.Context, db *pgxpool.Pool, filename string, version int) error {
	content, err := migrationsFS.ReadFile("migrations/" + filename)
	if err != nil {
		return err
	}

	// Разделяем миграцию на Up и Down части
	parts := strings.Split(string(content), "-- +migrate Down")
	if len(parts) != 2 {
		return fmt.Errorf("invalid migration file format: %s", filename)
	}
	upSQL := strings.TrimSpace(strings.TrimPrefix(parts[0], "-- +migrate Up"))

	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, upSQL); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO migrations (version) VALUES ($1)", version); err != nil {
		return fmt.Errorf("failed to mark migration as applied: %w", err)
	}
	return tx.Commit(ctx)
}
