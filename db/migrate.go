package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/crmpulse/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

const migrationsDir = "sqlite/migrations"

// migrationFiles returns the embedded migration file names in apply order
func migrationFiles() ([]string, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	// 000_create_schema_migrations.sql sorts first
	sort.Strings(files)
	return files, nil
}

func versionOf(filename string) string {
	return strings.SplitN(filename, "_", 2)[0]
}

// Migrate applies all pending migrations, each in its own transaction, and
// returns how many were applied. A nil log keeps it silent.
func Migrate(db *sql.DB, log *zap.SugaredLogger) (int, error) {
	log = dbLogger(log)
	files, err := migrationFiles()
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, filename := range files {
		version := versionOf(filename)

		var exists bool
		err := db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", version).Scan(&exists)
		if err != nil {
			// Table doesn't exist yet, which is only acceptable before 000 ran
			if version != "000" {
				return applied, errors.Wrapf(err, "schema_migrations unreadable before %s", filename)
			}
		} else if exists {
			log.Debugw("Skipping migration (already applied)", "migration", filename)
			continue
		}

		sqlBytes, err := migrations.ReadFile(path.Join(migrationsDir, filename))
		if err != nil {
			return applied, errors.Wrapf(err, "read %s", filename)
		}

		log.Infow("Applying migration", "migration", filename, "version", version)

		tx, err := db.Begin()
		if err != nil {
			return applied, errors.Wrapf(err, "begin tx for %s", filename)
		}
		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return applied, errors.Wrapf(err, "execute %s", filename)
		}
		// 000 creates the table, then records itself
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return applied, errors.Wrapf(err, "record %s", filename)
		}
		if err := tx.Commit(); err != nil {
			return applied, errors.Wrapf(err, "commit %s", filename)
		}
		applied++
	}

	log.Infow("Migrations complete",
		"applied", applied,
		"total_migrations", len(files),
	)

	return applied, nil
}

// MigrationStatus is one embedded migration and whether it has been applied
type MigrationStatus struct {
	Version   string
	File      string
	Applied   bool
	AppliedAt string
}

// Status lists every embedded migration with its applied state
func Status(db *sql.DB) ([]MigrationStatus, error) {
	files, err := migrationFiles()
	if err != nil {
		return nil, err
	}

	appliedAt := make(map[string]string)
	rows, err := db.Query("SELECT version, applied_at FROM schema_migrations")
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var version, at string
			if err := rows.Scan(&version, &at); err != nil {
				return nil, errors.Wrap(err, "scan schema_migrations")
			}
			appliedAt[version] = at
		}
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "iterate schema_migrations")
		}
	}
	// A missing schema_migrations table just means nothing has been applied

	statuses := make([]MigrationStatus, 0, len(files))
	for _, filename := range files {
		version := versionOf(filename)
		at, ok := appliedAt[version]
		statuses = append(statuses, MigrationStatus{
			Version:   version,
			File:      filename,
			Applied:   ok,
			AppliedAt: at,
		})
	}
	return statuses, nil
}
