package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/crmpulse/am"
	"github.com/teranos/crmpulse/db"
	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
	"github.com/teranos/crmpulse/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the crmpulse database",
	Long: sym.DB + ` db - Manage the crmpulse database

Examples:
  crmpulse db migrate    # Apply pending migrations
  crmpulse db status     # Show which migrations are applied`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE:  runDbStatus,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	path := cfg.GetDatabasePath()
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	applied, err := db.Migrate(database, logger.Logger)
	if err != nil {
		return err
	}
	if applied == 0 {
		fmt.Printf("%s %s is up to date\n", sym.DB, path)
		return nil
	}
	fmt.Printf("%s Applied %d migration(s) to %s\n", sym.DB, applied, path)
	return nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	path := cfg.GetDatabasePath()
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", path)
	}
	defer database.Close()

	statuses, err := db.Status(database)
	if err != nil {
		return err
	}

	fmt.Printf("%s Migrations of %s\n", sym.DB, path)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	pending := 0
	for _, s := range statuses {
		if s.Applied {
			fmt.Printf("  ✓ %s  %s  (%s)\n", s.Version, s.File, s.AppliedAt)
		} else {
			pending++
			fmt.Printf("  … %s  %s  (pending)\n", s.Version, s.File)
		}
	}
	if pending > 0 {
		fmt.Printf("\n%d pending, run 'crmpulse db migrate'\n", pending)
	}
	return nil
}
