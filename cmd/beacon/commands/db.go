package commands

import (
	"database/sql"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"github.com/teranos/beacon/db"
	"github.com/teranos/beacon/errors"
	"github.com/teranos/beacon/logger"
	"github.com/teranos/beacon/store"
)

// DbCmd groups database maintenance operations.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the event database",
	Long: `Manage event database operations.

Examples:
  beacon db stats                 # Show event store statistics
  beacon db migrate               # Apply pending schema migrations`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show event store statistics",
	RunE:  runDbStats,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbMigrateCmd)
}

func openDatabase(cmd *cobra.Command) (*sql.DB, string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to load configuration")
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to open database")
	}
	return database, cfg.Database.Path, nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, path, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	eventStore := store.New(database, logger.Logger)
	totalEvents, err := eventStore.Count([]nostr.Filter{{}})
	if err != nil {
		return errors.Wrap(err, "failed to count events")
	}

	var uniquePubkeys, uniqueKinds, tagRows int
	err = database.QueryRow(`
		SELECT
			(SELECT COUNT(DISTINCT pubkey) FROM events),
			(SELECT COUNT(DISTINCT kind) FROM events),
			(SELECT COUNT(*) FROM tags)
	`).Scan(&uniquePubkeys, &uniqueKinds, &tagRows)
	if err != nil && err != sql.ErrNoRows {
		return errors.Wrap(err, "failed to query event stats")
	}

	fmt.Println("Event Store Statistics")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Database Path:   %s\n", path)
	fmt.Printf("Total Events:    %d\n", totalEvents)
	fmt.Printf("Unique Pubkeys:  %d\n", uniquePubkeys)
	fmt.Printf("Unique Kinds:    %d\n", uniqueKinds)
	fmt.Printf("Indexed Tags:    %d\n", tagRows)

	rows, err := database.Query(`
		SELECT kind, COUNT(*) FROM events GROUP BY kind ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return errors.Wrap(err, "failed to query kind breakdown")
	}
	defer rows.Close()

	fmt.Println("\nEvents by Kind")
	for rows.Next() {
		var kind, count int
		if err := rows.Scan(&kind, &count); err != nil {
			return errors.Wrap(err, "failed to scan kind row")
		}
		fmt.Printf("  kind %-6d %d\n", kind, count)
	}
	return rows.Err()
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, path, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, logger.Logger); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}

	fmt.Printf("Database at %s is up to date\n", path)
	return nil
}
