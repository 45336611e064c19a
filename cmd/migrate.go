package cmd

import (
	"github.com/AndreyAD1/telemetry-adapter/internal/database"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Creates or updates the submissions ledger table. Run it once before
starting workers and after every upgrade.`,
	RunE: runMigration,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigration(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info().Msg("Connecting to database")
	db, err := database.Connect(cfg.DB, cfg.Debug, nil)
	if err != nil {
		return err
	}
	defer database.Close(db)

	log.Info().Msg("Running database migrations")
	if err := database.Migrate(db); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}

	log.Info().Msg("Database migrations completed successfully")
	return nil
}
