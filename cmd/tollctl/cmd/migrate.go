package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tollworks/tollsync/internal/config"
	"github.com/tollworks/tollsync/internal/storage/postgres"
)

var (
	migratePath  string
	migrateSteps int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := postgres.MigrateUp(cfg.Database.URL, migratePath); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := postgres.MigrateDown(cfg.Database.URL, migratePath, migrateSteps); err != nil {
			return err
		}
		fmt.Printf("rolled back %d migration(s)\n", migrateSteps)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)

	migrateCmd.PersistentFlags().StringVar(&migratePath, "path", "", "migrations directory (default: built-in path)")
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back")
}
