package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollworks/tollsync/internal/config"
	"github.com/tollworks/tollsync/internal/storage/postgres"
)

var reviewLimit int

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Inspect events flagged for manual review",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events whose plate matched no registered vehicle",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdle)
		if err != nil {
			return fmt.Errorf("database connect: %w", err)
		}
		defer pool.Close()

		store, err := postgres.NewStore(pool)
		if err != nil {
			return err
		}

		events, err := store.ListNeedingReview(ctx, reviewLimit)
		if err != nil {
			return fmt.Errorf("list review queue: %w", err)
		}

		if len(events) == 0 {
			fmt.Println("review queue is empty")
			return nil
		}

		fmt.Printf("%-28s %-16s %-10s %-4s %-22s %10s\n",
			"ID", "AGENCY", "PLATE", "ST", "TIMESTAMP", "AMOUNT")
		for _, e := range events {
			fmt.Printf("%-28s %-16s %-10s %-4s %-22s %10d\n",
				e.ID, e.AgencyID, e.Plate, e.PlateState,
				e.EventTimestamp.Format(time.RFC3339), e.RatedAmount)
		}
		fmt.Printf("\n%d event(s) awaiting review\n", len(events))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.AddCommand(reviewListCmd)
	reviewListCmd.Flags().IntVar(&reviewLimit, "limit", 50, "maximum events to list")
}
