package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollworks/tollsync/internal/config"
	"github.com/tollworks/tollsync/internal/domain/toll"
	"github.com/tollworks/tollsync/internal/storage/postgres"
)

var disputeUpheld bool

var disputeCmd = &cobra.Command{
	Use:   "dispute",
	Short: "File or resolve disputes on posted events",
}

var disputeFileCmd = &cobra.Command{
	Use:   "file <event-id>",
	Short: "Move a posted event to disputed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd.Context(), func(ctx context.Context, h *toll.LifecycleHandler) error {
			event, err := h.FileDispute(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("event %s is now %s\n", event.ID, event.Status)
			return nil
		})
	},
}

var disputeResolveCmd = &cobra.Command{
	Use:   "resolve <event-id>",
	Short: "Settle a dispute: --upheld voids the event, otherwise it returns to posted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd.Context(), func(ctx context.Context, h *toll.LifecycleHandler) error {
			event, err := h.ResolveDispute(ctx, args[0], disputeUpheld)
			if err != nil {
				return err
			}
			fmt.Printf("event %s is now %s\n", event.ID, event.Status)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(disputeCmd)
	disputeCmd.AddCommand(disputeFileCmd)
	disputeCmd.AddCommand(disputeResolveCmd)
	disputeResolveCmd.Flags().BoolVar(&disputeUpheld, "upheld", false, "uphold the dispute and void the toll")
}

func withLifecycle(parent context.Context, fn func(context.Context, *toll.LifecycleHandler) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
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
	return fn(ctx, toll.NewLifecycleHandler(store, logger))
}
