package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollworks/tollsync/internal/agency"
	"github.com/tollworks/tollsync/internal/config"
	"github.com/tollworks/tollsync/internal/domain/toll"
	"github.com/tollworks/tollsync/internal/pipeline"
	"github.com/tollworks/tollsync/internal/storage/postgres"
)

var (
	syncDryRun  bool
	syncTimeout int
)

var syncCmd = &cobra.Command{
	Use:   "sync <agency-id>",
	Short: "Run one sync cycle against a single agency",
	Long: `Fetch, normalize, and reconcile one page of events from the named agency.

With --dry-run the fetched events are normalized and printed but nothing is
written: the store is untouched and the cursor does not advance.

Examples:
  tollctl sync golden-gate-bta
  tollctl sync fastrak --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "fetch and normalize without writing")
	syncCmd.Flags().IntVar(&syncTimeout, "timeout", 120, "overall timeout in seconds")
}

func runSync(parent context.Context, agencyID string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(parent, time.Duration(syncTimeout)*time.Second)
	defer cancel()

	agencyConfigs, err := agency.LoadConfigs(cfg.Agencies.Dir)
	if err != nil {
		return fmt.Errorf("load agency configs: %w", err)
	}
	registry, err := agency.NewRegistry(agencyConfigs, logger)
	if err != nil {
		return err
	}
	conn := registry.Get(agencyID)
	if conn == nil {
		return fmt.Errorf("unknown or disabled agency %q", agencyID)
	}

	agencyCfg := conn.Config()
	normalizer, err := toll.NewNormalizer(agencyCfg.Protocol, toll.NormalizerDefaults{
		Currency: agencyCfg.DefaultCurrency,
	})
	if err != nil {
		return err
	}

	pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdle)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer pool.Close()

	store, err := postgres.NewStore(pool)
	if err != nil {
		return err
	}

	if syncDryRun {
		return dryRun(ctx, conn, normalizer, store)
	}

	quarantine, err := postgres.NewQuarantine(pool)
	if err != nil {
		return err
	}
	vehicles, err := postgres.NewVehicleRegistry(pool)
	if err != nil {
		return err
	}

	matching := toll.DefaultMatchingConfig()
	if cfg.Matching.Window > 0 {
		matching.Window = cfg.Matching.Window
	}
	reconciler := toll.NewReconciler(store, vehicles, agencyCfg.EffectiveMatching(matching), logger)
	worker := pipeline.NewWorker(conn, normalizer, reconciler, store, quarantine,
		agencyCfg.PollInterval(), cfg.Jobs.RetryReconciliation, logger)

	stats, err := worker.SyncOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync %s: %w", agencyID, err)
	}

	fmt.Printf("fetched=%d created=%d merged=%d quarantined=%d\n",
		stats.Fetched, stats.Created, stats.Merged, stats.Quarantined)
	return nil
}

// dryRun fetches one page and normalizes it without touching the store.
func dryRun(ctx context.Context, conn *agency.Connector, normalizer toll.Normalizer, store toll.Store) error {
	cursor, err := store.GetCursor(ctx, conn.AgencyID())
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	result, err := conn.FetchEvents(ctx, cursor)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	normalized, malformed := 0, 0
	for _, raw := range result.Events {
		event, err := normalizer.Normalize(raw)
		if err != nil {
			malformed++
			fmt.Printf("MALFORMED  %s: %v\n", raw.ExternalEventID, err)
			continue
		}
		normalized++
		fmt.Printf("%-24s %-10s %-4s %s  %d %s\n",
			event.ExternalEventID, event.Plate, event.PlateState,
			event.EventTimestamp.Format(time.RFC3339), event.RatedAmount, event.Currency)
	}

	fmt.Printf("\ndry run: fetched=%d normalized=%d malformed=%d next_cursor=%q (not advanced)\n",
		len(result.Events), normalized, malformed, result.NextCursor)
	return nil
}
