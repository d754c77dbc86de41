package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tollworks/tollsync/internal/agency"
	"github.com/tollworks/tollsync/internal/config"
	"github.com/tollworks/tollsync/internal/domain/toll"
	"github.com/tollworks/tollsync/internal/jobs"
	"github.com/tollworks/tollsync/internal/metrics"
	"github.com/tollworks/tollsync/internal/pipeline"
	"github.com/tollworks/tollsync/internal/storage/postgres"
	"github.com/tollworks/tollsync/internal/telemetry"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
)

const serviceVersion = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Logging)
	logger.Info().Str("version", serviceVersion).Msg("starting tollsync server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, serviceVersion)
	if err != nil {
		logger.Error().Err(err).Msg("tracing init failed")
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	if err := postgres.MigrateUp(cfg.Database.URL, ""); err != nil {
		logger.Error().Err(err).Msg("migration failed")
		os.Exit(1)
	}

	pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdle)
	if err != nil {
		logger.Error().Err(err).Msg("database connect failed")
		os.Exit(1)
	}
	defer pool.Close()

	if err := run(ctx, cfg, pool, logger); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
	store, err := postgres.NewStore(pool)
	if err != nil {
		return err
	}
	quarantine, err := postgres.NewQuarantine(pool)
	if err != nil {
		return err
	}
	vehicles, err := postgres.NewVehicleRegistry(pool)
	if err != nil {
		return err
	}

	agencyConfigs, err := agency.LoadConfigs(cfg.Agencies.Dir)
	if err != nil {
		return fmt.Errorf("load agency configs: %w", err)
	}
	registry, err := agency.NewRegistry(agencyConfigs, logger)
	if err != nil {
		return fmt.Errorf("build agency registry: %w", err)
	}

	lifecycle := toll.NewLifecycleHandler(store, logger)

	workers, runners, err := buildWorkers(registry, store, vehicles, quarantine, cfg, logger)
	if err != nil {
		return err
	}

	riverClient, err := startJobClient(ctx, pool, cfg, store, lifecycle, quarantine, runners, logger)
	if err != nil {
		return fmt.Errorf("start job client: %w", err)
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *pipeline.Worker) {
			defer wg.Done()
			w.Run(workerCtx)
		}(w)
	}
	logger.Info().Int("agencies", len(workers)).Msg("pipeline workers started")

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           newHandler(pool),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error().Err(err).Msg("http server error")
	}

	logger.Info().Msg("shutting down")
	cancelWorkers()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if riverClient != nil {
		if err := riverClient.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("job client stop error")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	return nil
}

func buildWorkers(
	registry *agency.Registry,
	store toll.Store,
	vehicles toll.VehicleRegistry,
	quarantine toll.QuarantineSink,
	cfg config.Config,
	logger zerolog.Logger,
) ([]*pipeline.Worker, map[string]jobs.SyncRunner, error) {
	var workers []*pipeline.Worker
	runners := make(map[string]jobs.SyncRunner)
	base := matchingConfig(cfg)

	for _, conn := range registry.All() {
		agencyCfg := conn.Config()
		normalizer, err := toll.NewNormalizer(agencyCfg.Protocol, toll.NormalizerDefaults{
			Currency: agencyCfg.DefaultCurrency,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("agency %s: %w", agencyCfg.ID, err)
		}

		// Agencies differ in reporting latency, so each worker reconciles
		// with the agency's own matching overrides on top of the process
		// defaults.
		reconciler := toll.NewReconciler(store, vehicles, agencyCfg.EffectiveMatching(base), logger)
		w := pipeline.NewWorker(conn, normalizer, reconciler, store, quarantine,
			agencyCfg.PollInterval(), cfg.Jobs.RetryReconciliation, logger)
		workers = append(workers, w)
		runners[agencyCfg.ID] = w
	}
	return workers, runners, nil
}

func startJobClient(
	ctx context.Context,
	pool *pgxpool.Pool,
	cfg config.Config,
	store toll.Store,
	lifecycle *toll.LifecycleHandler,
	quarantine jobs.QuarantineStore,
	runners map[string]jobs.SyncRunner,
	logger zerolog.Logger,
) (*river.Client[pgx.Tx], error) {
	riverWorkers := river.NewWorkers()
	if err := jobs.RegisterWorkers(riverWorkers, jobs.WorkerDeps{
		Store:      store,
		Lifecycle:  lifecycle,
		Quarantine: quarantine,
		Runners:    runners,
		Logger:     logger,
	}); err != nil {
		return nil, err
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	periodic := jobs.NewPeriodicJobs(cfg.Jobs.FinalizeInterval, cfg.Jobs.CleanupInterval)

	client, err := jobs.NewClient(pool, riverWorkers, slogger, periodic)
	if err != nil {
		return nil, err
	}
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func newHandler(pool *pgxpool.Pool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func matchingConfig(cfg config.Config) toll.MatchingConfig {
	mc := toll.DefaultMatchingConfig()
	if cfg.Matching.Window > 0 {
		mc.Window = cfg.Matching.Window
	}
	if len(cfg.Matching.TrustPrecedence) > 0 {
		precedence := make(toll.TrustPrecedence, 0, len(cfg.Matching.TrustPrecedence))
		for _, s := range cfg.Matching.TrustPrecedence {
			precedence = append(precedence, toll.Source(s))
		}
		mc.Precedence = precedence
	}
	return mc
}
