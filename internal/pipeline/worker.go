// Package pipeline runs one worker per agency through the
// connector → normalizer → matcher chain. Workers share no mutable state
// except the reconciliation store; ordering is FIFO within an agency and
// unordered across agencies.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tollworks/tollsync/internal/agency"
	"github.com/tollworks/tollsync/internal/domain/toll"
	"github.com/tollworks/tollsync/internal/metrics"
	"github.com/tollworks/tollsync/internal/telemetry"
)

// Fetcher is the connector surface the worker needs; satisfied by
// *agency.Connector and by fakes in tests.
type Fetcher interface {
	AgencyID() string
	FetchEvents(ctx context.Context, sinceCursor string) (agency.FetchResult, error)
	BreakerState() agency.BreakerState
}

// SyncStats summarizes one sync cycle.
type SyncStats struct {
	Fetched     int
	Created     int
	Merged      int
	Quarantined int
}

// Worker drives the pipeline for a single agency. Within the worker
// processing is single-threaded to preserve the agency's delivery order.
type Worker struct {
	fetcher    Fetcher
	normalizer toll.Normalizer
	reconciler *toll.Reconciler
	store      toll.Store
	quarantine toll.QuarantineSink
	logger     zerolog.Logger

	pollInterval     time.Duration
	backoffInterval  time.Duration
	reconcileRetries int
}

func NewWorker(
	fetcher Fetcher,
	normalizer toll.Normalizer,
	reconciler *toll.Reconciler,
	store toll.Store,
	quarantine toll.QuarantineSink,
	pollInterval time.Duration,
	reconcileRetries int,
	logger zerolog.Logger,
) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	if reconcileRetries <= 0 {
		reconcileRetries = 3
	}
	return &Worker{
		fetcher:          fetcher,
		normalizer:       normalizer,
		reconciler:       reconciler,
		store:            store,
		quarantine:       quarantine,
		logger:           logger.With().Str("agency_id", fetcher.AgencyID()).Logger(),
		pollInterval:     pollInterval,
		backoffInterval:  10 * time.Second,
		reconcileRetries: reconcileRetries,
	}
}

// Run polls until ctx is cancelled. Backpressure signals (local rate limit,
// open breaker) shorten the wait instead of alerting; real failures are
// logged and counted. An in-flight cycle finishes or aborts before exit and
// never advances the cursor past un-committed events.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("pipeline worker started")

	for {
		wait := w.pollInterval

		stats, err := w.SyncOnce(ctx)
		switch {
		case err == nil:
			if stats.Fetched > 0 {
				w.logger.Info().
					Int("fetched", stats.Fetched).
					Int("created", stats.Created).
					Int("merged", stats.Merged).
					Int("quarantined", stats.Quarantined).
					Msg("sync cycle complete")
			}
		case errors.Is(err, agency.ErrRateLimited), errors.Is(err, agency.ErrCircuitOpen):
			// Expected backpressure: reschedule sooner than the poll
			// interval, do not alert.
			wait = w.backoffInterval
			w.logger.Debug().Err(err).Msg("sync rescheduled")
		case errors.Is(err, context.Canceled):
			w.logger.Info().Msg("pipeline worker stopped")
			return
		default:
			metrics.SyncFailures.WithLabelValues(w.fetcher.AgencyID(), failureReason(err)).Inc()
			w.logger.Error().Err(err).Msg("sync cycle failed")
		}

		metrics.BreakerState.WithLabelValues(w.fetcher.AgencyID()).Set(breakerGaugeValue(w.fetcher.BreakerState()))

		select {
		case <-ctx.Done():
			w.logger.Info().Msg("pipeline worker stopped")
			return
		case <-time.After(wait):
		}
	}
}

// SyncOnce runs a single fetch/normalize/reconcile cycle. The cursor is
// advanced only after every fetched event has been reconciled or
// quarantined, so a crash mid-cycle re-delivers on the next run
// (at-least-once, never at-most-zero).
func (w *Worker) SyncOnce(ctx context.Context) (SyncStats, error) {
	agencyID := w.fetcher.AgencyID()

	tracer := telemetry.GetTracer("tollsync/pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.sync")
	span.SetAttributes(attribute.String("agency.id", agencyID))
	defer span.End()

	run := toll.SyncRun{
		ID:        uuid.NewString(),
		AgencyID:  agencyID,
		StartedAt: time.Now().UTC(),
	}

	stats, err := w.syncCycle(ctx, agencyID)

	switch {
	case errors.Is(err, agency.ErrRateLimited), errors.Is(err, agency.ErrCircuitOpen):
		// Backpressure, not a run worth bookkeeping.
		return stats, err
	case errors.Is(err, context.Canceled):
		return stats, err
	case err != nil:
		run.Error = err.Error()
	}

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.EventsFetched = stats.Fetched
	run.EventsCreated = stats.Created
	run.EventsMerged = stats.Merged
	run.EventsQuarantined = stats.Quarantined
	if rerr := w.store.RecordSyncRun(ctx, run); rerr != nil {
		// Bookkeeping is best-effort.
		w.logger.Warn().Err(rerr).Msg("failed to record sync run")
	}

	return stats, err
}

func (w *Worker) syncCycle(ctx context.Context, agencyID string) (SyncStats, error) {
	var stats SyncStats

	cursor, err := w.store.GetCursor(ctx, agencyID)
	if err != nil {
		return stats, fmt.Errorf("load cursor: %w", err)
	}

	fetchStart := time.Now()
	result, err := w.fetcher.FetchEvents(ctx, cursor)
	if err != nil {
		return stats, err
	}
	metrics.FetchDuration.WithLabelValues(agencyID).Observe(time.Since(fetchStart).Seconds())
	metrics.EventsFetched.WithLabelValues(agencyID).Add(float64(len(result.Events)))
	stats.Fetched = len(result.Events)

	for _, raw := range result.Events {
		if ctx.Err() != nil {
			// Shutdown mid-batch: leave the cursor so the next run
			// re-fetches everything in this page.
			return stats, ctx.Err()
		}

		normalized, err := w.normalizer.Normalize(raw)
		if err != nil {
			var nerr *toll.NormalizationError
			if errors.As(err, &nerr) {
				if qerr := w.quarantine.Record(ctx, nerr); qerr != nil {
					return stats, fmt.Errorf("quarantine event: %w", qerr)
				}
				metrics.EventsNormalized.WithLabelValues(agencyID, "quarantined").Inc()
				stats.Quarantined++
				continue
			}
			return stats, fmt.Errorf("normalize: %w", err)
		}
		metrics.EventsNormalized.WithLabelValues(agencyID, "ok").Inc()

		outcome, err := w.reconcileWithRetry(ctx, normalized)
		if err != nil {
			metrics.EventsReconciled.WithLabelValues(agencyID, "failed").Inc()
			return stats, fmt.Errorf("reconcile event %s: %w", normalized.ExternalEventID, err)
		}
		if outcome.Created {
			metrics.EventsReconciled.WithLabelValues(agencyID, "created").Inc()
			stats.Created++
		} else {
			metrics.EventsReconciled.WithLabelValues(agencyID, "merged").Inc()
			stats.Merged++
		}
		if outcome.AmountDiscrepancy {
			metrics.AmountDiscrepancies.WithLabelValues(agencyID).Inc()
		}
	}

	// Every event in the page is durably handed off; the cursor may move.
	if result.NextCursor != cursor {
		if err := w.store.AdvanceCursor(ctx, agencyID, result.NextCursor); err != nil {
			return stats, fmt.Errorf("advance cursor: %w", err)
		}
	}

	return stats, nil
}

// reconcileWithRetry re-runs the deterministic reconcile after an optimistic
// concurrency conflict. The algorithm is a pure function of store state plus
// the event, so a retry converges.
func (w *Worker) reconcileWithRetry(ctx context.Context, event toll.NormalizedEvent) (*toll.ReconcileResult, error) {
	var lastErr error
	for attempt := 0; attempt <= w.reconcileRetries; attempt++ {
		outcome, err := w.reconciler.Reconcile(ctx, event)
		if err == nil {
			return outcome, nil
		}
		if !errors.Is(err, toll.ErrStoreConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, agency.ErrAuth):
		return "auth"
	case errors.Is(err, agency.ErrTimeout):
		return "timeout"
	case errors.Is(err, agency.ErrUpstream):
		return "upstream"
	case errors.Is(err, toll.ErrStoreConflict):
		return "store_conflict"
	default:
		return "other"
	}
}

func breakerGaugeValue(state agency.BreakerState) float64 {
	switch state {
	case agency.BreakerOpen:
		return 2
	case agency.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}
