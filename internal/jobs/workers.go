package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog"

	"github.com/tollworks/tollsync/internal/domain/toll"
	"github.com/tollworks/tollsync/internal/metrics"
	"github.com/tollworks/tollsync/internal/pipeline"
)

// AgencySyncArgs requests one immediate sync cycle for a single agency,
// outside its regular polling schedule.
type AgencySyncArgs struct {
	AgencyID string `json:"agency_id"`
}

func (AgencySyncArgs) Kind() string { return JobKindAgencySync }

func (AgencySyncArgs) InsertOpts() river.InsertOpts {
	opts := InsertOptsForKind(JobKindAgencySync)
	opts.Queue = QueueSync
	return opts
}

// SyncRunner runs a single fetch-normalize-reconcile cycle for one agency.
type SyncRunner interface {
	SyncOnce(ctx context.Context) (pipeline.SyncStats, error)
}

// AgencySyncWorker executes on-demand sync cycles queued by operators.
type AgencySyncWorker struct {
	river.WorkerDefaults[AgencySyncArgs]
	Runners map[string]SyncRunner
	Logger  zerolog.Logger
}

func (AgencySyncWorker) Kind() string { return JobKindAgencySync }

func (w AgencySyncWorker) Work(ctx context.Context, job *river.Job[AgencySyncArgs]) error {
	runner, ok := w.Runners[job.Args.AgencyID]
	if !ok {
		// Unknown or disabled agency; retrying will not help.
		return river.JobCancel(fmt.Errorf("no sync runner for agency %q", job.Args.AgencyID))
	}

	stats, err := runner.SyncOnce(ctx)
	if err != nil {
		return fmt.Errorf("sync agency %s: %w", job.Args.AgencyID, err)
	}

	w.Logger.Info().
		Str("agency_id", job.Args.AgencyID).
		Int("fetched", stats.Fetched).
		Int("created", stats.Created).
		Int("merged", stats.Merged).
		Msg("on-demand sync complete")
	return nil
}

// FinalizePendingArgs defines the periodic job that promotes aged pending
// events to posted.
type FinalizePendingArgs struct{}

func (FinalizePendingArgs) Kind() string { return JobKindFinalizePending }

// finalizeGrace is how long a pending event must sit past its toll timestamp
// before finalization. A late duplicate arriving inside this window still
// merges into the pending record instead of colliding with a posted one.
const finalizeGrace = 24 * time.Hour

const finalizeBatchSize = 200

// FinalizePendingWorker promotes pending events older than the grace window to
// posted.
type FinalizePendingWorker struct {
	river.WorkerDefaults[FinalizePendingArgs]
	Store     toll.Store
	Lifecycle *toll.LifecycleHandler
	Logger    zerolog.Logger
}

func (FinalizePendingWorker) Kind() string { return JobKindFinalizePending }

func (w FinalizePendingWorker) Work(ctx context.Context, job *river.Job[FinalizePendingArgs]) error {
	if w.Store == nil || w.Lifecycle == nil {
		return fmt.Errorf("finalize worker not configured")
	}

	cutoff := time.Now().UTC().Add(-finalizeGrace)
	pending, err := w.Store.ListPendingBefore(ctx, cutoff, finalizeBatchSize)
	if err != nil {
		return fmt.Errorf("list pending events: %w", err)
	}

	finalized := 0
	for i := range pending {
		if _, err := w.Lifecycle.Finalize(ctx, pending[i].ID); err != nil {
			// A concurrent merge bumped the version or the event already
			// moved on. Skip it; the next run picks up stragglers.
			w.Logger.Warn().
				Err(err).
				Str("event_id", pending[i].ID).
				Msg("finalization skipped")
			continue
		}
		finalized++
		metrics.EventsFinalized.Inc()
	}

	w.Logger.Info().
		Int("candidates", len(pending)).
		Int("finalized", finalized).
		Msg("finalize pending run complete")
	return nil
}

// QuarantineCleanupArgs defines the periodic job that prunes old quarantined
// payloads.
type QuarantineCleanupArgs struct{}

func (QuarantineCleanupArgs) Kind() string { return JobKindQuarantineCleanup }

const quarantineRetention = 30 * 24 * time.Hour

// QuarantineStore is the cleanup contract of the quarantine table.
type QuarantineStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// QuarantineCleanupWorker removes quarantined payloads past the retention
// window.
type QuarantineCleanupWorker struct {
	river.WorkerDefaults[QuarantineCleanupArgs]
	Quarantine QuarantineStore
	Logger     zerolog.Logger
}

func (QuarantineCleanupWorker) Kind() string { return JobKindQuarantineCleanup }

func (w QuarantineCleanupWorker) Work(ctx context.Context, job *river.Job[QuarantineCleanupArgs]) error {
	if w.Quarantine == nil {
		return fmt.Errorf("quarantine store not configured")
	}

	cutoff := time.Now().UTC().Add(-quarantineRetention)
	deleted, err := w.Quarantine.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("quarantine cleanup: %w", err)
	}

	w.Logger.Info().
		Int64("deleted", deleted).
		Time("cutoff", cutoff).
		Msg("quarantine cleanup complete")
	return nil
}

// DisputeResolutionArgs settles a filed dispute asynchronously.
type DisputeResolutionArgs struct {
	EventID string `json:"event_id"`
	Upheld  bool   `json:"upheld"`
}

func (DisputeResolutionArgs) Kind() string { return JobKindDisputeResolution }

// DisputeResolutionWorker applies a dispute outcome to a disputed event.
type DisputeResolutionWorker struct {
	river.WorkerDefaults[DisputeResolutionArgs]
	Lifecycle *toll.LifecycleHandler
	Logger    zerolog.Logger
}

func (DisputeResolutionWorker) Kind() string { return JobKindDisputeResolution }

func (w DisputeResolutionWorker) Work(ctx context.Context, job *river.Job[DisputeResolutionArgs]) error {
	if w.Lifecycle == nil {
		return fmt.Errorf("dispute worker not configured")
	}
	if job.Args.EventID == "" {
		return fmt.Errorf("dispute resolution job missing event id")
	}

	event, err := w.Lifecycle.ResolveDispute(ctx, job.Args.EventID, job.Args.Upheld)
	if err != nil {
		var invalid *toll.InvalidTransitionError
		if errors.As(err, &invalid) {
			// The event is no longer disputed; a retry cannot succeed.
			w.Logger.Warn().
				Str("event_id", job.Args.EventID).
				Str("from", string(invalid.From)).
				Msg("dispute resolution dropped, event not disputed")
			return river.JobCancel(err)
		}
		return fmt.Errorf("resolve dispute for %s: %w", job.Args.EventID, err)
	}

	w.Logger.Info().
		Str("event_id", event.ID).
		Bool("upheld", job.Args.Upheld).
		Str("status", string(event.Status)).
		Msg("dispute resolved")
	return nil
}

// WorkerDeps carries the collaborators every registered worker needs.
type WorkerDeps struct {
	Store      toll.Store
	Lifecycle  *toll.LifecycleHandler
	Quarantine QuarantineStore
	Runners    map[string]SyncRunner
	Logger     zerolog.Logger
}

// RegisterWorkers wires every worker onto a River workers registry.
func RegisterWorkers(workers *river.Workers, deps WorkerDeps) error {
	if err := river.AddWorkerSafely(workers, AgencySyncWorker{
		Runners: deps.Runners,
		Logger:  deps.Logger,
	}); err != nil {
		return fmt.Errorf("register agency sync worker: %w", err)
	}
	if err := river.AddWorkerSafely(workers, FinalizePendingWorker{
		Store:     deps.Store,
		Lifecycle: deps.Lifecycle,
		Logger:    deps.Logger,
	}); err != nil {
		return fmt.Errorf("register finalize worker: %w", err)
	}
	if err := river.AddWorkerSafely(workers, QuarantineCleanupWorker{
		Quarantine: deps.Quarantine,
		Logger:     deps.Logger,
	}); err != nil {
		return fmt.Errorf("register quarantine cleanup worker: %w", err)
	}
	if err := river.AddWorkerSafely(workers, DisputeResolutionWorker{
		Lifecycle: deps.Lifecycle,
		Logger:    deps.Logger,
	}); err != nil {
		return fmt.Errorf("register dispute resolution worker: %w", err)
	}
	return nil
}
