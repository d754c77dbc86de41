// Package internal documents the toll aggregation service internals.
//
// The internal tree is organized by responsibility:
// - agency: per-agency connectors, auth strategies, rate limiting, circuit breaking
// - domain/toll: canonical toll events, normalization, reconciliation, lifecycle
// - pipeline: the sync worker driving fetch -> normalize -> reconcile
// - storage: database access and repositories (pgx + Postgres)
// - jobs: background workers and queues
// - config, metrics, telemetry, ids: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
