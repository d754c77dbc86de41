package toll

import (
	"encoding/json"
	"time"
)

// Source identifies the channel a toll observation arrived through. The same
// physical crossing can be reported by more than one channel; trust
// precedence between channels decides conflicts.
type Source string

const (
	SourceAgencyFeed Source = "agency_feed"
	SourcePlatePay   Source = "plate_pay"
	SourceManual     Source = "manual"
)

// Status is the lifecycle state of a canonical toll event.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPosted   Status = "posted"
	StatusDisputed Status = "disputed"
	StatusVoided   Status = "voided"
)

// RawEvent is an agency payload plus provenance, exactly as the connector
// fetched it. It is immutable and consumed once by the normalizer.
type RawEvent struct {
	AgencyID        string
	ExternalEventID string
	Source          Source
	ReceivedAt      time.Time
	Payload         json.RawMessage
}

// NormalizedEvent is the canonical shape an agency payload takes after
// normalization. Identity resolution (user, vehicle) has not happened yet.
// All amounts are integer minor units of Currency.
type NormalizedEvent struct {
	AgencyID        string
	ExternalEventID string
	Plate           string
	PlateState      string
	EventTimestamp  time.Time
	GantryID        string
	Location        string
	VehicleClass    string
	RawAmount       int64
	RatedAmount     int64
	Fees            int64
	Currency        string
	EvidenceURI     string
	Source          Source
}

// TollEvent is the single canonical record for one real-world toll crossing.
//
// Invariants:
//   - at most one TollEvent per (AgencyID, ExternalEventID)
//   - at most one TollEvent per physical crossing; the first-arriving source
//     wins identity, later channels attach as provenance
type TollEvent struct {
	ID              string
	AgencyID        string
	ExternalEventID string
	UserID          *string
	VehicleID       *string
	Plate           string
	PlateState      string
	EventTimestamp  time.Time
	GantryID        string
	Location        string
	VehicleClass    string
	RawAmount       int64
	RatedAmount     int64
	Fees            int64
	Currency        string
	EvidenceURI     string
	Source          Source
	Status          Status
	NeedsReview     bool
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ProvenanceRecord attaches a corroborating observation to a canonical event.
// When Discrepancy is set, RatedAmount disagreed with the canonical record at
// merge time and the losing value is preserved here.
type ProvenanceRecord struct {
	ID              string
	EventID         string
	AgencyID        string
	ExternalEventID string
	Source          Source
	RatedAmount     int64
	Discrepancy     bool
	Payload         json.RawMessage
	RecordedAt      time.Time
}

// VehicleRef is the result of resolving a plate against the vehicle registry.
type VehicleRef struct {
	UserID    string
	VehicleID string
}

// SyncRun records one connector sync cycle for operational bookkeeping.
type SyncRun struct {
	ID                string
	AgencyID          string
	StartedAt         time.Time
	FinishedAt        *time.Time
	EventsFetched     int
	EventsCreated     int
	EventsMerged      int
	EventsQuarantined int
	Error             string
}
