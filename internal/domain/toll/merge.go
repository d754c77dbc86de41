package toll

import "strings"

// TrustPrecedence is a deterministic total order over source channels. Lower
// index means more trusted. The default order is agency_feed > plate_pay >
// manual; agencies vary in reporting latency and quality, so this is
// configuration rather than a constant.
type TrustPrecedence []Source

// DefaultTrustPrecedence matches the order most agencies warrant.
func DefaultTrustPrecedence() TrustPrecedence {
	return TrustPrecedence{SourceAgencyFeed, SourcePlatePay, SourceManual}
}

// Rank returns the precedence index for a source; unknown sources rank last.
func (p TrustPrecedence) Rank(source Source) int {
	for i, s := range p {
		if s == source {
			return i
		}
	}
	return len(p)
}

// MoreTrusted reports whether a outranks b.
func (p TrustPrecedence) MoreTrusted(a, b Source) bool {
	return p.Rank(a) < p.Rank(b)
}

// MergeOutcome describes what changed when a corroborating observation was
// folded into an existing canonical event.
type MergeOutcome struct {
	Changed bool
	// AmountDiscrepancy is set when the two channels disagreed on
	// RatedAmount. The winning value is on the event; the losing value is
	// recorded as provenance, never silently dropped.
	AmountDiscrepancy bool
	LosingAmount      int64
}

// MergeObservation folds a normalized event from another channel into an
// existing canonical event, in place.
//
// Identity fields (plate, timestamp, agency/external IDs) never change: the
// first-arriving source won identity. Gap-filling applies to descriptive
// fields; amounts only move when the incoming source outranks the one the
// event currently carries.
func MergeObservation(existing *TollEvent, incoming NormalizedEvent, precedence TrustPrecedence) MergeOutcome {
	var outcome MergeOutcome

	incomingWins := precedence.MoreTrusted(incoming.Source, existing.Source)

	if mergeStringField(&existing.EvidenceURI, incoming.EvidenceURI, incomingWins) {
		outcome.Changed = true
	}
	if mergeStringField(&existing.GantryID, incoming.GantryID, incomingWins) {
		outcome.Changed = true
	}
	if mergeStringField(&existing.Location, incoming.Location, incomingWins) {
		outcome.Changed = true
	}
	if mergeStringField(&existing.VehicleClass, incoming.VehicleClass, incomingWins) {
		outcome.Changed = true
	}

	if incoming.RatedAmount != existing.RatedAmount {
		outcome.AmountDiscrepancy = true
		if incomingWins {
			outcome.LosingAmount = existing.RatedAmount
			existing.RatedAmount = incoming.RatedAmount
			existing.Fees = incoming.Fees
			existing.Currency = incoming.Currency
			outcome.Changed = true
		} else {
			outcome.LosingAmount = incoming.RatedAmount
		}
	}

	if incomingWins {
		existing.Source = incoming.Source
		outcome.Changed = true
	}

	return outcome
}

// mergeStringField fills a gap or overwrites when the incoming source
// outranks the existing one. Returns true if the field changed.
func mergeStringField(existing *string, incoming string, incomingWins bool) bool {
	trimmed := strings.TrimSpace(incoming)
	if trimmed == "" {
		return false
	}
	if strings.TrimSpace(*existing) == "" || incomingWins {
		if *existing == trimmed {
			return false
		}
		*existing = trimmed
		return true
	}
	return false
}
