package toll

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("toll event not found")

// ErrStoreConflict indicates the store rejected a conditional write because
// the row changed since it was read. Reconciliation is a pure function of
// store state plus the incoming event, so callers retry from the original
// normalized event.
var ErrStoreConflict = errors.New("toll event version conflict")

// ErrVehicleNotFound is returned by the vehicle registry when a plate matches
// no registered vehicle. The event is kept and flagged for manual review
// rather than discarded.
var ErrVehicleNotFound = errors.New("vehicle not found")

// NormalizationError carries the offending raw payload so the caller can
// route it to the quarantine sink. It never halts the stream.
type NormalizationError struct {
	AgencyID string
	Field    string
	Reason   string
	Payload  json.RawMessage
}

func (e *NormalizationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("normalize event from %s: %s: %s", e.AgencyID, e.Field, e.Reason)
	}
	return fmt.Sprintf("normalize event from %s: %s", e.AgencyID, e.Reason)
}

// InvalidTransitionError is returned when a lifecycle transition is requested
// against an event not currently in the expected source state. The transition
// is rejected, never silently coerced.
type InvalidTransitionError struct {
	EventID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for event %s: %s -> %s", e.EventID, e.From, e.To)
}
