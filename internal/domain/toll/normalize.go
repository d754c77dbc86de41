package toll

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Normalizer converts one agency's raw payload shape into the canonical
// NormalizedEvent. Mappings are pure functions with no I/O so each protocol
// can be tested exhaustively against fixture payloads.
type Normalizer interface {
	Normalize(raw RawEvent) (NormalizedEvent, error)
}

// NormalizerDefaults supplies agency-configured fallbacks applied when the
// payload omits a field.
type NormalizerDefaults struct {
	Currency string
}

// NewNormalizer returns the mapping for an agency protocol.
func NewNormalizer(protocol string, defaults NormalizerDefaults) (Normalizer, error) {
	if strings.TrimSpace(defaults.Currency) == "" {
		defaults.Currency = "USD"
	}
	switch protocol {
	case "agency_feed_v1":
		return &feedNormalizer{defaults: defaults}, nil
	case "plate_pay_v1":
		return &platePayNormalizer{defaults: defaults}, nil
	default:
		return nil, fmt.Errorf("unknown agency protocol %q", protocol)
	}
}

// feedPayload is an intermediate struct that tolerates the field variants
// agency feeds emit. Amounts may be integer minor units or decimal strings;
// timestamps may be RFC3339 strings or epoch numbers.
type feedPayload struct {
	ExternalEventID string          `json:"externalEventId"`
	EventID         string          `json:"event_id"`
	Plate           string          `json:"plate"`
	PlateState      string          `json:"plateState"`
	PlateStateSnake string          `json:"plate_state"`
	EventTimestamp  json.RawMessage `json:"eventTimestamp"`
	Timestamp       json.RawMessage `json:"timestamp"`
	GantryID        string          `json:"gantryId"`
	Location        string          `json:"location"`
	VehicleClass    string          `json:"vehicleClass"`
	RawAmount       json.RawMessage `json:"rawAmount"`
	RatedAmount     json.RawMessage `json:"ratedAmount"`
	Fees            json.RawMessage `json:"fees"`
	Currency        string          `json:"currency"`
	EvidenceURI     string          `json:"evidenceUri"`
}

type feedNormalizer struct {
	defaults NormalizerDefaults
}

func (n *feedNormalizer) Normalize(raw RawEvent) (NormalizedEvent, error) {
	var payload feedPayload
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return NormalizedEvent{}, &NormalizationError{
			AgencyID: raw.AgencyID,
			Reason:   fmt.Sprintf("unmarshal payload: %v", err),
			Payload:  raw.Payload,
		}
	}

	externalID := firstNonEmpty(payload.ExternalEventID, payload.EventID, raw.ExternalEventID)
	if externalID == "" {
		return NormalizedEvent{}, fieldError(raw, "externalEventId", "missing")
	}

	plate := strings.ToUpper(strings.TrimSpace(payload.Plate))
	if plate == "" {
		return NormalizedEvent{}, fieldError(raw, "plate", "missing")
	}
	plateState := strings.ToUpper(firstNonEmpty(payload.PlateState, payload.PlateStateSnake))

	ts, err := parseTimestamp(firstNonNull(payload.EventTimestamp, payload.Timestamp))
	if err != nil {
		return NormalizedEvent{}, fieldError(raw, "eventTimestamp", err.Error())
	}

	rawAmount, err := parseMinorUnits(payload.RawAmount)
	if err != nil {
		return NormalizedEvent{}, fieldError(raw, "rawAmount", err.Error())
	}

	ratedAmount := rawAmount
	if len(payload.RatedAmount) > 0 {
		ratedAmount, err = parseMinorUnits(payload.RatedAmount)
		if err != nil {
			return NormalizedEvent{}, fieldError(raw, "ratedAmount", err.Error())
		}
	}

	var fees int64
	if len(payload.Fees) > 0 {
		fees, err = parseMinorUnits(payload.Fees)
		if err != nil {
			return NormalizedEvent{}, fieldError(raw, "fees", err.Error())
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(payload.Currency))
	if currency == "" {
		currency = n.defaults.Currency
	}

	return NormalizedEvent{
		AgencyID:        raw.AgencyID,
		ExternalEventID: externalID,
		Plate:           plate,
		PlateState:      plateState,
		EventTimestamp:  ts,
		GantryID:        strings.TrimSpace(payload.GantryID),
		Location:        strings.TrimSpace(payload.Location),
		VehicleClass:    strings.TrimSpace(payload.VehicleClass),
		RawAmount:       rawAmount,
		RatedAmount:     ratedAmount,
		Fees:            fees,
		Currency:        currency,
		EvidenceURI:     strings.TrimSpace(payload.EvidenceURI),
		Source:          raw.Source,
	}, nil
}

// platePayPayload is the shape used by plate-based billing channels. The same
// crossing reported here carries a different external reference than the
// agency feed, so dedup happens downstream on plate + time window.
type platePayPayload struct {
	Reference    string          `json:"reference"`
	LicensePlate string          `json:"licensePlate"`
	Jurisdiction string          `json:"jurisdiction"`
	ObservedAt   json.RawMessage `json:"observed_at"`
	Plaza        string          `json:"plaza"`
	AmountDue    json.RawMessage `json:"amount_due"`
	Fees         json.RawMessage `json:"fees"`
	Currency     string          `json:"currency"`
	ImageURL     string          `json:"image_url"`
}

type platePayNormalizer struct {
	defaults NormalizerDefaults
}

func (n *platePayNormalizer) Normalize(raw RawEvent) (NormalizedEvent, error) {
	var payload platePayPayload
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return NormalizedEvent{}, &NormalizationError{
			AgencyID: raw.AgencyID,
			Reason:   fmt.Sprintf("unmarshal payload: %v", err),
			Payload:  raw.Payload,
		}
	}

	externalID := firstNonEmpty(payload.Reference, raw.ExternalEventID)
	if externalID == "" {
		return NormalizedEvent{}, fieldError(raw, "reference", "missing")
	}

	plate := strings.ToUpper(strings.TrimSpace(payload.LicensePlate))
	if plate == "" {
		return NormalizedEvent{}, fieldError(raw, "licensePlate", "missing")
	}

	ts, err := parseTimestamp(payload.ObservedAt)
	if err != nil {
		return NormalizedEvent{}, fieldError(raw, "observed_at", err.Error())
	}

	amount, err := parseMinorUnits(payload.AmountDue)
	if err != nil {
		return NormalizedEvent{}, fieldError(raw, "amount_due", err.Error())
	}

	var fees int64
	if len(payload.Fees) > 0 {
		fees, err = parseMinorUnits(payload.Fees)
		if err != nil {
			return NormalizedEvent{}, fieldError(raw, "fees", err.Error())
		}
	}

	currency := strings.ToUpper(strings.TrimSpace(payload.Currency))
	if currency == "" {
		currency = n.defaults.Currency
	}

	return NormalizedEvent{
		AgencyID:        raw.AgencyID,
		ExternalEventID: externalID,
		Plate:           plate,
		PlateState:      strings.ToUpper(strings.TrimSpace(payload.Jurisdiction)),
		EventTimestamp:  ts,
		Location:        strings.TrimSpace(payload.Plaza),
		RawAmount:       amount,
		RatedAmount:     amount,
		Fees:            fees,
		Currency:        currency,
		EvidenceURI:     strings.TrimSpace(payload.ImageURL),
		Source:          raw.Source,
	}, nil
}

func fieldError(raw RawEvent, field, reason string) *NormalizationError {
	return &NormalizationError{
		AgencyID: raw.AgencyID,
		Field:    field,
		Reason:   reason,
		Payload:  raw.Payload,
	}
}

// parseTimestamp accepts an RFC3339 string or an epoch number (seconds, or
// milliseconds when the value is implausibly large for seconds).
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return time.Time{}, fmt.Errorf("missing")
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(asString))
		if err != nil {
			return time.Time{}, fmt.Errorf("not RFC3339: %q", asString)
		}
		return parsed.UTC(), nil
	}

	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		// Epoch millis start being plausible around 1e12 (~2001 in ms).
		if asNumber > 1e12 {
			return time.UnixMilli(asNumber).UTC(), nil
		}
		return time.Unix(asNumber, 0).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unparseable timestamp %s", string(raw))
}

// parseMinorUnits converts a JSON amount into integer minor units. Accepted
// shapes: integer number (already minor units), integer string, or a decimal
// string like "5.00" (major units, at most two fraction digits). Arithmetic
// stays integer throughout; floats would drift across merges.
func parseMinorUnits(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing")
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return parseDecimalString(asString)
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.ContainsAny(trimmed, ".eE") {
		return 0, fmt.Errorf("non-integer amount %s", trimmed)
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric amount %s", trimmed)
	}
	return value, nil
}

func parseDecimalString(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(trimmed, "-") {
		negative = true
		trimmed = trimmed[1:]
	}

	whole, frac, hasFrac := strings.Cut(trimmed, ".")
	if !hasFrac {
		// Integer string: already minor units.
		minor, err := strconv.ParseInt(whole, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric amount %q", value)
		}
		if negative {
			minor = -minor
		}
		return minor, nil
	}

	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two fraction digits", value)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	major, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric amount %q", value)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric amount %q", value)
	}

	minor := major*100 + cents
	if negative {
		minor = -minor
	}
	return minor, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstNonNull(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		if len(v) > 0 && string(v) != "null" {
			return v
		}
	}
	return nil
}
