package agency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/tollworks/tollsync/internal/domain/toll"
)

const (
	defaultRetryBase = 1 * time.Second
	defaultRetryMax  = 30 * time.Second
)

// FetchResult is one page of an agency's event stream plus the cursor to
// resume from. The caller commits the cursor only after the events are
// durably handed off (at-least-once).
type FetchResult struct {
	Events     []toll.RawEvent
	NextCursor string
}

// Connector fetches raw events from one agency. It owns that agency's rate
// bucket slot and circuit breaker; no state is shared with other agencies.
type Connector struct {
	cfg     Config
	auth    AuthStrategy
	limiter *LimiterRegistry
	breaker *Breaker
	client  *http.Client
	logger  zerolog.Logger

	retryBase time.Duration
	retryMax  time.Duration
}

func NewConnector(cfg Config, auth AuthStrategy, limiter *LimiterRegistry, breaker *Breaker, logger zerolog.Logger) *Connector {
	return &Connector{
		cfg:     cfg,
		auth:    auth,
		limiter: limiter,
		breaker: breaker,
		client: &http.Client{
			Timeout: cfg.Timeout(),
		},
		logger:    logger.With().Str("agency_id", cfg.ID).Logger(),
		retryBase: defaultRetryBase,
		retryMax:  defaultRetryMax,
	}
}

// AgencyID returns the agency this connector serves.
func (c *Connector) AgencyID() string { return c.cfg.ID }

// Config returns the connector's immutable configuration.
func (c *Connector) Config() Config { return c.cfg }

// BreakerState exposes the breaker state for metrics.
func (c *Connector) BreakerState() BreakerState { return c.breaker.State() }

// FetchEvents pulls the next page of raw events after sinceCursor.
//
// A missing rate token fails fast with ErrRateLimited; the caller reschedules
// rather than busy-waiting. Upstream and timeout failures retry with
// exponential backoff plus jitter up to the configured maximum — but never
// while the breaker is open, and auth failures are never retried blindly.
func (c *Connector) FetchEvents(ctx context.Context, sinceCursor string) (FetchResult, error) {
	if !c.limiter.TryAcquire(c.cfg.ID) {
		return FetchResult{}, ErrRateLimited
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.retryBase, c.retryMax, attempt)
			c.logger.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying agency fetch")
			select {
			case <-ctx.Done():
				return FetchResult{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.fetchOnce(ctx, sinceCursor)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Transient errors retry; everything else surfaces immediately.
		if !errors.Is(err, ErrUpstream) && !errors.Is(err, ErrTimeout) {
			return FetchResult{}, err
		}
	}
	return FetchResult{}, lastErr
}

func (c *Connector) fetchOnce(ctx context.Context, sinceCursor string) (FetchResult, error) {
	if err := c.breaker.Allow(); err != nil {
		return FetchResult{}, err
	}

	result, err := c.doRequest(ctx, sinceCursor)
	if err != nil {
		// Local auth strategy failures (token endpoint down) count against
		// the agency's health too; they are the same upstream.
		c.breaker.RecordFailure()
		return FetchResult{}, err
	}

	c.breaker.RecordSuccess()
	return result, nil
}

func (c *Connector) doRequest(ctx context.Context, sinceCursor string) (FetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	endpoint, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return FetchResult{}, fmt.Errorf("parse base url: %w", err)
	}
	endpoint = endpoint.JoinPath("events")
	query := endpoint.Query()
	if sinceCursor != "" {
		query.Set("cursor", sinceCursor)
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if err := c.auth.Apply(ctx, req); err != nil {
		return FetchResult{}, err
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return FetchResult{}, fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Millisecond))
		}
		return FetchResult{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return FetchResult{}, fmt.Errorf("%w: status %d: %s", ErrAuth, resp.StatusCode, bodySnippet(body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return FetchResult{}, fmt.Errorf("%w: agency returned 429: %s", ErrUpstream, bodySnippet(body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return FetchResult{}, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, bodySnippet(body))
	}

	return c.parseFeed(body, sinceCursor)
}

// feedEnvelope is the wire shape all supported agency protocols share: an
// event array plus an opaque resume cursor. Event payloads stay raw here;
// protocol-specific decoding belongs to the normalizer.
type feedEnvelope struct {
	Events     []feedItem `json:"events"`
	NextCursor string     `json:"next_cursor"`
}

type feedItem struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

func (c *Connector) parseFeed(body []byte, sinceCursor string) (FetchResult, error) {
	var envelope feedEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return FetchResult{}, fmt.Errorf("%w: parse feed: %v", ErrUpstream, err)
	}

	receivedAt := time.Now().UTC()
	events := make([]toll.RawEvent, 0, len(envelope.Events))
	for _, item := range envelope.Events {
		payload := item.Payload
		if len(payload) == 0 {
			continue
		}
		events = append(events, toll.RawEvent{
			AgencyID:        c.cfg.ID,
			ExternalEventID: item.ID,
			Source:          c.cfg.SourceChannel(),
			ReceivedAt:      receivedAt,
			Payload:         payload,
		})
	}

	nextCursor := envelope.NextCursor
	if nextCursor == "" {
		nextCursor = sinceCursor
	}
	return FetchResult{Events: events, NextCursor: nextCursor}, nil
}

// backoffDelay computes exponential backoff with full jitter for the given
// attempt (1-based).
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	return time.Duration(rand.Int63n(int64(delay))) + delay/2
}

// bodySnippet returns up to 200 characters of body as a string.
func bodySnippet(body []byte) string {
	if len(body) > 200 {
		return string(body[:200])
	}
	return string(body)
}
