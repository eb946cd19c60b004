package brevo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mailtrail/internal/config"
	"mailtrail/internal/constants"
	"mailtrail/internal/events"
	"mailtrail/pkg/circuitbreaker"
	pkgerrors "mailtrail/pkg/errors"
	"mailtrail/pkg/metrics"
)

const (
	providerName  = "brevo"
	eventsPath    = "/smtp/statistics/events"
	dateLayout    = "2006-01-02"
	lookupLimit   = 10
	maxErrorBytes = 512
)

// Query identifies one bounce to look up.
type Query struct {
	MessageID  string
	BounceType string
	Date       time.Time
}

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	WindowDays int
	Breaker    *circuitbreaker.Config
}

func ConfigFrom(cfg config.EnrichmentConfig, cb config.CircuitBreakerConfig) Config {
	c := Config{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.RequestTimeout,
		WindowDays: cfg.WindowDays,
	}
	if cb.Enabled {
		breaker := circuitbreaker.FromConfig(providerName, cb)
		c.Breaker = &breaker
	}
	return c
}

// Client queries the Brevo transactional events API for bounce details.
type Client struct {
	baseURL    string
	apiKey     string
	windowDays int
	http       *http.Client
	cb         *circuitbreaker.Wrapper
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = constants.DefaultBrevoBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DefaultHTTPTimeout
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 1
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		windowDays: cfg.WindowDays,
		http:       &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.Breaker != nil {
		breaker := *cfg.Breaker
		breaker.IsSuccessful = isBreakerSuccess
		c.cb = circuitbreaker.NewWrapper(breaker)
	}
	return c
}

// BounceReason returns the provider's reason for the bounce. A 429 yields
// ErrRateLimited, 401/403 ErrUnauthorized, no matching event or an empty
// reason ErrNotFound. Network failures and 5xx are retryable.
func (c *Client) BounceReason(ctx context.Context, q Query) (string, error) {
	if c.cb == nil {
		return c.fetch(ctx, q)
	}

	return circuitbreaker.Do(ctx, c.cb, func(ctx context.Context) (string, error) {
		return c.fetch(ctx, q)
	})
}

func (c *Client) fetch(ctx context.Context, q Query) (string, error) {
	start := time.Now()
	reason, code, err := c.do(ctx, q)
	metrics.ObserveEnrichmentProviderDuration(providerName, time.Since(start))
	metrics.IncEnrichmentProviderRequest(providerName, code)
	return reason, err
}

func (c *Client) do(ctx context.Context, q Query) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+eventsPath+"?"+c.params(q).Encode(), nil)
	if err != nil {
		return "", "error", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", "canceled", ctx.Err()
		}
		return "", "error", pkgerrors.ErrServiceUnavailable.WithCause(err).AsRetryable()
	}
	defer resp.Body.Close()
	code := strconv.Itoa(resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", code, pkgerrors.ErrRateLimited.WithDetail("message_id", q.MessageID)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", code, pkgerrors.ErrUnauthorized.WithDetail("message", "brevo rejected the api key").AsFatal()
	case resp.StatusCode == http.StatusNotFound:
		return "", code, pkgerrors.ErrNotFound.WithDetail("message_id", q.MessageID)
	case resp.StatusCode >= http.StatusInternalServerError:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return "", code, pkgerrors.ErrServiceUnavailable.
			WithDetail("message", fmt.Sprintf("brevo returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))).
			AsRetryable()
	case resp.StatusCode < constants.HTTPStatusOKMin || resp.StatusCode >= constants.HTTPStatusOKMax:
		return "", code, pkgerrors.ErrInternal.
			WithDetail("message", fmt.Sprintf("brevo returned unexpected status %d", resp.StatusCode)).AsFatal()
	}

	var body eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", code, fmt.Errorf("failed to decode response: %w", err)
	}
	reason := body.firstReason()
	if reason == "" {
		return "", code, pkgerrors.ErrNotFound.WithDetail("message", "no bounce reason reported").
			WithDetail("message_id", q.MessageID)
	}
	return reason, code, nil
}

func (c *Client) params(q Query) url.Values {
	day := q.Date.UTC()
	window := time.Duration(c.windowDays) * 24 * time.Hour

	v := url.Values{}
	v.Set("event", bounceEvent(q.BounceType))
	v.Set("messageId", strings.Trim(strings.TrimSpace(q.MessageID), "<>"))
	v.Set("startDate", day.Add(-window).Format(dateLayout))
	v.Set("endDate", day.Add(window).Format(dateLayout))
	v.Set("limit", strconv.Itoa(lookupLimit))
	v.Set("sort", "desc")
	return v
}

func bounceEvent(bounceType string) string {
	if bounceType == events.BounceSoft {
		return "softBounces"
	}
	return "hardBounces"
}

type eventsResponse struct {
	Events []struct {
		Event  string `json:"event"`
		Reason string `json:"reason"`
		Error  string `json:"error"`
	} `json:"events"`
}

func (r eventsResponse) firstReason() string {
	if len(r.Events) == 0 {
		return ""
	}
	first := r.Events[0]
	if reason := strings.TrimSpace(first.Reason); reason != "" {
		return reason
	}
	return strings.TrimSpace(first.Error)
}

// Only dependency failures count against the breaker.
func isBreakerSuccess(err error) bool {
	return err == nil ||
		pkgerrors.IsNotFound(err) ||
		pkgerrors.IsRateLimited(err) ||
		pkgerrors.IsUnauthorized(err)
}
