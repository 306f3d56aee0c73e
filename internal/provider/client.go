// Package provider implements the HTTP client for the external fitness
// provider: activity listing, targeted activity fetch, and token refresh.
// It performs no persistence.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"example.com/trainsync/internal/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	// maxPages bounds internal pagination so one athlete cannot exhaust the
	// provider quota for the whole batch.
	maxPages = 10
)

// Config carries provider endpoints and OAuth client credentials.
type Config struct {
	Name         string
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	PageSize     int
}

// RawActivity is the provider's wire representation of one completed workout.
type RawActivity struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	SportType        string    `json:"sport_type"`
	StartDate        time.Time `json:"start_date"`
	ElapsedSec       int       `json:"elapsed_time"`
	DistanceM        float64   `json:"distance"`
	AverageSpeed     float64   `json:"average_speed"`
	AverageHeartRate float64   `json:"average_heartrate"`
	AverageWatts     float64   `json:"average_watts"`
}

// ExternalID renders the provider id as the string idempotency-key component.
func (a RawActivity) ExternalID() string {
	return strconv.FormatInt(a.ID, 10)
}

// MetricsPayload extracts the free-form metrics the pipeline stores verbatim.
func (a RawActivity) MetricsPayload() map[string]float64 {
	out := make(map[string]float64)
	if a.AverageSpeed > 0 {
		out["average_speed"] = a.AverageSpeed
	}
	if a.AverageHeartRate > 0 {
		out["average_heartrate"] = a.AverageHeartRate
	}
	if a.AverageWatts > 0 {
		out["average_watts"] = a.AverageWatts
	}
	return out
}

// Option configures optional behaviour for the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger overrides the logger used to report provider call failures.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to the provider's REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient constructs a Client with the provided configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.PageSize > maxPageSize {
		cfg.PageSize = maxPageSize
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.New(log.Writer(), "[provider] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListActivities fetches all activities started after since, paginating
// internally at the configured page size. A provider 429 is classified as
// domain.ErrRateLimited; any malformed body as domain.ErrProviderResponse.
func (c *Client) ListActivities(ctx context.Context, accessToken string, since time.Time) ([]RawActivity, error) {
	all := make([]RawActivity, 0, c.cfg.PageSize)

	for page := 1; page <= maxPages; page++ {
		endpoint := fmt.Sprintf("%s/athlete/activities?after=%d&page=%d&per_page=%d",
			c.cfg.BaseURL, since.Unix(), page, c.cfg.PageSize)

		var batch []RawActivity
		if err := c.getJSON(ctx, accessToken, endpoint, &batch); err != nil {
			return nil, err
		}

		all = append(all, batch...)
		if len(batch) < c.cfg.PageSize {
			break
		}
	}

	return all, nil
}

// GetActivity fetches a single activity by its provider id, used by the
// webhook path to avoid re-scanning a window for one event.
func (c *Client) GetActivity(ctx context.Context, accessToken, externalID string) (*RawActivity, error) {
	endpoint := fmt.Sprintf("%s/activities/%s", c.cfg.BaseURL, url.PathEscape(externalID))

	var activity RawActivity
	if err := c.getJSON(ctx, accessToken, endpoint, &activity); err != nil {
		return nil, err
	}
	if activity.ID == 0 {
		return nil, fmt.Errorf("%w: activity %s missing id", domain.ErrProviderResponse, externalID)
	}
	return &activity, nil
}

func (c *Client) getJSON(ctx context.Context, accessToken, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status 429", domain.ErrRateLimited)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", domain.ErrProviderResponse, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderResponse, err)
	}
	return nil
}
