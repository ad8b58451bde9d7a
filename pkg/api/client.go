// Package api is the client for the tracker backend REST endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/benmeehan/udp-tracker/internal/metrics"
	"github.com/benmeehan/udp-tracker/internal/models"
)

const (
	pathLatest    = "/api/locations/latest"
	pathLocations = "/api/locations"
	pathRange     = "/api/locations/range"
	pathStats     = "/api/locations/stats"
	pathHealth    = "/health"

	maxBodyBytes = 8 << 20
)

var (
	// ErrRequestFailed is returned when the backend answers with success=false.
	ErrRequestFailed = errors.New("api: request failed")
	// ErrIncompatibleServer is returned by CheckHealth when the backend is older than required.
	ErrIncompatibleServer = errors.New("api: incompatible server version")
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s (status %d)", e.Message, e.StatusCode)
}

type envelope struct {
	Success    bool            `json:"success"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data"`
	Pagination *Pagination     `json:"pagination,omitempty"`
	Count      int             `json:"count,omitempty"`
}

// Pagination mirrors the backend paging block.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// LocationsPage is one page of GET /api/locations.
type LocationsPage struct {
	Locations  []models.RawLocation
	Pagination Pagination
}

// RangeResult is the answer of GET /api/locations/range.
type RangeResult struct {
	Locations []models.RawLocation
	Count     int
}

// Health is the answer of GET /health.
type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	IsHealthy bool   `json:"-"`
}

// Client talks to the backend through a circuit breaker.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	minVersion *semver.Version
	logger     zerolog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMinServerVersion makes CheckHealth reject backends older than v.
func WithMinServerVersion(v *semver.Version) Option {
	return func(c *Client) { c.minVersion = v }
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid api base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported api base url scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "tracker-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// The backend answering with a client error is not an outage.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})
	return c, nil
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// GetLatest returns the most recent location, or nil when the backend has none.
func (c *Client) GetLatest(ctx context.Context) (*models.RawLocation, error) {
	env, err := c.get(ctx, "latest", pathLatest, nil)
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, nil
	}
	var loc models.RawLocation
	if err := json.Unmarshal(env.Data, &loc); err != nil {
		return nil, fmt.Errorf("decoding latest location: %w", err)
	}
	return &loc, nil
}

// GetLocations returns one page of locations, newest first.
func (c *Client) GetLocations(ctx context.Context, limit, offset int) (LocationsPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	env, err := c.get(ctx, "locations", pathLocations, q)
	if err != nil {
		return LocationsPage{}, err
	}
	page := LocationsPage{}
	if err := decodeList(env.Data, &page.Locations); err != nil {
		return LocationsPage{}, err
	}
	if env.Pagination != nil {
		page.Pagination = *env.Pagination
	}
	return page, nil
}

// GetRange returns the locations with device timestamps in [start, end].
func (c *Client) GetRange(ctx context.Context, start, end int64) (RangeResult, error) {
	q := url.Values{}
	q.Set("startTime", strconv.FormatInt(start, 10))
	q.Set("endTime", strconv.FormatInt(end, 10))

	env, err := c.get(ctx, "range", pathRange, q)
	if err != nil {
		return RangeResult{}, err
	}
	res := RangeResult{Count: env.Count}
	if err := decodeList(env.Data, &res.Locations); err != nil {
		return RangeResult{}, err
	}
	return res, nil
}

// GetStats returns the backend statistics document.
func (c *Client) GetStats(ctx context.Context) (models.Stats, error) {
	env, err := c.get(ctx, "stats", pathStats, nil)
	if err != nil {
		return nil, err
	}
	stats := models.Stats{}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &stats); err != nil {
			return nil, fmt.Errorf("decoding stats: %w", err)
		}
	}
	return stats, nil
}

// CheckHealth queries /health. A transport failure is returned as an error;
// an unhealthy but reachable backend is reported through IsHealthy.
func (c *Client) CheckHealth(ctx context.Context) (Health, error) {
	body, err := c.fetch(ctx, "health", pathHealth, nil)
	if err != nil {
		return Health{}, err
	}

	var h Health
	if err := json.Unmarshal(body, &h); err != nil {
		return Health{}, fmt.Errorf("decoding health: %w", err)
	}
	h.IsHealthy = h.Status == "OK"

	if c.minVersion != nil && h.Version != "" {
		v, err := semver.NewVersion(h.Version)
		if err != nil {
			return h, fmt.Errorf("parsing server version %q: %w", h.Version, err)
		}
		if v.LessThan(c.minVersion) {
			h.IsHealthy = false
			return h, fmt.Errorf("%w: server %s, required >= %s", ErrIncompatibleServer, v, c.minVersion)
		}
	}
	return h, nil
}

func (c *Client) get(ctx context.Context, endpoint, path string, q url.Values) (envelope, error) {
	body, err := c.fetch(ctx, endpoint, path, q)
	if err != nil {
		return envelope{}, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = endpoint
		}
		return envelope{}, fmt.Errorf("%w: %s", ErrRequestFailed, msg)
	}
	return env, nil
}

func (c *Client) fetch(ctx context.Context, endpoint, path string, q url.Values) ([]byte, error) {
	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, path, q)
	})
	metrics.RecordAPIRequest(endpoint, time.Since(start), err)

	if err != nil {
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("API request failed")
		return nil, err
	}
	c.logger.Debug().Str("endpoint", endpoint).Dur("duration", time.Since(start)).Msg("API request completed")
	return body, nil
}

func (c *Client) do(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

func statusError(code int, body []byte) *StatusError {
	switch code {
	case http.StatusNotFound:
		return &StatusError{StatusCode: code, Message: "resource not found"}
	case http.StatusInternalServerError:
		return &StatusError{StatusCode: code, Message: "internal server error"}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Message != "" {
		return &StatusError{StatusCode: code, Message: env.Message}
	}
	return &StatusError{StatusCode: code, Message: strings.ToLower(http.StatusText(code))}
}

func decodeList(data json.RawMessage, out *[]models.RawLocation) error {
	if len(data) == 0 || string(data) == "null" {
		*out = []models.RawLocation{}
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding locations: %w", err)
	}
	return nil
}
