// Package weather looks up outdoor conditions from the Open-Meteo API.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultBaseURL is the public Open-Meteo forecast endpoint.
const DefaultBaseURL = "https://api.open-meteo.com/v1/forecast"

// Config configures a Client.
type Config struct {
	City      string
	Latitude  float64
	Longitude float64
	BaseURL   string
	CacheTTL  time.Duration
	Timeout   time.Duration
}

// Client fetches current outdoor humidity and caches the result.
//
// Failures are cached for the same TTL as successes, so a down API is
// queried at most once per TTL. Concurrent refreshes share one request and
// the cache lock is never held while it is in flight.
type Client struct {
	cfg   Config
	http  *http.Client
	now   func() time.Time
	group singleflight.Group

	mu        sync.Mutex
	value     *float64
	err       error
	fetchedAt time.Time
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
	}
}

// City returns the configured city name.
func (c *Client) City() string {
	return c.cfg.City
}

// Humidity returns the current outdoor relative humidity in percent.
// A nil value with a nil error means the API did not report one.
//
// A caller whose ctx ends while a refresh is in flight returns ctx.Err();
// the refresh itself completes under the client timeout and fills the cache.
func (c *Client) Humidity(ctx context.Context) (*float64, error) {
	if v, ok, err := c.cached(); ok {
		return v, err
	}

	ch := c.group.DoChan("humidity", func() (any, error) {
		v, err := c.fetch(context.WithoutCancel(ctx))
		c.mu.Lock()
		c.value, c.err, c.fetchedAt = v, err, c.now()
		c.mu.Unlock()
		return v, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		v, _ := res.Val.(*float64)
		return v, res.Err
	}
}

// cached returns the stored result when it is younger than the TTL.
func (c *Client) cached() (*float64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.cfg.CacheTTL {
		return c.value, true, c.err
	}
	return nil, false, nil
}

type forecastResponse struct {
	Current struct {
		RelativeHumidity *float64 `json:"relative_humidity_2m"`
	} `json:"current"`
}

func (c *Client) fetch(ctx context.Context) (*float64, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing weather url: %w", err)
	}
	q := u.Query()
	q.Set("latitude", strconv.FormatFloat(c.cfg.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(c.cfg.Longitude, 'f', -1, 64))
	q.Set("current", "relative_humidity_2m")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building weather request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather api returned %s", resp.Status)
	}

	var body forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding weather response: %w", err)
	}
	return body.Current.RelativeHumidity, nil
}
