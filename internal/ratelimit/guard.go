// Package ratelimit implements the per-connection fixed-window limiter
// applied to inbound real-time events.
//
// Each connection gets a window that opens on its first event and counts
// every event until it expires. An event arriving after expiry opens a new
// window; there is no per-connection timer. A background sweep drops
// windows of connections that have gone quiet.
//
// Bursts of up to twice the ceiling can pass around a window boundary.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/reimonlp/greenhouse/internal/metrics"
)

// Defaults match the reference deployment.
const (
	DefaultMaxEvents     = 120
	DefaultWindow        = time.Minute
	DefaultSweepInterval = 2 * time.Minute
)

// ErrorCode is sent to a client whose event was rejected.
const ErrorCode = "RATE_LIMIT_EXCEEDED"

// Logger is the logging interface used by the guard.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Config configures a Guard.
type Config struct {
	MaxEvents     int
	Window        time.Duration
	SweepInterval time.Duration
	// Exempt lists events that are never counted.
	Exempt []string
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// Guard tracks one window per connection.
//
// Thread Safety: all methods are safe for concurrent use.
type Guard struct {
	cfg     Config
	exempt  map[string]struct{}
	metrics *metrics.Collectors
	logger  Logger
	now     func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// New creates a Guard. Zero config fields take the defaults.
func New(cfg Config, m *metrics.Collectors, logger Logger) *Guard {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = noopLogger{}
	}

	exempt := make(map[string]struct{}, len(cfg.Exempt))
	for _, e := range cfg.Exempt {
		exempt[e] = struct{}{}
	}

	return &Guard{
		cfg:     cfg,
		exempt:  exempt,
		metrics: m,
		logger:  logger,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow counts one event for connID and reports whether it may be processed.
func (g *Guard) Allow(connID, event string) Decision {
	if _, ok := g.exempt[event]; ok {
		return Decision{Allowed: true}
	}

	now := g.now()

	g.mu.Lock()
	w, ok := g.windows[connID]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(g.cfg.Window)}
		g.windows[connID] = w
	}
	w.count++
	count := w.count
	resetAt := w.resetAt
	g.mu.Unlock()

	if count <= g.cfg.MaxEvents {
		return Decision{Allowed: true, Count: count}
	}

	retry := resetAt.Sub(now)
	g.metrics.RateLimited(event)
	g.logger.Warn("rate limit exceeded",
		"conn_id", connID,
		"event", event,
		"count", count,
		"limit", g.cfg.MaxEvents,
		"retry_after", retry.Round(time.Second),
	)
	return Decision{Allowed: false, Count: count, RetryAfter: retry}
}

// Forget drops the window of a closed connection.
func (g *Guard) Forget(connID string) {
	g.mu.Lock()
	delete(g.windows, connID)
	g.mu.Unlock()
}

// Sweep removes windows that expired more than one window length ago and
// returns how many were removed.
func (g *Guard) Sweep() int {
	cutoff := g.now().Add(-g.cfg.Window)

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, w := range g.windows {
		if cutoff.After(w.resetAt) {
			delete(g.windows, id)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of connections with a live window.
func (g *Guard) Tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.windows)
}

// Limits returns the ceiling and window length.
func (g *Guard) Limits() (int, time.Duration) {
	return g.cfg.MaxEvents, g.cfg.Window
}

// Run sweeps periodically until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				g.logger.Info("rate limit windows swept", "removed", n, "tracked", g.Tracked())
			}
		}
	}
}
