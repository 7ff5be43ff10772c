package retention

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reimonlp/greenhouse/internal/infrastructure/config"
	"github.com/reimonlp/greenhouse/internal/infrastructure/database"
	"github.com/reimonlp/greenhouse/internal/metrics"
)

const (
	defaultDays          = 30
	defaultSweepInterval = 24 * time.Hour
	dayLayout            = "2006-01-02"
)

// table describes one pruned history table.
type table struct {
	name string
	// keepLatest protects the newest row per relay.
	keepLatest bool
}

var tables = []table{
	{name: "sensor_readings"},
	{name: "relay_states", keepLatest: true},
	{name: "system_logs"},
}

// latestRelayRows selects the id of each relay's current state record.
const latestRelayRows = `
	id NOT IN (
		SELECT (SELECT x.id FROM relay_states x
		         WHERE x.relay_id = r.relay_id
		         ORDER BY x.timestamp DESC, x.id DESC LIMIT 1)
		  FROM (SELECT DISTINCT relay_id FROM relay_states) r
	)`

// Logger is the logging interface used by the sweeper.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Result reports what one sweep did.
type Result struct {
	Cutoff   time.Time        `json:"cutoff"`
	Deleted  map[string]int64 `json:"deleted"`
	Archived []string         `json:"archived,omitempty"`
}

// Sweeper deletes history older than the retention window.
//
// The cutoff is aligned to UTC midnight, so every archived day is complete
// and written exactly once. Rows of a table are only deleted after its
// archive uploads succeed.
type Sweeper struct {
	db       *sql.DB
	days     int
	interval time.Duration
	archive  Archiver
	prefix   string
	metrics  *metrics.Collectors
	logger   Logger
	now      func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithArchiver uploads expired rows before they are deleted.
func WithArchiver(a Archiver, prefix string) Option {
	return func(s *Sweeper) {
		s.archive = a
		s.prefix = prefix
	}
}

// WithMetrics counts pruned rows.
func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a sweeper over db.
func New(db *sql.DB, cfg config.RetentionConfig, opts ...Option) *Sweeper {
	s := &Sweeper{
		db:       db,
		days:     cfg.Days,
		interval: time.Duration(cfg.SweepInterval) * time.Second,
		logger:   noopLogger{},
		now:      time.Now,
	}
	if s.days <= 0 {
		s.days = defaultDays
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cutoff returns the instant before which rows expire.
func (s *Sweeper) Cutoff() time.Time {
	midnight := s.now().UTC().Truncate(24 * time.Hour)
	return midnight.AddDate(0, 0, -s.days)
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep archives and deletes every expired row.
func (s *Sweeper) Sweep(ctx context.Context) (*Result, error) {
	cutoff := s.Cutoff()
	res := &Result{Cutoff: cutoff, Deleted: make(map[string]int64, len(tables))}

	for _, t := range tables {
		where := "timestamp < ?"
		if t.keepLatest {
			where += " AND" + latestRelayRows
		}

		if s.archive != nil {
			keys, err := s.archiveTable(ctx, t.name, where, cutoff)
			if err != nil {
				return res, fmt.Errorf("archiving %s: %w", t.name, err)
			}
			res.Archived = append(res.Archived, keys...)
		}

		n, err := s.deleteExpired(ctx, t.name, where, cutoff)
		if err != nil {
			return res, err
		}
		res.Deleted[t.name] = n
		s.metrics.RowsPruned(t.name, n)
	}

	s.logger.Info("retention sweep complete",
		"cutoff", cutoff.Format(dayLayout),
		"sensor_readings", res.Deleted["sensor_readings"],
		"relay_states", res.Deleted["relay_states"],
		"system_logs", res.Deleted["system_logs"],
		"archived_objects", len(res.Archived),
	)
	return res, nil
}

func (s *Sweeper) deleteExpired(ctx context.Context, name, where string, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s", name, where), //nolint:gosec // table names are constants
		database.FormatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired %s: %w", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// archiveTable uploads expired rows grouped by the UTC day of their timestamp.
func (s *Sweeper) archiveTable(ctx context.Context, name, where string, cutoff time.Time) ([]string, error) {
	days, order, err := s.collect(ctx, name, where, cutoff)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(order))
	for _, day := range order {
		key := archiveKey(s.prefix, name, day)
		if err := s.archive.Put(ctx, key, days[day].Bytes()); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// collect renders expired rows as JSON lines, one buffer per day.
func (s *Sweeper) collect(ctx context.Context, name, where string, cutoff time.Time) (map[string]*bytes.Buffer, []string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY timestamp, rowid", name, where), //nolint:gosec // table names are constants
		database.FormatTime(cutoff),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("querying expired %s: %w", name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("reading columns: %w", err)
	}

	days := make(map[string]*bytes.Buffer)
	var order []string
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("scanning %s row: %w", name, err)
		}

		record := make(map[string]any, len(cols))
		var day string
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			record[col] = v
			if col == "timestamp" {
				day = dayOf(v)
			}
		}

		buf, ok := days[day]
		if !ok {
			buf = &bytes.Buffer{}
			days[day] = buf
			order = append(order, day)
		}
		line, err := json.Marshal(record)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding %s row: %w", name, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating %s: %w", name, err)
	}
	return days, order, nil
}

// dayOf returns the UTC day of a stored timestamp.
func dayOf(v any) string {
	s, ok := v.(string)
	if !ok {
		return "unknown"
	}
	t, err := database.ParseTime(s)
	if err != nil {
		return "unknown"
	}
	return t.Format(dayLayout)
}
