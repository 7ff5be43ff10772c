package sensor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/reimonlp/greenhouse/internal/infrastructure/database"
)

// History limits.
const (
	DefaultHistoryLimit  = 100
	MaxHistoryLimit      = 1000
	DefaultHistoryWindow = 24 * time.Hour
)

// HistoryQuery selects readings in [Start, End], newest first.
// Zero Start and End default to the last 24 hours.
type HistoryQuery struct {
	DeviceID string
	Start    time.Time
	End      time.Time
	Limit    int
}

// Store persists readings.
type Store interface {
	Insert(ctx context.Context, r *Reading) error
	Latest(ctx context.Context) (*Reading, error)
	History(ctx context.Context, q HistoryQuery) ([]Reading, error)
}

// SQLiteStore implements Store on the sensor_readings table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a store backed by db.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

const readingColumns = "id, device_id, temperature, humidity, soil_moisture, temp_errors, humidity_errors, timestamp"

// Insert stores a reading and sets its ID.
func (s *SQLiteStore) Insert(ctx context.Context, r *Reading) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO sensor_readings (device_id, temperature, humidity, soil_moisture, temp_errors, humidity_errors, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID, nullableFloat(r.Temperature), nullableFloat(r.Humidity), nullableFloat(r.SoilMoisture),
		r.TempErrors, r.HumidityErrors, database.FormatTime(r.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting sensor reading: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading sensor reading id: %w", err)
	}
	r.ID = id
	return nil
}

// Latest returns the newest reading, or ErrNoReadings.
func (s *SQLiteStore) Latest(ctx context.Context) (*Reading, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM sensor_readings ORDER BY timestamp DESC, id DESC LIMIT 1`)
	r, err := scanReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoReadings
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest reading: %w", err)
	}
	return r, nil
}

// History returns readings in the query window, newest first.
func (s *SQLiteStore) History(ctx context.Context, q HistoryQuery) ([]Reading, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.End.IsZero() {
		q.End = s.now()
	}
	if q.Start.IsZero() {
		q.Start = q.End.Add(-DefaultHistoryWindow)
	}

	query := `SELECT ` + readingColumns + ` FROM sensor_readings WHERE timestamp >= ? AND timestamp <= ?`
	args := []any{database.FormatTime(q.Start), database.FormatTime(q.End)}
	if q.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, q.DeviceID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sensor history: %w", err)
	}
	defer rows.Close()

	readings := []Reading{}
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sensor reading: %w", err)
		}
		readings = append(readings, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sensor readings: %w", err)
	}
	return readings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(row rowScanner) (*Reading, error) {
	var r Reading
	var temp, hum, soil sql.NullFloat64
	var ts string

	if err := row.Scan(&r.ID, &r.DeviceID, &temp, &hum, &soil, &r.TempErrors, &r.HumidityErrors, &ts); err != nil {
		return nil, err
	}
	r.Temperature = floatPtr(temp)
	r.Humidity = floatPtr(hum)
	r.SoilMoisture = floatPtr(soil)

	t, err := database.ParseTime(ts)
	if err != nil {
		return nil, err
	}
	r.Timestamp = t
	return &r, nil
}

func nullableFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
