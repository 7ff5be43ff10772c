package sensor

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reimonlp/greenhouse/internal/infrastructure/database"
	_ "github.com/reimonlp/greenhouse/migrations"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "sensor.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	require.NoError(t, db.Migrate(context.Background()))
	return db.DB
}

func f(v float64) *float64 { return &v }

func TestSQLiteStore_InsertLatest(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()

	_, err := store.Latest(ctx)
	assert.True(t, errors.Is(err, ErrNoReadings))

	base := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	newer := &Reading{DeviceID: DefaultDeviceID, Temperature: f(24.5), Humidity: f(61), Timestamp: base.Add(time.Minute)}
	older := &Reading{DeviceID: DefaultDeviceID, Temperature: f(23), SoilMoisture: f(40), TempErrors: 2, Timestamp: base}

	require.NoError(t, store.Insert(ctx, newer))
	require.NoError(t, store.Insert(ctx, older))
	assert.NotZero(t, newer.ID)

	got, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 24.5, *got.Temperature, 1e-9)
	assert.Nil(t, got.SoilMoisture)
}

func TestSQLiteStore_History(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	for _, age := range []time.Duration{30 * time.Hour, 3 * time.Hour, 2 * time.Hour, time.Hour} {
		require.NoError(t, store.Insert(ctx, &Reading{DeviceID: "gh-1", Humidity: f(50), Timestamp: now.Add(-age)}))
	}
	require.NoError(t, store.Insert(ctx, &Reading{DeviceID: "gh-2", Humidity: f(50), Timestamp: now.Add(-time.Hour)}))

	got, err := store.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	assert.Len(t, got, 4, "default window is the last 24 hours")
	assert.True(t, !got[0].Timestamp.Before(got[len(got)-1].Timestamp), "newest first")

	got, err = store.History(ctx, HistoryQuery{DeviceID: "gh-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, now.Add(-time.Hour), got[0].Timestamp)

	got, err = store.History(ctx, HistoryQuery{Start: now.Add(-31 * time.Hour), End: now.Add(-29 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
