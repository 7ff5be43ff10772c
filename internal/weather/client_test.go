package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_HumidityCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "-34.9214", r.URL.Query().Get("latitude"))
		assert.Equal(t, "relative_humidity_2m", r.URL.Query().Get("current"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"current":{"time":"2026-03-04T06:30","relative_humidity_2m":88}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{City: "La Plata", Latitude: -34.9214, Longitude: -57.9544, BaseURL: srv.URL, CacheTTL: time.Minute})
	now := time.Date(2026, 3, 4, 6, 30, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	h, err := c.Humidity(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.InDelta(t, 88.0, *h, 0.001)

	_, err = c.Humidity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second call within TTL should hit the cache")

	now = now.Add(2 * time.Minute)
	_, err = c.Humidity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "La Plata", c.City())
}

func TestClient_ErrorCached(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.Humidity(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")

	_, err = c.Humidity(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_MissingValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"current":{}}`))
	}))
	defer srv.Close()

	h, err := NewClient(Config{BaseURL: srv.URL}).Humidity(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestClient_WaitingCallerHonoursContext(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"current":{"relative_humidity_2m":97}}`))
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 10 * time.Second})

	first := make(chan error, 1)
	go func() {
		_, err := c.Humidity(context.Background())
		first <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Humidity(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "waiting caller must not block behind the request")

	release <- struct{}{}
	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first caller did not complete")
	}
	assert.Equal(t, int32(1), calls.Load(), "concurrent refreshes share one request")

	h, err := c.Humidity(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.InDelta(t, 97.0, *h, 0.001)
	assert.Equal(t, int32(1), calls.Load())
}
