package sensor

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInput_Reading(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

	t.Run("defaults", func(t *testing.T) {
		r, err := Input{Temperature: f(22)}.Reading(now)
		require.NoError(t, err)
		assert.Equal(t, DefaultDeviceID, r.DeviceID)
		assert.Equal(t, 0, r.TempErrors)
		assert.Equal(t, now, r.Timestamp)
	})

	t.Run("external humidity overrides", func(t *testing.T) {
		r, err := Input{Humidity: f(60), ExternalHumidity: f(97)}.Reading(now)
		require.NoError(t, err)
		assert.InDelta(t, 97.0, *r.Humidity, 1e-9)
	})

	t.Run("negative external humidity ignored", func(t *testing.T) {
		r, err := Input{Humidity: f(60), ExternalHumidity: f(-1)}.Reading(now)
		require.NoError(t, err)
		assert.InDelta(t, 60.0, *r.Humidity, 1e-9)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := Input{DeviceID: "gh"}.Reading(now)
		assert.True(t, errors.Is(err, ErrEmptyReading))
	})

	for name, in := range map[string]Input{
		"humidity above 100":     {Humidity: f(101)},
		"soil negative":          {SoilMoisture: f(-3)},
		"temperature too hot":    {Temperature: f(150)},
		"temperature NaN":        {Temperature: f(math.NaN())},
		"negative error counter": {Temperature: f(20), TempErrors: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := in.Reading(now)
			assert.True(t, errors.Is(err, ErrInvalidReading), "got %v", err)
		})
	}
}

func TestReading_Measurement(t *testing.T) {
	r := &Reading{Temperature: f(21.5), SoilMoisture: f(33)}

	v, ok := r.Measurement(FieldTemperature)
	assert.True(t, ok)
	assert.InDelta(t, 21.5, v, 1e-9)

	_, ok = r.Measurement(FieldHumidity)
	assert.False(t, ok, "absent humidity is not reported")

	_, ok = r.Measurement("co2")
	assert.False(t, ok)
}
