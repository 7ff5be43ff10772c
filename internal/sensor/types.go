// Package sensor persists controller readings and runs the ingest path that
// feeds the rule engine.
package sensor

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultDeviceID is used when a controller omits its id.
const DefaultDeviceID = "ESP32_GREENHOUSE_01"

// Measurement field names, as used by sensor rule conditions.
const (
	FieldTemperature  = "temperature"
	FieldHumidity     = "humidity"
	FieldSoilMoisture = "soil_moisture"
)

// Errors returned by validation and the store.
var (
	ErrEmptyReading   = errors.New("sensor: reading has no measurements")
	ErrInvalidReading = errors.New("sensor: invalid reading")
	ErrNoReadings     = errors.New("sensor: no readings")
)

// Reading is one immutable sample from a controller.
// Measurements the controller did not report are nil.
type Reading struct {
	ID             int64     `json:"id"`
	DeviceID       string    `json:"device_id"`
	Temperature    *float64  `json:"temperature"`
	Humidity       *float64  `json:"humidity"`
	SoilMoisture   *float64  `json:"soil_moisture,omitempty"`
	TempErrors     int       `json:"temp_errors"`
	HumidityErrors int       `json:"humidity_errors"`
	Timestamp      time.Time `json:"timestamp"`
}

// Measurement returns the value of a field, or false when it was not reported.
func (r *Reading) Measurement(field string) (float64, bool) {
	var v *float64
	switch field {
	case FieldTemperature:
		v = r.Temperature
	case FieldHumidity:
		v = r.Humidity
	case FieldSoilMoisture:
		v = r.SoilMoisture
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Input is the payload of a sensor:data event.
type Input struct {
	DeviceID         string   `json:"device_id"`
	Temperature      *float64 `json:"temperature"`
	Humidity         *float64 `json:"humidity"`
	ExternalHumidity *float64 `json:"external_humidity"`
	SoilMoisture     *float64 `json:"soil_moisture"`
	TempErrors       int      `json:"temp_errors"`
	HumidityErrors   int      `json:"humidity_errors"`
}

// Plausibility bounds.
const (
	minTemperature = -50.0
	maxTemperature = 100.0
	minPercent     = 0.0
	maxPercent     = 100.0
)

// Reading converts the input into a Reading, applying defaults.
// external_humidity, when present and non-negative, replaces humidity.
func (in Input) Reading(now time.Time) (*Reading, error) {
	r := &Reading{
		DeviceID:       in.DeviceID,
		Temperature:    in.Temperature,
		Humidity:       in.Humidity,
		SoilMoisture:   in.SoilMoisture,
		TempErrors:     in.TempErrors,
		HumidityErrors: in.HumidityErrors,
		Timestamp:      now.UTC(),
	}
	if r.DeviceID == "" {
		r.DeviceID = DefaultDeviceID
	}
	if in.ExternalHumidity != nil && *in.ExternalHumidity >= 0 {
		h := *in.ExternalHumidity
		r.Humidity = &h
	}
	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate rejects readings that carry nothing or carry implausible values.
func Validate(r *Reading) error {
	if r.Temperature == nil && r.Humidity == nil && r.SoilMoisture == nil {
		return ErrEmptyReading
	}
	if err := checkRange(FieldTemperature, r.Temperature, minTemperature, maxTemperature); err != nil {
		return err
	}
	if err := checkRange(FieldHumidity, r.Humidity, minPercent, maxPercent); err != nil {
		return err
	}
	if err := checkRange(FieldSoilMoisture, r.SoilMoisture, minPercent, maxPercent); err != nil {
		return err
	}
	if r.TempErrors < 0 || r.HumidityErrors < 0 {
		return fmt.Errorf("%w: error counters cannot be negative", ErrInvalidReading)
	}
	return nil
}

func checkRange(field string, v *float64, lo, hi float64) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v < lo || *v > hi {
		return fmt.Errorf("%w: %s %v outside %v..%v", ErrInvalidReading, field, *v, lo, hi)
	}
	return nil
}
