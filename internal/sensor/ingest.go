package sensor

import (
	"context"
	"time"

	"github.com/reimonlp/greenhouse/internal/automation"
	"github.com/reimonlp/greenhouse/internal/metrics"
)

// Events broadcast by the ingest path.
const (
	EventNew   = "sensor:new"
	EventStorm = "sensor:storm"
)

// StormHumidity is the humidity at or above which a storm alert is raised.
const StormHumidity = 95.0

// Broadcaster delivers an event to every connected observer.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// RuleEvaluator runs a sensor pass. automation.Engine implements it.
type RuleEvaluator interface {
	OnSensorReading(ctx context.Context, reading automation.Measurements) automation.PassResult
}

// OutdoorHumidity reports the current outdoor relative humidity.
type OutdoorHumidity interface {
	City() string
	Humidity(ctx context.Context) (*float64, error)
}

// TelemetrySink receives persisted readings for the time-series store.
type TelemetrySink interface {
	WriteReading(r *Reading)
}

// Logger is the logging interface used by the ingester.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// StormAlert is the payload of sensor:storm.
type StormAlert struct {
	Message        string   `json:"message"`
	SensorHumidity float64  `json:"sensor_humidity"`
	City           string   `json:"city,omitempty"`
	CityHumidity   *float64 `json:"city_humidity"`
	APIError       *string  `json:"api_error"`
}

// Ingester runs the ingest path for one reading:
// validate, persist, broadcast, evaluate sensor rules, forward to telemetry.
//
// The rule pass runs synchronously after the reading is durable, so a
// reading triggers exactly one pass. Readings arriving over different
// transports may be ingested concurrently.
type Ingester struct {
	store   Store
	engine  RuleEvaluator
	hub     Broadcaster
	weather OutdoorHumidity
	sink    TelemetrySink
	metrics *metrics.Collectors
	logger  Logger
	now     func() time.Time
}

// IngesterOption configures an Ingester.
type IngesterOption func(*Ingester)

// WithWeather annotates storm alerts with outdoor humidity.
func WithWeather(w OutdoorHumidity) IngesterOption {
	return func(i *Ingester) { i.weather = w }
}

// WithTelemetry forwards persisted readings to a time-series sink.
func WithTelemetry(sink TelemetrySink) IngesterOption {
	return func(i *Ingester) { i.sink = sink }
}

// WithMetrics counts ingested readings.
func WithMetrics(m *metrics.Collectors) IngesterOption {
	return func(i *Ingester) { i.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l Logger) IngesterOption {
	return func(i *Ingester) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewIngester creates an Ingester. engine and hub may be nil.
func NewIngester(store Store, engine RuleEvaluator, hub Broadcaster, opts ...IngesterOption) *Ingester {
	i := &Ingester{
		store:  store,
		engine: engine,
		hub:    hub,
		logger: noopLogger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest validates and stores a reading, then runs everything that reacts to it.
func (i *Ingester) Ingest(ctx context.Context, in Input) (*Reading, error) {
	reading, err := in.Reading(i.now())
	if err != nil {
		i.logger.Warn("rejecting sensor reading", "device_id", in.DeviceID, "error", err)
		return nil, err
	}

	if err := i.store.Insert(ctx, reading); err != nil {
		i.logger.Error("saving sensor reading failed", "device_id", reading.DeviceID, "error", err)
		return nil, err
	}
	i.metrics.ReadingIngested()

	if i.hub != nil {
		i.hub.Broadcast(EventNew, reading)
		if reading.Humidity != nil && *reading.Humidity >= StormHumidity {
			i.hub.Broadcast(EventStorm, i.stormAlert(ctx, *reading.Humidity))
		}
	}

	if i.engine != nil {
		res := i.engine.OnSensorReading(ctx, reading)
		if res.Triggered > 0 || res.Failed > 0 {
			i.logger.Info("sensor rules evaluated",
				"reading_id", reading.ID,
				"evaluated", res.Evaluated,
				"triggered", res.Triggered,
				"skipped", res.Skipped,
				"failed", res.Failed,
			)
		}
	}

	if i.sink != nil {
		i.sink.WriteReading(reading)
	}

	return reading, nil
}

func (i *Ingester) stormAlert(ctx context.Context, humidity float64) StormAlert {
	alert := StormAlert{
		Message:        "Storm conditions detected",
		SensorHumidity: humidity,
	}
	if i.weather == nil {
		return alert
	}

	alert.City = i.weather.City()
	outdoor, err := i.weather.Humidity(ctx)
	if err != nil {
		msg := err.Error()
		alert.APIError = &msg
		i.logger.Warn("outdoor humidity lookup failed", "city", alert.City, "error", err)
		return alert
	}
	alert.CityHumidity = outdoor
	return alert
}
