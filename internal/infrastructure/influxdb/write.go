package influxdb

import (
	"strconv"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/reimonlp/greenhouse/internal/relay"
	"github.com/reimonlp/greenhouse/internal/sensor"
)

// Measurement names.
const (
	measurementReading = "sensor_reading"
	measurementRelay   = "relay_state"
)

// WriteReading records a persisted sensor reading. It implements
// sensor.TelemetrySink.
//
// Only reported measurements become fields; a reading with none is skipped.
// The write is non-blocking; points are batched and sent asynchronously.
func (c *Client) WriteReading(r *sensor.Reading) {
	if r == nil {
		return
	}
	tags, fields, ok := readingPoint(r)
	if !ok {
		return
	}
	c.write(write.NewPoint(measurementReading, tags, fields, r.Timestamp))
}

// WriteRelayState records a relay transition. It implements
// relay.TransitionSink.
func (c *Client) WriteRelayState(s *relay.State) {
	if s == nil {
		return
	}
	tags, fields := relayPoint(s)
	c.write(write.NewPoint(measurementRelay, tags, fields, s.Timestamp))
}

func readingPoint(r *sensor.Reading) (map[string]string, map[string]interface{}, bool) {
	fields := map[string]interface{}{}
	if r.Temperature != nil {
		fields["temperature"] = *r.Temperature
	}
	if r.Humidity != nil {
		fields["humidity"] = *r.Humidity
	}
	if r.SoilMoisture != nil {
		fields["soil_moisture"] = *r.SoilMoisture
	}
	if len(fields) == 0 {
		return nil, nil, false
	}
	fields["temp_errors"] = r.TempErrors
	fields["humidity_errors"] = r.HumidityErrors

	return map[string]string{"device_id": r.DeviceID}, fields, true
}

func relayPoint(s *relay.State) (map[string]string, map[string]interface{}) {
	state := 0
	if s.State {
		state = 1
	}
	tags := map[string]string{
		"relay_id":   strconv.Itoa(s.RelayID),
		"name":       relay.Name(s.RelayID),
		"mode":       string(s.Mode),
		"changed_by": s.ChangedBy,
	}
	return tags, map[string]interface{}{"state": state}
}
