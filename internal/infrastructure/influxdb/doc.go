// Package influxdb writes greenhouse telemetry to InfluxDB v2.
//
// SQLite stays the system of record. InfluxDB receives a copy of every
// persisted sensor reading (measurement sensor_reading, tagged by device_id)
// and every relay transition (measurement relay_state, tagged by relay_id,
// name, mode and changed_by) for long-horizon dashboards.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	ingester := sensor.NewIngester(store, engine, hub, sensor.WithTelemetry(client))
//	relays := relay.NewService(register, recorder, hub, relay.WithTransitionSink(client))
//
// # Error Handling
//
// Writes are non-blocking. Batch failures reach the callback set with
// SetOnError wrapped in ErrWriteFailed; connection and health check errors
// are returned directly.
package influxdb
