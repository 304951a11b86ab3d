// Package influxdb wraps the influxdb-client-go v2 library for the
// runtime's time-series telemetry.
//
// Writes are non-blocking and batched by the library; asynchronous write
// failures are reported through the SetOnError callback.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePoint("entity_state",
//	    map[string]string{"entity_id": "sensor.hall_temp"},
//	    map[string]any{"value": 21.5},
//	    time.Now())
package influxdb
