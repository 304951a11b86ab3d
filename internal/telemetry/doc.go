// Package telemetry records runtime activity as InfluxDB time series.
//
// The Sink is a managed service that subscribes on the bus to state
// changes, job completions and service lifecycle transitions, converts
// each envelope into a point and hands it to a batching writer:
//
//	entity_state    tags entity_id, domain       fields value | state, attr_*
//	job_execution   tags job_id, status          fields duration_ms, error
//	service_status  tags service, status         fields attempt, running_for_ms
package telemetry
