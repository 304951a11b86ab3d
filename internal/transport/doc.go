// Package transport connects the runtime to the remote home-automation
// source.
//
// Client is the boundary contract: a full state snapshot, a continuous
// stream of raw events, and remote service calls. MQTTClient implements
// it over the MQTT broker. Retrying wraps any Client in a bounded
// exponential retry policy, and Ingest is the managed service that runs
// the stream, turns raw events into hub envelopes and reports
// connectivity through lifecycle status and connection envelopes.
package transport
