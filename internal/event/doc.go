// Package event defines the envelope that flows through the hub and the
// topic naming scheme shared by every producer and consumer.
//
// # Topics
//
// Topics are dot-separated and hierarchical:
//
//	state.<entity_id>                 state change, e.g. state.light.kitchen
//	call_service.<domain>.<service>   service call observed on the remote hub
//	custom.<name>                     user-defined event
//	graylogic.service.<status>        managed service lifecycle transition
//	graylogic.service.failed          restart attempts exhausted
//	graylogic.scheduler.fired         a job started
//	graylogic.scheduler.finished      a job completed
//	graylogic.transport.connected     remote source (re)connected
//	graylogic.transport.disconnected  remote source lost
//
// Subscription patterns are exact topics or globs using *, ? and [...].
// A * matches any run of characters including dots, so "state.light.*"
// matches every light and "state.*" matches every entity.
package event
