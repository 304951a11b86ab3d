// Package metrics exposes runtime counters as Prometheus collectors.
//
// A Metrics value implements the observer interfaces of the hub, bus,
// scheduler, coordinator and watcher, so one instance is attached to each
// of them at wiring time:
//
//	m := metrics.New()
//	h.SetObserver(m)
//	b.SetObserver(m)
//	sched.SetObserver(m)
//
// Topics are reduced to their family (the first dot-separated segment) to
// keep label cardinality bounded. Collectors are registered on a private
// registry served by Handler.
package metrics
