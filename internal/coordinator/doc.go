// Package coordinator supervises the runtime's managed services.
//
// The Coordinator owns the dependency graph of services and an explicit
// Registry through which downstream consumers obtain shared components
// such as the bus and the scheduler. It does not implement dispatch or
// scheduling itself.
//
// # Lifecycle
//
// Start validates the graph (unknown dependencies and cycles fail fast
// with a configuration error), then starts every service as soon as all
// of its dependencies are serving. Readiness is event driven: a service
// calls Reporter.Ready from its Run method and every waiter is woken by
// the resulting state change, so there is no polling.
//
// Every transition is published as a lifecycle envelope on
// graylogic.service.<status>. A Run method that returns while the
// service was not asked to stop is a crash; the Service Watcher reacts
// to the CRASHED envelope and calls Restart. When restarts are
// exhausted the watcher calls MarkFailed, which leaves the service
// STOPPED, emits exactly one graylogic.service.failed envelope and
// signals Fatal.
//
// Stop cancels services in reverse dependency order, giving each a
// bounded grace period to return before it is abandoned.
package coordinator
