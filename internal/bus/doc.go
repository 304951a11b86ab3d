// Package bus is the predicate-based publish/subscribe dispatch engine.
//
// The Bus is the hub's raw consumer. For every envelope it selects the
// subscriptions whose topic pattern matches, evaluates each predicate,
// applies throttle and debounce gates, and invokes the handler.
//
// # Ordering
//
// Subscriptions are visited in descending priority, then registration
// order. Subscriptions at PriorityInfrastructure or above run inline on
// the dispatch loop and complete before any application subscription
// for the same envelope is started. The state cache relies on this so
// application handlers never read a stale view of the event they are
// handling.
//
// Application handlers run on a bounded worker pool. By default each
// delivery is an independent task; WithSerial makes a subscription
// process its deliveries one at a time in sequence order.
//
// # Gates
//
// A throttled subscription delivers the first matching envelope and
// suppresses the rest until the window has passed. A debounced
// subscription delivers only the last envelope of a burst once the
// window has passed without another match. When both are set the
// throttle gate is applied first.
//
// # Failure isolation
//
// Handler errors and panics are logged with the subscription id, topic
// and envelope and never affect other subscriptions or later envelopes.
package bus
