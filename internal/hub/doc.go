// Package hub is the in-process event hub: a multi-producer fan-out that
// stamps every envelope with a strictly increasing sequence number at
// ingress and delivers it to raw subscribers in publication order.
//
// Each raw subscriber has its own bounded queue. What happens when a
// queue is full is decided by the configured OverflowPolicy:
//
//   - PolicyBlock: Publish waits up to PublishTimeout for room, then
//     fails with ErrHubSaturated. Nothing is lost silently.
//   - PolicyDropOldest: the oldest queued envelope is discarded, counted
//     and logged. Publish never fails for saturation.
//
// The policy has no implicit default; NewHub rejects an empty one.
//
// The Bus is normally the only raw subscriber. Everything else
// subscribes through the Bus.
package hub
