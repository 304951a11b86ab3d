// Package state keeps the local view of remote entity state.
//
// The Cache is a pure derived view: it never performs network I/O on
// reads. It is rebuilt from a full snapshot when its service starts and
// after every reconnect to the remote source, and kept current in
// between by an infrastructure-priority bus subscription on state
// topics. Because infrastructure subscriptions finish before any
// application handler for the same envelope starts, a handler reacting
// to a state change always reads that change back from the cache.
package state
