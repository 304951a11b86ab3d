// Package history persists scheduler execution records and service crash
// records across restarts.
//
// Two backends are provided:
//   - SQLiteStore: relational tables created by the embedded migrations
//   - BadgerStore: time-ordered JSON records in a Badger key space, expired
//     by TTL
//
// Both satisfy scheduler.Recorder and coordinator.CrashRecorder. When no
// backend is configured the runtime keeps only the scheduler's in-memory
// ring.
package history
