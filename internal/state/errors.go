package state

import "errors"

var (
	// ErrSnapshotFailed is returned when the initial snapshot cannot be fetched.
	ErrSnapshotFailed = errors.New("state: snapshot failed")

	// ErrNilFetcher is returned when the cache is built without a fetcher.
	ErrNilFetcher = errors.New("state: fetcher is nil")
)
