// Package database provides the SQLite connection used by the runtime's
// persistent history.
//
// This package manages:
//   - Opening a file-backed or in-memory SQLite database
//   - WAL mode and busy timeout configuration
//   - Applying embedded, versioned schema migrations
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.History.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql, and are applied in version order, each in
// its own transaction.
package database
