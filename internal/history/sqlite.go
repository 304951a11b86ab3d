package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/coordinator"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-runtime/internal/scheduler"
	"github.com/nerrad567/gray-logic-runtime/migrations"
)

// sqliteBusyTimeout is the SQLite lock wait in seconds.
const sqliteBusyTimeout = 5

// SQLiteStore keeps history in the job_executions and service_crashes
// tables. Timestamps are stored as Unix nanoseconds in UTC.
type SQLiteStore struct {
	db *database.DB

	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (or creates) the database at path and applies pending
// migrations. Use database.MemoryPath for a throwaway store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := database.Open(database.Config{Path: path, WALMode: true, BusyTimeout: sqliteBusyTimeout})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("migrating history database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLite wraps an already migrated database.
func NewSQLite(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// DB returns the underlying database.
func (s *SQLiteStore) DB() *database.DB { return s.db }

func (s *SQLiteStore) use() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	return s.mu.RUnlock, nil
}

// RecordExecution implements scheduler.Recorder.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec scheduler.ExecutionRecord) error {
	done, err := s.use()
	if err != nil {
		return err
	}
	defer done()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_executions (job_id, name, owner, scheduled_for, started_at, duration_ns, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.JobID, rec.Name, rec.Owner,
		unixNano(rec.ScheduledFor), unixNano(rec.StartedAt), int64(rec.Duration),
		rec.Status, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("recording execution of %s: %w", rec.JobID, err)
	}
	return nil
}

// RecordCrash implements coordinator.CrashRecorder.
func (s *SQLiteStore) RecordCrash(ctx context.Context, rec coordinator.CrashRecord) error {
	done, err := s.use()
	if err != nil {
		return err
	}
	defer done()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO service_crashes (service, error, attempt, running_for_ns, at, terminal)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Service, rec.Error, rec.Attempt, int64(rec.RunningFor), unixNano(rec.At), rec.Terminal,
	)
	if err != nil {
		return fmt.Errorf("recording crash of %s: %w", rec.Service, err)
	}
	return nil
}

// Executions implements Store.
func (s *SQLiteStore) Executions(ctx context.Context, jobID string, limit int) ([]scheduler.ExecutionRecord, error) {
	done, err := s.use()
	if err != nil {
		return nil, err
	}
	defer done()

	q, args := selectQuery(`
		SELECT job_id, name, owner, scheduled_for, started_at, duration_ns, status, error
		FROM job_executions`, "job_id", jobID, "started_at", limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []scheduler.ExecutionRecord
	for rows.Next() {
		var rec scheduler.ExecutionRecord
		var scheduled, started, duration int64
		if err := rows.Scan(&rec.JobID, &rec.Name, &rec.Owner, &scheduled, &started, &duration, &rec.Status, &rec.Error); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		rec.ScheduledFor = fromUnixNano(scheduled)
		rec.StartedAt = fromUnixNano(started)
		rec.Duration = time.Duration(duration)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Crashes implements Store.
func (s *SQLiteStore) Crashes(ctx context.Context, service string, limit int) ([]coordinator.CrashRecord, error) {
	done, err := s.use()
	if err != nil {
		return nil, err
	}
	defer done()

	q, args := selectQuery(`
		SELECT service, error, attempt, running_for_ns, at, terminal
		FROM service_crashes`, "service", service, "at", limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying crashes: %w", err)
	}
	defer rows.Close()

	var out []coordinator.CrashRecord
	for rows.Next() {
		var (
			rec        coordinator.CrashRecord
			runningFor int64
			at         int64
		)
		if err := rows.Scan(&rec.Service, &rec.Error, &rec.Attempt, &runningFor, &at, &rec.Terminal); err != nil {
			return nil, fmt.Errorf("scanning crash: %w", err)
		}
		rec.RunningFor = time.Duration(runningFor)
		rec.At = fromUnixNano(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// selectQuery appends the optional equality filter, newest-first ordering
// and limit to base.
func selectQuery(base, column, value, orderBy string, limit int) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(base)
	if value != "" {
		b.WriteString(" WHERE " + column + " = ?")
		args = append(args, value)
	}
	b.WriteString(" ORDER BY " + orderBy + " DESC, id DESC")
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	return b.String(), args
}

// Prune implements Store.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	done, err := s.use()
	if err != nil {
		return 0, err
	}
	defer done()

	cutoff := unixNano(before)
	var total int64
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM job_executions WHERE started_at < ?",
			"DELETE FROM service_crashes WHERE at < ?",
		} {
			res, err := tx.ExecContext(ctx, stmt, cutoff)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return int(total), nil
}

// Close closes the database. Further calls return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
