package history

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-runtime/internal/coordinator"
	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-runtime/internal/scheduler"
)

// Backend names.
const (
	BackendNone   = "none"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Logger is the logging interface used by the stores.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Store is a persistent history backend.
type Store interface {
	scheduler.Recorder
	coordinator.CrashRecorder

	// Executions returns up to limit records, newest first. An empty
	// jobID matches every job; limit <= 0 means no limit.
	Executions(ctx context.Context, jobID string, limit int) ([]scheduler.ExecutionRecord, error)

	// Crashes returns up to limit crash records, newest first. An empty
	// service matches every service.
	Crashes(ctx context.Context, service string, limit int) ([]coordinator.CrashRecord, error)

	// Prune deletes records older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int, error)

	Close() error
}

// Open creates the configured store. It returns a nil Store for the
// "none" backend.
func Open(ctx context.Context, cfg config.HistoryConfig, logger Logger) (Store, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendSQLite:
		s, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendBadger:
		s, err := OpenBadger(BadgerOptions{Path: cfg.Path, Retention: cfg.Retention, Logger: logger})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// PruneJob returns a scheduler job body that deletes records older than
// retention.
func PruneJob(s Store, retention time.Duration, now func() time.Time, logger Logger) scheduler.JobFunc {
	if logger == nil {
		logger = noopLogger{}
	}
	return func(ctx context.Context) error {
		n, err := s.Prune(ctx, now().Add(-retention))
		if err != nil {
			return fmt.Errorf("pruning history: %w", err)
		}
		if n > 0 {
			logger.Info("history pruned", "records", n, "retention", retention)
		}
		return nil
	}
}
