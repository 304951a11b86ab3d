package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-runtime/internal/coordinator"
	"github.com/nerrad567/gray-logic-runtime/internal/scheduler"
)

// Key spaces. A key is prefix + 8-byte big-endian timestamp + record id,
// so iteration order is time order.
var (
	execPrefix  = []byte("exec:")
	crashPrefix = []byte("crash:")
)

// gcDiscardRatio is the value log rewrite threshold used after pruning.
const gcDiscardRatio = 0.5

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Path is the data directory. Empty opens an in-memory store.
	Path string

	// Retention is set as the TTL of every record. Zero keeps records
	// until pruned.
	Retention time.Duration

	Logger Logger
}

// BadgerStore keeps history as JSON records in Badger.
type BadgerStore struct {
	db        *badger.DB
	retention time.Duration
	inMemory  bool
}

// OpenBadger opens the store.
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	var logger badger.Logger
	if opts.Logger != nil {
		logger = badgerLogger{logger: opts.Logger}
	}
	bopts := badger.DefaultOptions(opts.Path).WithLogger(logger)
	inMemory := opts.Path == ""
	if inMemory {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger history: %w", err)
	}
	return &BadgerStore{db: db, retention: opts.Retention, inMemory: inMemory}, nil
}

func recordKey(prefix []byte, at time.Time) []byte {
	key := make([]byte, 0, len(prefix)+8+16)
	key = append(key, prefix...)
	key = binary.BigEndian.AppendUint64(key, timeKey(at))
	id := uuid.New()
	return append(key, id[:]...)
}

func timeKey(t time.Time) uint64 {
	if t.IsZero() || t.UnixNano() < 0 {
		return 0
	}
	return uint64(t.UnixNano())
}

func (s *BadgerStore) put(key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	entry := badger.NewEntry(key, buf)
	if s.retention > 0 {
		entry = entry.WithTTL(s.retention)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

func translate(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	return err
}

// RecordExecution implements scheduler.Recorder.
func (s *BadgerStore) RecordExecution(_ context.Context, rec scheduler.ExecutionRecord) error {
	if err := s.put(recordKey(execPrefix, rec.StartedAt), rec); err != nil {
		return fmt.Errorf("recording execution of %s: %w", rec.JobID, translate(err))
	}
	return nil
}

// RecordCrash implements coordinator.CrashRecorder.
func (s *BadgerStore) RecordCrash(_ context.Context, rec coordinator.CrashRecord) error {
	if err := s.put(recordKey(crashPrefix, rec.At), rec); err != nil {
		return fmt.Errorf("recording crash of %s: %w", rec.Service, translate(err))
	}
	return nil
}

// scanNewest passes the values under prefix to decode, newest first,
// until decode returns false.
func (s *BadgerStore) scanNewest(ctx context.Context, prefix []byte, decode func(val []byte) (bool, error)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var more bool
			err := it.Item().Value(func(val []byte) error {
				var err error
				more, err = decode(val)
				return err
			})
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		return nil
	})
}

// Executions implements Store.
func (s *BadgerStore) Executions(ctx context.Context, jobID string, limit int) ([]scheduler.ExecutionRecord, error) {
	var out []scheduler.ExecutionRecord
	err := s.scanNewest(ctx, execPrefix, func(val []byte) (bool, error) {
		var rec scheduler.ExecutionRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return false, err
		}
		if jobID == "" || rec.JobID == jobID {
			out = append(out, rec)
		}
		return limit <= 0 || len(out) < limit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", translate(err))
	}
	return out, nil
}

// Crashes implements Store.
func (s *BadgerStore) Crashes(ctx context.Context, service string, limit int) ([]coordinator.CrashRecord, error) {
	var out []coordinator.CrashRecord
	err := s.scanNewest(ctx, crashPrefix, func(val []byte) (bool, error) {
		var rec coordinator.CrashRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return false, err
		}
		if service == "" || rec.Service == service {
			out = append(out, rec)
		}
		return limit <= 0 || len(out) < limit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying crashes: %w", translate(err))
	}
	return out, nil
}

// Prune implements Store. Expired records are already invisible; Prune
// removes older ones explicitly and reclaims value log space.
func (s *BadgerStore) Prune(ctx context.Context, before time.Time) (int, error) {
	cutoff := timeKey(before)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for _, prefix := range [][]byte{execPrefix, crashPrefix} {
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				key := it.Item().KeyCopy(nil)
				if binary.BigEndian.Uint64(key[len(prefix):]) >= cutoff {
					break
				}
				keys = append(keys, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", translate(err))
	}

	if len(keys) > 0 {
		wb := s.db.NewWriteBatch()
		for _, k := range keys {
			if err := wb.Delete(k); err != nil {
				wb.Cancel()
				return 0, fmt.Errorf("pruning history: %w", translate(err))
			}
		}
		if err := wb.Flush(); err != nil {
			return 0, fmt.Errorf("pruning history: %w", translate(err))
		}
	}

	if !s.inMemory {
		if err := s.db.RunValueLogGC(gcDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			return len(keys), fmt.Errorf("value log gc: %w", err)
		}
	}
	return len(keys), nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing badger history: %w", err)
	}
	return nil
}

// badgerLogger routes Badger's printf-style logging to a Logger.
type badgerLogger struct {
	logger Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error("badger", "detail", fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn("badger", "detail", fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug("badger", "detail", fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug("badger", "detail", fmt.Sprintf(format, args...))
}
