package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nerrad567/gray-logic-runtime/internal/event"
)

// Logger defines the logging interface used by the transport.
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

// RetryPolicy bounds retries of a single call.
type RetryPolicy struct {
	// MaxTries includes the first attempt. Zero means one attempt.
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying decorates a Client so FetchStates and CallService are retried
// with exponential backoff. Stream is passed through; Ingest owns stream
// reconnection. Invalid payloads and context errors are never retried.
type Retrying struct {
	next   Client
	policy RetryPolicy
	logger Logger
}

// NewRetrying wraps next.
func NewRetrying(next Client, policy RetryPolicy) *Retrying {
	if policy.MaxTries == 0 {
		policy.MaxTries = 1
	}
	return &Retrying{next: next, policy: policy, logger: noopLogger{}}
}

// SetLogger sets the logger for retry notices.
func (r *Retrying) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

func (r *Retrying) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}
	return b
}

func retryable(err error) error {
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	return err
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil {
			return v, retryable(err)
		}
		return v, nil
	},
		backoff.WithBackOff(r.backOff()),
		backoff.WithMaxTries(r.policy.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			r.logger.Warn("transport call failed, retrying", "op", op, "error", err, "delay", d)
		}),
	)
}

// FetchStates implements Client.
func (r *Retrying) FetchStates(ctx context.Context) ([]*event.EntityState, error) {
	return retry(ctx, r, "fetch_states", func() ([]*event.EntityState, error) {
		return r.next.FetchStates(ctx)
	})
}

// Stream implements Client.
func (r *Retrying) Stream(ctx context.Context, sink Sink) error {
	return r.next.Stream(ctx, sink)
}

// CallService implements Client.
func (r *Retrying) CallService(ctx context.Context, domain, svc string, data map[string]any) error {
	_, err := retry(ctx, r, "call_service", func() (struct{}, error) {
		return struct{}{}, r.next.CallService(ctx, domain, svc, data)
	})
	return err
}
