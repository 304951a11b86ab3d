package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	p := NewPool(3)
	var current, peak, starts atomic.Int64
	release := make(chan struct{})

	var started sync.WaitGroup
	started.Add(3)
	for i := 0; i < 10; i++ {
		if err := p.Go(context.Background(), func() {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			if starts.Add(1) <= 3 {
				started.Done()
			}
			<-release
			current.Add(-1)
		}); err != nil {
			t.Fatalf("Go() error = %v", err)
		}
	}

	started.Wait()
	if got := p.Running(); got != 3 {
		t.Errorf("Running() = %d, want 3", got)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", got)
	}
}

func TestPool_SubmitDoesNotBlock(t *testing.T) {
	p := NewPool(1)
	block := make(chan struct{})
	defer close(block)

	_ = p.Go(context.Background(), func() { <-block })

	done := make(chan struct{})
	go func() {
		_ = p.Go(context.Background(), func() {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Go() blocked on a saturated pool")
	}
}

func TestPool_CancelledWaiterSkipped(t *testing.T) {
	p := NewPool(1)
	block := make(chan struct{})
	_ = p.Go(context.Background(), func() { <-block })

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	_ = p.Go(ctx, func() { ran.Store(true) })
	cancel()
	close(block)

	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	if err := p.Wait(wctx); err != nil {
		t.Fatal(err)
	}
	if ran.Load() {
		t.Error("function ran after its context was cancelled")
	}
}

func TestPool_Closed(t *testing.T) {
	p := NewPool(2)
	p.Close()
	if err := p.Go(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Go() after Close error = %v", err)
	}
}
