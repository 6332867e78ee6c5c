package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingRegistry struct {
	flushes atomic.Int64
	sweeps  atomic.Int64
}

func (r *countingRegistry) FlushDirty(context.Context) int {
	r.flushes.Add(1)
	return 1
}

func (r *countingRegistry) SweepExpired(context.Context, time.Time) int {
	r.sweeps.Add(1)
	return 0
}

type countingCloser struct {
	calls atomic.Int64
}

func (c *countingCloser) CloseStale(time.Duration) int {
	c.calls.Add(1)
	return 0
}

func TestRunDrivesBothCycles(t *testing.T) {
	reg := &countingRegistry{}
	closer := &countingCloser{}
	s := New(reg, closer, Options{
		FlushInterval: 5 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if reg.flushes.Load() < 2 {
		t.Fatalf("expected repeated flush cycles, got %d", reg.flushes.Load())
	}
	if reg.sweeps.Load() < 1 {
		t.Fatalf("expected at least one sweep cycle, got %d", reg.sweeps.Load())
	}
	if closer.calls.Load() < 1 {
		t.Fatalf("expected stale-connection checks, got %d", closer.calls.Load())
	}
}

func TestRunFlushesOnShutdown(t *testing.T) {
	reg := &countingRegistry{}
	// 间隔拉长到测试不会触发 tick，只观察退出路径
	s := New(reg, nil, Options{
		FlushInterval: time.Hour,
		SweepInterval: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	cancel()
	<-done
	if reg.flushes.Load() != 1 {
		t.Fatalf("expected exactly the final shutdown flush, got %d", reg.flushes.Load())
	}
}

func TestNilCloserIsTolerated(t *testing.T) {
	reg := &countingRegistry{}
	s := New(reg, nil, Options{
		FlushInterval: time.Hour,
		SweepInterval: 2 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if reg.sweeps.Load() < 1 {
		t.Fatalf("sweep must run without a connection closer")
	}
}
