package events

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestDispatcherWithoutProducerIsNoop(t *testing.T) {
	d := NewDispatcher(nil, "", nil, DispatcherOptions{QueueSize: 8, Workers: 2}, nil)
	for i := 0; i < 20; i++ {
		d.Emit(Event{EventType: TypeStateChanged, SessionID: "s1"})
	}
	d.Close() // 不能死锁、不能 panic
}

func TestDispatcherDeliversEvents(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	const n = 5
	for i := 0; i < n; i++ {
		producer.ExpectSendMessageAndSucceed()
	}

	d := NewDispatcher(producer, "session-events", nil, DispatcherOptions{
		QueueSize: 32,
		Workers:   1,
	}, nil)
	for i := 0; i < n; i++ {
		d.Emit(Event{EventType: TypeStateChanged, SessionID: "s1", Version: uint64(i + 2), At: time.Now()})
	}
	d.Close()

	if err := producer.Close(); err != nil {
		t.Fatalf("unmet producer expectations: %v", err)
	}
}

func TestDispatcherRetriesTransientFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	d := NewDispatcher(producer, "session-events", nil, DispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}, nil)
	d.Emit(Event{EventType: TypeConflictDetected, SessionID: "s1"})
	d.Close()

	if err := producer.Close(); err != nil {
		t.Fatalf("retry did not reach the broker: %v", err)
	}
}

func TestEmitNeverBlocksOnFullQueue(t *testing.T) {
	// 单 worker 卡在信号量上 → 队列只进不出，Emit 必须丢弃而不是阻塞
	sem := NewSemaphore(1)
	_ = sem.Acquire(context.Background())

	d := NewDispatcher(nil, "", sem, DispatcherOptions{
		QueueSize: 1,
		Workers:   1,
	}, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Emit(Event{EventType: TypeStateChanged, SessionID: "s1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Emit must drop instead of blocking")
	}

	_ = sem.Release()
	d.Close()
}

func TestSemaphore(t *testing.T) {
	sem := NewSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := sem.Acquire(ctx); err == nil {
		t.Fatalf("second acquire must respect context deadline")
	}

	if err := sem.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
