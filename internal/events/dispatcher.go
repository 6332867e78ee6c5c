package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// Dispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Emit 只负责入队，绝不阻塞变更主链路（队列满直接丢弃）
// - Kafka 短暂不可用时靠队列吸收，worker 退避补发
// - 重试耗尽后丢弃事件（事件流不要求强一致）
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan Event
	sem   *Semaphore
	wg    sync.WaitGroup

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	logger *slog.Logger
}

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewDispatcher(producer sarama.SyncProducer, topic string, sem *Semaphore, opt DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.BaseBackoff <= 0 {
		opt.BaseBackoff = 50 * time.Millisecond
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan Event, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		logger:      logger,
	}
	d.start()
	return d
}

// Emit enqueues without blocking; a full queue drops the event.
func (d *Dispatcher) Emit(evt Event) {
	select {
	case d.queue <- evt:
	default:
		d.logger.Warn("event queue full, dropping",
			slog.String("type", string(evt.EventType)),
			slog.String("sessionId", evt.SessionID))
	}
}

// Close stops accepting events and waits for the workers to drain the queue.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt Event) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待，不影响主链路
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.logger.Warn("event send failed, dropping",
				slog.String("type", string(evt.EventType)),
				slog.String("sessionId", evt.SessionID),
				slog.Int("worker", workerID),
				slog.Any("error", err))
			return
		}

		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt Event) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.SessionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
