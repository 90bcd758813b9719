// Package logqueue decouples call processing from presentation. Producers
// enqueue without ever blocking; a single consumer drains in batches.
package logqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/hookwatch/internal/record"
)

const (
	DefaultCapacity  = 4096
	DefaultBatchSize = 64
	DefaultTick      = 30 * time.Millisecond
)

// Consumer builds presentation entries from records.
type Consumer interface {
	Consume(rec *record.Call) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(rec *record.Call) error

// Consume calls f.
func (f ConsumerFunc) Consume(rec *record.Call) error { return f(rec) }

// Config sizes the queue.
type Config struct {
	Capacity  int
	BatchSize int
	Tick      time.Duration
	Logger    *zap.Logger
}

// Queue is a bounded ring of records. When full, the oldest record is
// dropped to make room.
type Queue struct {
	batch  int
	tick   time.Duration
	logger *zap.Logger

	mu   sync.Mutex
	buf  []*record.Call
	head int
	size int

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// New creates a queue. Zero fields take defaults.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Queue{
		batch:  cfg.BatchSize,
		tick:   cfg.Tick,
		logger: cfg.Logger,
		buf:    make([]*record.Call, cfg.Capacity),
	}
}

// QueueLog deep-clones rec's argument and return data and enqueues the
// copy. It never blocks on the consumer.
func (q *Queue) QueueLog(rec *record.Call) {
	if rec == nil {
		return
	}
	cp := rec.Clone()

	q.mu.Lock()
	if q.size == len(q.buf) {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped.Add(1)
	}
	q.buf[(q.head+q.size)%len(q.buf)] = cp
	q.size++
	q.mu.Unlock()
	q.enqueued.Add(1)
}

// Send implements processor.Sink.
func (q *Queue) Send(rec *record.Call) { q.QueueLog(rec) }

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats reports lifetime counters.
func (q *Queue) Stats() (enqueued, dropped, failed uint64) {
	return q.enqueued.Load(), q.dropped.Load(), q.failed.Load()
}

func (q *Queue) take(n int) []*record.Call {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > q.size {
		n = q.size
	}
	out := make([]*record.Call, n)
	for i := range out {
		out[i] = q.buf[q.head]
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= n
	return out
}

// ProcessLogQueue hands up to one batch to c and returns how many records
// it took. A failing record is logged and the batch continues.
func (q *Queue) ProcessLogQueue(c Consumer) int {
	batch := q.take(q.batch)
	for _, rec := range batch {
		if err := consume(c, rec); err != nil {
			q.failed.Add(1)
			q.logger.Warn("log entry failed",
				zap.String("record", rec.ID),
				zap.String("endpoint", rec.Path),
				zap.Error(err))
		}
	}
	return len(batch)
}

func consume(c Consumer, rec *record.Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
	}()
	return c.Consume(rec)
}

// Run drains one batch per tick until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, c Consumer) error {
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.ProcessLogQueue(c)
		}
	}
}
