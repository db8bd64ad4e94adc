package api

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loginsentry/loginsentry/internal/monitoring"
)

type task struct {
	fn       func()
	enqueued time.Time
	done     chan struct{}
}

// workerPool runs request handlers on a fixed set of goroutines behind a
// bounded queue, recording queue-wait and run-time per latency bucket.
type workerPool struct {
	queue    chan *task
	counters *monitoring.Counters
	metrics  *monitoring.Metrics
	wg       sync.WaitGroup

	// mu guards closed so do never sends on a closed queue.
	mu     sync.RWMutex
	closed bool
}

func newWorkerPool(workers, queueSize int, counters *monitoring.Counters, metrics *monitoring.Metrics) *workerPool {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 5000
	}
	p := &workerPool{
		queue:    make(chan *task, queueSize),
		counters: counters,
		metrics:  metrics,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// do enqueues fn and waits for it to finish. Returns false when the queue is
// full or the pool is stopped; the caller maps that to a 503.
func (p *workerPool) do(fn func()) bool {
	t := &task{fn: fn, enqueued: time.Now(), done: make(chan struct{})}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false
	}
	select {
	case p.queue <- t:
	default:
		p.mu.RUnlock()
		return false
	}
	p.mu.RUnlock()
	<-t.done
	return true
}

// QueueDepth reports current queue occupancy, for the queue-depth gauge.
func (p *workerPool) QueueDepth() int { return len(p.queue) }

func (p *workerPool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		wait := time.Since(t.enqueued)
		p.record("queue", wait, &p.counters.QueueWait)
		start := time.Now()
		t.fn()
		p.record("run", time.Since(start), &p.counters.RunTime)
		close(t.done)
	}
}

func (p *workerPool) record(phase string, d time.Duration, buckets *[5]atomic.Uint64) {
	idx := monitoring.BucketFor(d)
	buckets[idx].Add(1)
	if p.metrics != nil {
		p.metrics.Latency.WithLabelValues(phase, monitoring.LatencyBuckets[idx]).Inc()
	}
}

func (p *workerPool) stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
