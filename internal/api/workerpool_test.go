package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loginsentry/loginsentry/internal/monitoring"
)

func bucketSum(b *[5]uint64) uint64 {
	var sum uint64
	for _, v := range b {
		sum += v
	}
	return sum
}

func TestWorkerPoolRunsTasks(t *testing.T) {
	c := monitoring.NewCounters()
	p := newWorkerPool(2, 4, c, nil)
	defer p.stop()

	ran := make(chan struct{})
	require.True(t, p.do(func() { close(ran) }))
	<-ran

	var queue, run [5]uint64
	for i := range queue {
		queue[i] = c.QueueWait[i].Load()
		run[i] = c.RunTime[i].Load()
	}
	assert.Equal(t, uint64(1), bucketSum(&queue))
	assert.Equal(t, uint64(1), bucketSum(&run))
}

func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	p := newWorkerPool(1, 1, monitoring.NewCounters(), nil)

	release := make(chan struct{})
	started := make(chan struct{})
	busy := make(chan bool)
	queued := make(chan bool)

	go func() { busy <- p.do(func() { close(started); <-release }) }()
	<-started
	go func() { queued <- p.do(func() {}) }()

	// Wait for the second task to occupy the queue slot.
	deadline := time.Now().Add(2 * time.Second)
	for p.QueueDepth() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, p.QueueDepth())

	assert.False(t, p.do(func() {}))

	close(release)
	assert.True(t, <-busy)
	assert.True(t, <-queued)
	p.stop()
}

func TestWorkerPoolStopRejectsNewTasks(t *testing.T) {
	p := newWorkerPool(1, 4, monitoring.NewCounters(), nil)
	p.stop()

	assert.False(t, p.do(func() {}))

	// stop is idempotent.
	p.stop()
}
