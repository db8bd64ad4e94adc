// Package monitoring holds the Prometheus metrics and the plain process
// counters returned by the stats command.
package monitoring

import (
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets are the histogram bucket labels for worker queue-wait and
// run-time, in milliseconds.
var LatencyBuckets = [5]string{"0-1", "1-10", "10-100", "100-1000", ">1000"}

// BucketFor maps a duration onto a LatencyBuckets index.
func BucketFor(d time.Duration) int {
	ms := d.Milliseconds()
	switch {
	case ms < 1:
		return 0
	case ms < 10:
		return 1
	case ms < 100:
		return 2
	case ms < 1000:
		return 3
	default:
		return 4
	}
}

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	Commands    *prometheus.CounterVec
	AllowStatus *prometheus.CounterVec
	Latency     *prometheus.CounterVec
	SiblingSent *prometheus.GaugeVec
	SiblingRecv *prometheus.GaugeVec
	ListUpdates *prometheus.CounterVec
	Webhooks    *prometheus.CounterVec
	ConnFail    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Commands: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginsentry_commands_total",
				Help: "API commands processed",
			},
			[]string{"command"},
		),
		AllowStatus: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginsentry_allow_status_total",
				Help: "Allow verdicts by status class",
			},
			[]string{"status"}, // allow, reject, tarpit
		),
		Latency: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginsentry_worker_latency_total",
				Help: "Worker latency by phase and millisecond bucket",
			},
			[]string{"phase", "bucket"}, // phase: queue, run
		),
		// Exported as gauges mirrored from the siblings' atomic counters.
		SiblingSent: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loginsentry_sibling_sent_total",
				Help: "Replication frames sent per sibling",
			},
			[]string{"sibling", "result"}, // result: ok, fail
		),
		SiblingRecv: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loginsentry_sibling_received_total",
				Help: "Replication frames received per sibling",
			},
			[]string{"sibling", "result"},
		),
		ListUpdates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginsentry_list_updates_total",
				Help: "Deny/allow list mutations",
			},
			[]string{"list", "op"}, // op: add, del, expire
		),
		Webhooks: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loginsentry_webhook_deliveries_total",
				Help: "Webhook deliveries",
			},
			[]string{"result"},
		),
		ConnFail: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "loginsentry_connection_failures_total",
				Help: "Failed inbound or sibling connections",
			},
		),
	}
}

// RegisterGauge exposes a live value (list sizes, queue depths) as a gauge.
func RegisterGauge(name, help string, fn func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}

// =============================================================================
// Process counters for the stats command
// =============================================================================

// Counters are the integer counters returned by GET /?command=stats.
type Counters struct {
	start time.Time

	Reports atomic.Uint64
	Allows  atomic.Uint64
	Denieds atomic.Uint64

	QueueWait [5]atomic.Uint64
	RunTime   [5]atomic.Uint64

	mu       sync.Mutex
	commands map[string]*atomic.Uint64
	custom   map[string]*atomic.Uint64
}

// NewCounters starts the uptime clock.
func NewCounters() *Counters {
	return &Counters{
		start:    time.Now(),
		commands: make(map[string]*atomic.Uint64),
		custom:   make(map[string]*atomic.Uint64),
	}
}

func (c *Counters) bump(m map[string]*atomic.Uint64, name string) {
	c.mu.Lock()
	ctr, ok := m[name]
	if !ok {
		ctr = &atomic.Uint64{}
		m[name] = ctr
	}
	c.mu.Unlock()
	ctr.Add(1)
}

// Command counts one invocation of a built-in command.
func (c *Counters) Command(name string) { c.bump(c.commands, name) }

// Custom counts one invocation of a custom endpoint.
func (c *Counters) Custom(name string) { c.bump(c.custom, name) }

// Uptime returns whole seconds since process start.
func (c *Counters) Uptime() int64 { return int64(time.Since(c.start) / time.Second) }

func snapshot(m map[string]*atomic.Uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v.Load()
	}
	return out
}

func bucketMap(b *[5]atomic.Uint64) map[string]uint64 {
	out := make(map[string]uint64, len(LatencyBuckets))
	for i, name := range LatencyBuckets {
		out[name] = b[i].Load()
	}
	return out
}

// Stats builds the JSON body of the stats command.
func (c *Counters) Stats() map[string]interface{} {
	var ru syscall.Rusage
	var userMs, sysMs int64
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		userMs = ru.Utime.Sec*1000 + int64(ru.Utime.Usec)/1000
		sysMs = ru.Stime.Sec*1000 + int64(ru.Stime.Usec)/1000
	}
	c.mu.Lock()
	commands := snapshot(c.commands)
	custom := snapshot(c.custom)
	c.mu.Unlock()
	return map[string]interface{}{
		"reports":     c.Reports.Load(),
		"allows":      c.Allows.Load(),
		"denieds":     c.Denieds.Load(),
		"uptime_secs": c.Uptime(),
		"user_msec":   userMs,
		"sys_msec":    sysMs,
		"commands":    commands,
		"custom":      custom,
		"queue_wait":  bucketMap(&c.QueueWait),
		"run_time":    bucketMap(&c.RunTime),
	}
}
