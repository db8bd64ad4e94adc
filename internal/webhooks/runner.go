package webhooks

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/loginsentry/loginsentry/internal/monitoring"
)

// Runner delivers webhook events asynchronously. RunHook never blocks; a
// full queue drops the delivery and counts a failure. There are no retries.
type Runner struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	metrics    *monitoring.Metrics
	logger     *log.Logger
	wg         sync.WaitGroup
	closeOnce  sync.Once
	now        func() time.Time
}

type deliveryJob struct {
	hook  *Hook
	event EventType
	body  []byte
}

// RunnerOpts tunes the runner; zero values get defaults (5 workers, 1000
// queue slots, 2s timeout, 10 idle conns per host). Metrics is optional;
// when set, every delivery outcome is counted under result="ok"/"fail".
type RunnerOpts struct {
	Workers      int
	QueueSize    int
	Timeout      time.Duration
	MaxHookConns int
	Metrics      *monitoring.Metrics
}

// NewRunner creates a webhook runner with a background worker pool.
func NewRunner(registry *Registry, opts RunnerOpts) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.MaxHookConns <= 0 {
		opts.MaxHookConns = 10
	}
	r := &Runner{
		registry: registry,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: opts.MaxHookConns,
				MaxConnsPerHost:     opts.MaxHookConns,
			},
		},
		queue:   make(chan *deliveryJob, opts.QueueSize),
		metrics: opts.Metrics,
		logger:  log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
		now:     time.Now,
	}
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Emit marshals data and queues one delivery per subscribed hook.
func (r *Runner) Emit(event EventType, data interface{}) {
	hooks := r.registry.Subscribers(event)
	if len(hooks) == 0 {
		return
	}
	body, err := json.Marshal(data)
	if err != nil {
		r.logger.Printf("⚠️  marshal %s payload: %v", event, err)
		return
	}
	for _, hook := range hooks {
		r.RunHook(event, hook, body)
	}
}

// EmitAllow is Emit for the allow event, honouring per-hook allow_filter.
func (r *Runner) EmitAllow(status int, data interface{}) {
	hooks := r.registry.Subscribers(EventAllow)
	if len(hooks) == 0 {
		return
	}
	body, err := json.Marshal(data)
	if err != nil {
		r.logger.Printf("⚠️  marshal allow payload: %v", err)
		return
	}
	for _, hook := range hooks {
		if hook.MatchesAllowStatus(status) {
			r.RunHook(EventAllow, hook, body)
		}
	}
}

// RunHook queues one delivery. Non-blocking.
func (r *Runner) RunHook(event EventType, hook *Hook, body []byte) {
	select {
	case r.queue <- &deliveryJob{hook: hook, event: event, body: body}:
	default:
		hook.Failure.Add(1)
		r.observe(false)
		r.logger.Printf("⚠️  webhook queue full, dropping %s for %s", event, hook.ID)
	}
}

func (r *Runner) observe(ok bool) {
	if r.metrics == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "fail"
	}
	r.metrics.Webhooks.WithLabelValues(result).Inc()
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for job := range r.queue {
		r.deliver(job)
	}
}

func (r *Runner) deliver(job *deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.hook.URL(), bytes.NewReader(job.body))
	if err != nil {
		job.hook.Failure.Add(1)
		r.observe(false)
		r.logger.Printf("⚠️  build webhook request for %s: %v", job.hook.ID, err)
		return
	}
	ts := r.now().UTC().Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wforce-Event", string(job.event))
	req.Header.Set("X-Wforce-HookID", job.hook.ID)
	req.Header.Set("X-Wforce-Delivery", DeliveryID(ts, job.hook.ID, job.event))
	if secret := job.hook.Secret(); secret != "" {
		req.Header.Set("X-Wforce-Signature", SignPayload(job.body, secret))
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		job.hook.Failure.Add(1)
		r.observe(false)
		r.logger.Printf("⚠️  webhook delivery failed: %s → %v", job.hook.URL(), err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		job.hook.Failure.Add(1)
		r.observe(false)
		r.logger.Printf("⚠️  webhook returned %d: %s (%s)", resp.StatusCode, job.hook.URL(), job.event)
		return
	}
	job.hook.Success.Add(1)
	r.observe(true)
}

// Shutdown drains the queue and stops the workers.
func (r *Runner) Shutdown() {
	r.closeOnce.Do(func() { close(r.queue) })
	r.wg.Wait()
}
