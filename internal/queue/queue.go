// Package queue admits orders for execution under a concurrency cap and a
// rolling admission rate, with idempotent enqueue and kind-based priority.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openliquid/swapflow/errs"
	"github.com/openliquid/swapflow/internal/observability"
	"github.com/openliquid/swapflow/internal/schema"
)

// Runner executes one admitted order to a terminal state. The error return
// feeds the queue's failed counter only; retry decisions live inside the
// runner, so the queue never re-runs a job.
type Runner interface {
	Execute(ctx context.Context, orderID string) error
}

// ConnectionCounter reports open subscriber connections for the stats view.
type ConnectionCounter interface {
	Count() int
}

// Config bounds admission.
type Config struct {
	// Concurrency is the worker pool size; at most this many orders
	// execute at once.
	Concurrency int
	// RateLimit admissions per RateWindow are dispatched; the rest wait.
	RateLimit  int
	RateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	return c
}

// Stats is the read-only snapshot exposed to the stats endpoint.
type Stats struct {
	Waiting           int `json:"waiting"`
	Active            int `json:"active"`
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	Delayed           int `json:"delayed"`
	ActiveConnections int `json:"activeConnections"`
}

type jobState int

const (
	stateWaiting jobState = iota
	stateDelayed
	stateActive
	stateCompleted
	stateFailed
)

type jobRecord struct {
	orderID  string
	rank     int
	state    jobState
	enqueued time.Time
	finished time.Time
	index    int
}

// Queue is the admission controller. Admit is safe for concurrent use; the
// dispatch loop and workers are started once with Start.
type Queue struct {
	cfg     Config
	runner  Runner
	conns   ConnectionCounter
	limiter *rate.Limiter

	mu      sync.Mutex
	jobs    map[string]*jobRecord
	waiting jobHeap
	paused  bool
	closed  bool

	notify chan struct{}
	workCh chan *jobRecord
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stopped queue; call Start before admitting work. conns may be
// nil when no broadcaster is wired.
func New(cfg Config, runner Runner, conns ConnectionCounter) *Queue {
	cfg = cfg.withDefaults()
	interval := cfg.RateWindow / time.Duration(cfg.RateLimit)
	return &Queue{
		cfg:     cfg,
		runner:  runner,
		conns:   conns,
		limiter: rate.NewLimiter(rate.Every(interval), cfg.RateLimit),
		jobs:    make(map[string]*jobRecord),
		notify:  make(chan struct{}, 1),
		workCh:  make(chan *jobRecord),
	}
}

// Start launches the dispatcher and the worker pool. The pool drains and
// exits when ctx is cancelled or Shutdown is called.
func (q *Queue) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.dispatch(runCtx)
	}()
	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(runCtx)
		}()
	}
}

// Admit enqueues the order exactly once. A duplicate admission for an order
// id already tracked is a silent no-op.
func (q *Queue) Admit(_ context.Context, order *schema.Order) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errs.New("queue", errs.CodeUnavailable,
			errs.WithMessage("queue shutting down"), errs.WithOrderID(order.ID))
	}
	if _, dup := q.jobs[order.ID]; dup {
		q.mu.Unlock()
		observability.Log().Debug("duplicate admission ignored",
			observability.F("order_id", order.ID))
		return nil
	}
	rec := &jobRecord{
		orderID:  order.ID,
		rank:     order.Kind.PriorityRank(),
		state:    stateWaiting,
		enqueued: time.Now(),
	}
	q.jobs[order.ID] = rec
	heap.Push(&q.waiting, rec)
	q.mu.Unlock()

	observability.Telemetry().IncCounter("queue_admitted_total", 1, nil)
	q.wake()
	return nil
}

// Pause stops handing waiting jobs to workers. Jobs already executing run to
// completion.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables dispatch.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.wake()
}

// Stats snapshots the bookkeeping counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	var s Stats
	for _, rec := range q.jobs {
		switch rec.state {
		case stateWaiting:
			s.Waiting++
		case stateDelayed:
			s.Delayed++
		case stateActive:
			s.Active++
		case stateCompleted:
			s.Completed++
		case stateFailed:
			s.Failed++
		}
	}
	q.mu.Unlock()
	if q.conns != nil {
		s.ActiveConnections = q.conns.Count()
	}
	return s
}

// Cleanup drops bookkeeping for terminal jobs older than age and reports how
// many were removed. The durable order history is untouched.
func (q *Queue) Cleanup(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, rec := range q.jobs {
		if rec.state != stateCompleted && rec.state != stateFailed {
			continue
		}
		if rec.finished.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed
}

// Shutdown stops intake, lets the dispatcher drain the waiting heap, and
// waits for in-flight executions. On ctx expiry the remaining work is
// cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if q.cancel != nil {
			q.cancel()
		}
		return nil
	case <-ctx.Done():
		if q.cancel != nil {
			q.cancel()
		}
		<-done
		return ctx.Err()
	}
}

// dispatch pops waiting jobs in priority order, paces them through the rate
// limiter, and hands them to the worker pool.
func (q *Queue) dispatch(ctx context.Context) {
	defer close(q.workCh)
	for {
		rec := q.next(ctx)
		if rec == nil {
			return
		}
		if !q.limiter.Allow() {
			q.setState(rec, stateDelayed)
			observability.Telemetry().IncCounter("queue_rate_delayed_total", 1, nil)
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}
		select {
		case q.workCh <- rec:
		case <-ctx.Done():
			return
		}
	}
}

// next blocks until a job can be popped. It returns nil when the context is
// cancelled, or when the queue is closed and the waiting heap is drained.
func (q *Queue) next(ctx context.Context) *jobRecord {
	for {
		q.mu.Lock()
		if !q.paused && q.waiting.Len() > 0 {
			rec := heap.Pop(&q.waiting).(*jobRecord)
			q.mu.Unlock()
			return rec
		}
		drained := q.closed && q.waiting.Len() == 0
		q.mu.Unlock()
		if drained {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}
	}
}

func (q *Queue) work(ctx context.Context) {
	for rec := range q.workCh {
		q.setState(rec, stateActive)
		err := q.runner.Execute(ctx, rec.orderID)
		q.mu.Lock()
		rec.finished = time.Now()
		if err != nil {
			rec.state = stateFailed
		} else {
			rec.state = stateCompleted
		}
		q.mu.Unlock()
		if err != nil {
			observability.Log().Warn("job finished with failure",
				observability.F("order_id", rec.orderID),
				observability.F("error", err.Error()))
			observability.Telemetry().IncCounter("queue_jobs_total", 1, map[string]string{"outcome": "failed"})
		} else {
			observability.Telemetry().IncCounter("queue_jobs_total", 1, map[string]string{"outcome": "completed"})
		}
	}
}

func (q *Queue) setState(rec *jobRecord, state jobState) {
	q.mu.Lock()
	rec.state = state
	q.mu.Unlock()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// jobHeap orders waiting jobs by kind rank, then admission time.
type jobHeap []*jobRecord

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].enqueued.Before(h[j].enqueued)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	rec := x.(*jobRecord)
	rec.index = len(*h)
	*h = append(*h, rec)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*h = old[:n-1]
	return rec
}
