// Package queue implements the bounded worker pool each pipeline stage
// runs on: FIFO intake, per-item exponential-backoff retry, and
// success/permanent-failure callbacks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/citra-space/citrascope/internal/task"
)

// ErrCancelled marks an attempt that was aborted by an operator stop or
// a per-job cancellation flag. Cancelled items are never retried; they
// go straight to the permanent-failure path.
var ErrCancelled = errors.New("work item cancelled")

// Item is one unit of stage work. Task may be nil for work that has no
// server-side identity (maintenance jobs).
type Item struct {
	ID      string
	Task    *task.Task
	Payload any
}

// Executor supplies the stage-specific behavior for a queue.
type Executor interface {
	// Execute performs one attempt. A nil error means success; any
	// error engages the retry machinery.
	Execute(ctx context.Context, item *Item) (any, error)
	// OnSuccess runs after a successful attempt, off the retry path.
	OnSuccess(item *Item, result any)
	// OnPermanentFailure runs once the retry budget is exhausted or the
	// item was cancelled.
	OnPermanentFailure(item *Item)
}

// Options configures a queue.
type Options struct {
	Label        string // human-readable stage name, e.g. "Imaging"
	Workers      int
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Capacity     int // FIFO size; default 256
}

// Stats is a point-in-time copy of the queue's lifetime counters.
type Stats struct {
	Attempts          uint64 `json:"attempts"`
	Successes         uint64 `json:"successes"`
	PermanentFailures uint64 `json:"permanentFailures"`
	Depth             int    `json:"depth"`
	Executing         int    `json:"executing"`
	Idle              bool   `json:"idle"`
}

// Queue is a fixed-size worker pool over a FIFO of items. Retries
// re-enter through the same FIFO so in-order items keep their fairness.
type Queue struct {
	label string
	exec  Executor
	opts  Options
	log   *slog.Logger

	items chan *Item
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu          sync.Mutex
	retries     map[string]int
	lastFailure map[string]time.Time

	executing         atomic.Int64
	attempts          atomic.Uint64
	successes         atomic.Uint64
	permanentFailures atomic.Uint64
}

// New builds a queue; call Start to launch its workers.
func New(opts Options, exec Executor) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 256
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 10 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Minute
	}
	return &Queue{
		label:       opts.Label,
		exec:        exec,
		opts:        opts,
		log:         slog.With("component", "queue", "queue", opts.Label),
		items:       make(chan *Item, opts.Capacity),
		quit:        make(chan struct{}),
		retries:     make(map[string]int),
		lastFailure: make(map[string]time.Time),
	}
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.log.Info("queue started", "workers", q.opts.Workers, "maxRetries", q.opts.MaxRetries)
}

// Submit enqueues an item. Returns false once the queue has stopped.
func (q *Queue) Submit(item *Item) bool {
	select {
	case <-q.quit:
		return false
	default:
	}
	select {
	case <-q.quit:
		return false
	case q.items <- item:
		depthGauge.WithLabelValues(q.label).Set(float64(len(q.items)))
		return true
	}
}

// Stop signals termination, sends one poison sentinel per worker, and
// joins with the given timeout. Workers that do not exit in time are
// abandoned.
func (q *Queue) Stop(timeout time.Duration) {
	q.once.Do(func() {
		close(q.quit)
		for i := 0; i < q.opts.Workers; i++ {
			select {
			case q.items <- nil:
			default:
			}
		}
		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			q.log.Info("queue stopped")
		case <-time.After(timeout):
			q.log.Warn("queue stop timed out, abandoning workers")
		}
	})
}

// IsIdle reports whether the FIFO is empty and no worker is executing.
func (q *Queue) IsIdle() bool {
	return len(q.items) == 0 && q.executing.Load() == 0
}

// Stats returns the lifetime counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Attempts:          q.attempts.Load(),
		Successes:         q.successes.Load(),
		PermanentFailures: q.permanentFailures.Load(),
		Depth:             len(q.items),
		Executing:         int(q.executing.Load()),
		Idle:              q.IsIdle(),
	}
}

// RetryCount returns the current retry counter for an item id.
func (q *Queue) RetryCount(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retries[id]
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case item := <-q.items:
			if item == nil {
				return
			}
			depthGauge.WithLabelValues(q.label).Set(float64(len(q.items)))
			q.runItem(item)
		}
	}
}

func (q *Queue) runItem(item *Item) {
	q.executing.Add(1)
	executingGauge.WithLabelValues(q.label).Inc()
	if item.Task != nil {
		item.Task.SetExecuting(true)
	}
	q.attempts.Add(1)
	attemptsTotal.WithLabelValues(q.label).Inc()

	started := time.Now()
	result, err := q.safeExecute(item)
	executeDuration.WithLabelValues(q.label).Observe(time.Since(started).Seconds())

	// The executing flag covers exactly one attempt, whatever its outcome.
	if item.Task != nil {
		item.Task.SetExecuting(false)
	}
	q.executing.Add(-1)
	executingGauge.WithLabelValues(q.label).Dec()

	switch {
	case err == nil:
		q.clearRetryState(item.ID)
		if item.Task != nil {
			item.Task.ClearNextRetry()
		}
		q.successes.Add(1)
		successesTotal.WithLabelValues(q.label).Inc()
		q.exec.OnSuccess(item, result)

	case errors.Is(err, ErrCancelled):
		q.log.Info("work item cancelled", "id", item.ID)
		q.clearRetryState(item.ID)
		if item.Task != nil {
			item.Task.ClearNextRetry()
		}
		q.permanentFailures.Add(1)
		permanentFailuresTotal.WithLabelValues(q.label).Inc()
		q.exec.OnPermanentFailure(item)

	default:
		q.handleFailure(item, err)
	}
}

// safeExecute converts a worker panic into an ordinary failed attempt so
// one bad item cannot take down the pool.
func (q *Queue) safeExecute(item *Item) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s executor: %v", q.label, r)
		}
	}()
	return q.exec.Execute(context.Background(), item)
}

func (q *Queue) handleFailure(item *Item, cause error) {
	q.mu.Lock()
	count := q.retries[item.ID]
	if count >= q.opts.MaxRetries {
		delete(q.retries, item.ID)
		delete(q.lastFailure, item.ID)
		q.mu.Unlock()

		if item.Task != nil {
			item.Task.ClearNextRetry()
		}
		q.permanentFailures.Add(1)
		permanentFailuresTotal.WithLabelValues(q.label).Inc()
		q.log.Error("work item permanently failed", "id", item.ID, "attempts", count+1, "error", cause)
		q.exec.OnPermanentFailure(item)
		return
	}
	q.retries[item.ID] = count + 1
	q.lastFailure[item.ID] = time.Now()
	q.mu.Unlock()

	delay := Backoff(q.opts.InitialDelay, q.opts.MaxDelay, count)
	if item.Task != nil {
		item.Task.SetNextRetry(time.Now().Add(delay))
		item.Task.SetStatus(fmt.Sprintf("%s failed (attempt %d/%d), retrying in %s...",
			q.label, count+1, q.opts.MaxRetries+1, delay.Round(time.Second)))
	}
	retriesTotal.WithLabelValues(q.label).Inc()
	q.log.Warn("work item failed, retrying", "id", item.ID,
		"attempt", count+1, "of", q.opts.MaxRetries+1, "delay", delay, "error", cause)

	time.AfterFunc(delay, func() {
		if !q.Submit(item) {
			q.log.Warn("retry dropped, queue stopped", "id", item.ID)
		}
	})
}

func (q *Queue) clearRetryState(id string) {
	q.mu.Lock()
	delete(q.retries, id)
	delete(q.lastFailure, id)
	q.mu.Unlock()
}

// Backoff returns min(initial * 2^failures, max).
func Backoff(initial, max time.Duration, failures int) time.Duration {
	d := time.Duration(float64(initial) * math.Pow(2, float64(failures)))
	if d <= 0 || d > max {
		return max
	}
	return d
}
