// Package scheduler polls the dispatch service for observation tasks and
// releases each one to the imaging pipeline when its window opens.
//
// Two loops run side by side. The poll loop pulls the task list for this
// telescope, accepts new tasks into a priority queue ordered by window
// start, and evicts waiting tasks the server no longer lists. The runner
// loop pops the next due task and hands it to the pipeline, provided the
// operator has not paused dispatch, automation is on, no maintenance
// routine holds the mount, and the safety gates allow a slew.
//
// A task lives in exactly one place at a time: the schedule here, or one
// of the pipeline stages. The shared task registry is the authority for
// that; the scheduler only ever accepts a task the registry has never
// seen, and hands ownership to the pipeline at dispatch.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/safety"
	"github.com/citra-space/citrascope/internal/task"
)

// ============================================================================
// COLLABORATOR CONTRACTS
// ============================================================================

// Client is the slice of the dispatch API the scheduler needs.
type Client interface {
	Tasks(ctx context.Context, telescopeID string) ([]dispatch.TaskRecord, error)
	MarkTask(ctx context.Context, taskID, status string) error
}

// Submitter accepts a task for observation. done is invoked once the
// task has released the telescope, whether the observation succeeded or
// not; the scheduler will not dispatch again before then. A false return
// means the pipeline cannot take the task right now and it stays
// scheduled.
type Submitter interface {
	SubmitImaging(t *task.Task, done func()) bool
}

// Gate vetoes proposed hardware actions. Typically *safety.Monitor.
type Gate interface {
	IsActionSafe(kind string, params map[string]any) bool
}

// Maintenance exposes the telescope maintenance routines (autofocus,
// alignment, homing). A busy routine owns the mount and defers dispatch;
// CheckAndExecute runs at most one due routine per call and reports
// whether it did.
type Maintenance interface {
	AnyBusy() bool
	CheckAndExecute(ctx context.Context) bool
}

// ============================================================================
// SCHEDULER
// ============================================================================

// Options configures a Scheduler.
type Options struct {
	// TelescopeID scopes the task poll to this instrument.
	TelescopeID string

	// PollInterval is the cadence of the dispatch API poll.
	PollInterval time.Duration

	// RunnerInterval is the cadence of the dispatch-to-pipeline check.
	RunnerInterval time.Duration

	// Automated is the initial automated-scheduling state. When false the
	// runner holds all tasks until an operator re-enables automation.
	Automated bool
}

// Stats is a point-in-time snapshot of scheduler state.
type Stats struct {
	HeapDepth     int       `json:"heapDepth"`
	Paused        bool      `json:"paused"`
	Automated     bool      `json:"automated"`
	CurrentTaskID string    `json:"currentTaskId,omitempty"`
	LastPoll      time.Time `json:"lastPoll"`
	LastPollOK    bool      `json:"lastPollOk"`
}

// Scheduler owns the waiting-task queue and the two loops that feed it
// and drain it.
type Scheduler struct {
	client   Client
	registry *task.Registry
	submit   Submitter
	gate     Gate
	maint    Maintenance
	opts     Options
	log      *slog.Logger

	mu       sync.Mutex
	heap     taskHeap
	known    map[string]*task.Task // tasks waiting in the heap
	inFlight map[string]*task.Task // tasks handed to the pipeline, telescope not yet released
	paused   bool
	auto     bool
	lastPoll time.Time
	pollOK   bool

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// New builds a scheduler. gate and maint may be nil, which disables the
// corresponding hold.
func New(client Client, registry *task.Registry, submit Submitter, gate Gate, maint Maintenance, opts Options) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.RunnerInterval <= 0 {
		opts.RunnerInterval = time.Second
	}
	s := &Scheduler{
		client:   client,
		registry: registry,
		submit:   submit,
		gate:     gate,
		maint:    maint,
		opts:     opts,
		log:      slog.With("component", "scheduler"),
		known:    make(map[string]*task.Task),
		inFlight: make(map[string]*task.Task),
		auto:     opts.Automated,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	heap.Init(&s.heap)
	return s
}

// Start launches the poll and runner loops.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts both loops and waits for them to exit. Tasks already handed
// to the pipeline are unaffected.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	pollT := time.NewTicker(s.opts.PollInterval)
	defer pollT.Stop()
	runT := time.NewTicker(s.opts.RunnerInterval)
	defer runT.Stop()

	// Prime the schedule before the first tick.
	s.PollOnce(ctx)

	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case <-pollT.C:
			s.PollOnce(ctx)
		case <-runT.C:
			s.runOnce(ctx)
		}
	}
}

// ============================================================================
// POLL LOOP — dispatch API is the source of truth for the waiting set
// ============================================================================

// PollOnce fetches the server's task list once, accepting new tasks and
// evicting waiting tasks the server dropped. On a fetch error the local
// schedule is left untouched.
func (s *Scheduler) PollOnce(ctx context.Context) {
	records, err := s.client.Tasks(ctx, s.opts.TelescopeID)

	s.mu.Lock()
	s.lastPoll = time.Now()
	s.pollOK = err == nil
	s.mu.Unlock()

	if err != nil {
		pollFailuresTotal.Inc()
		s.log.Error("task poll failed, keeping current schedule", "error", err)
		return
	}

	listed := make(map[string]struct{}, len(records))
	for i := range records {
		rec := &records[i]
		listed[rec.ID] = struct{}{}
		if s.registry.Contains(rec.ID) {
			continue // already scheduled or mid-pipeline
		}
		s.accept(ctx, rec)
	}

	s.evictMissing(listed)
	s.publishDepth()
}

// accept admits one server task into the schedule. Pending tasks are
// acknowledged to the server first; if that fails the task is skipped and
// retried on the next poll.
func (s *Scheduler) accept(ctx context.Context, rec *dispatch.TaskRecord) {
	t, err := task.FromRecord(rec)
	if err != nil {
		s.log.Warn("skipping malformed task record", "task", rec.ID, "error", err)
		return
	}

	if rec.Status == dispatch.StatusPending {
		if err := s.client.MarkTask(ctx, rec.ID, dispatch.StatusScheduled); err != nil {
			s.log.Warn("could not acknowledge task, will retry next poll", "task", rec.ID, "error", err)
			return
		}
	}

	t.SetStatus(fmt.Sprintf("Scheduled, window opens %s", t.Start.UTC().Format(time.RFC3339)))

	s.mu.Lock()
	s.known[t.ID] = t
	heap.Push(&s.heap, &entry{startEpoch: t.StartEpoch(), stopEpoch: t.StopEpoch(), id: t.ID})
	s.mu.Unlock()

	s.registry.Track(t, task.StageScheduled)
	scheduledTotal.Inc()
	s.log.Info("task scheduled",
		"task", t.ID,
		"satellite", t.SatelliteName,
		"start", t.Start.UTC().Format(time.RFC3339),
		"stop", t.Stop.UTC().Format(time.RFC3339))
}

// evictMissing removes waiting tasks the server no longer lists. Tasks
// already dispatched to the pipeline are not touched; a server-side
// cancellation reaches those through their cancel flag instead.
func (s *Scheduler) evictMissing(listed map[string]struct{}) {
	s.mu.Lock()
	var evicted []*task.Task
	for id, t := range s.known {
		if _, ok := listed[id]; !ok {
			delete(s.known, id)
			evicted = append(evicted, t)
		}
	}
	s.mu.Unlock()

	// Heap entries for evicted ids stay behind and are discarded as
	// stale when popped.
	for _, t := range evicted {
		t.Cancel()
		s.registry.Drop(t.ID)
		evictedTotal.Inc()
		s.log.Info("task evicted, no longer listed by dispatch", "task", t.ID)
	}
}

// ============================================================================
// RUNNER LOOP — release due tasks to the pipeline
// ============================================================================

// runOnce performs one dispatch cycle. A panic in a collaborator is
// contained so one bad cycle cannot kill the loop.
func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("runner cycle panicked", "panic", r)
		}
	}()

	s.mu.Lock()
	hold := s.paused || !s.auto || len(s.inFlight) > 0
	s.mu.Unlock()
	if hold {
		return
	}

	// Maintenance owns the mount between observations. A routine that is
	// running, or starts now, defers dispatch to the next cycle.
	if s.maint != nil {
		if s.maint.AnyBusy() {
			return
		}
		if s.maint.CheckAndExecute(ctx) {
			return
		}
	}

	now := time.Now().Unix()
	next, expired := s.takeDue(now)
	for _, t := range expired {
		s.expire(ctx, t)
	}
	if next == nil {
		return
	}

	if s.gate != nil && !s.gate.IsActionSafe(safety.ProposedSlew, map[string]any{"task_id": next.ID}) {
		s.log.Warn("dispatch vetoed by safety gate, task stays scheduled", "task", next.ID)
		s.requeue(next)
		return
	}

	s.dispatch(next)
}

// takeDue drains the heap head: stale entries are discarded, expired
// tasks are collected for failure handling, and the first task whose
// window is open is claimed. Claimed means removed from the waiting set;
// the caller either dispatches it or requeues it.
func (s *Scheduler) takeDue(now int64) (next *task.Task, expired []*task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		head := s.heap[0]
		t, ok := s.known[head.id]
		if !ok {
			heap.Pop(&s.heap) // evicted or cleared while waiting
			continue
		}
		if head.stopEpoch <= now {
			heap.Pop(&s.heap)
			delete(s.known, head.id)
			expired = append(expired, t)
			continue
		}
		if head.startEpoch > now {
			return nil, expired
		}
		heap.Pop(&s.heap)
		delete(s.known, head.id)
		return t, expired
	}
	return nil, expired
}

// requeue puts a claimed task back into the waiting set.
func (s *Scheduler) requeue(t *task.Task) {
	s.mu.Lock()
	s.known[t.ID] = t
	heap.Push(&s.heap, &entry{startEpoch: t.StartEpoch(), stopEpoch: t.StopEpoch(), id: t.ID})
	s.mu.Unlock()
}

// expire marks a task whose window closed before it ever ran. The window
// is gone; there is nothing to retry.
func (s *Scheduler) expire(ctx context.Context, t *task.Task) {
	t.SetStatus("Window expired before execution")
	s.registry.Drop(t.ID)
	expiredTotal.Inc()
	s.log.Warn("task window expired before dispatch", "task", t.ID, "stop", t.Stop.UTC().Format(time.RFC3339))
	if err := s.client.MarkTask(ctx, t.ID, dispatch.StatusFailed); err != nil {
		s.log.Error("could not report expired task", "task", t.ID, "error", err)
	}
}

// dispatch hands a due task to the pipeline.
func (s *Scheduler) dispatch(t *task.Task) {
	t.SetStatus("Queued for imaging")

	release := func() {
		s.mu.Lock()
		delete(s.inFlight, t.ID)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.inFlight[t.ID] = t
	s.mu.Unlock()

	if !s.submit.SubmitImaging(t, release) {
		release()
		s.log.Warn("pipeline refused task, task stays scheduled", "task", t.ID)
		s.requeue(t)
		return
	}

	dispatchedTotal.Inc()
	s.publishDepth()
	s.log.Info("task dispatched to pipeline", "task", t.ID, "satellite", t.SatelliteName)
}

// ============================================================================
// OPERATOR CONTROLS
// ============================================================================

// Pause holds all dispatching until Resume. Polling continues.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.log.Info("scheduler paused")
}

// Resume lifts a Pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.log.Info("scheduler resumed")
}

// Paused reports whether dispatching is held by the operator.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetAutomated flips automated scheduling. While off, polled tasks keep
// accumulating but none are dispatched.
func (s *Scheduler) SetAutomated(v bool) {
	s.mu.Lock()
	s.auto = v
	s.mu.Unlock()
	s.log.Info("automated scheduling updated", "enabled", v)
}

// Automated reports whether automated scheduling is on.
func (s *Scheduler) Automated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto
}

// ClearPending drops every waiting task from the schedule and returns
// how many were dropped. Tasks already in the pipeline are unaffected.
// The server's task list is not changed, so a cleared task that is still
// listed comes back on the next poll.
func (s *Scheduler) ClearPending() int {
	s.mu.Lock()
	cleared := make([]*task.Task, 0, len(s.known))
	for id, t := range s.known {
		delete(s.known, id)
		cleared = append(cleared, t)
	}
	s.heap = s.heap[:0]
	s.mu.Unlock()

	for _, t := range cleared {
		s.registry.Drop(t.ID)
	}
	s.publishDepth()
	if len(cleared) > 0 {
		s.log.Info("pending tasks cleared", "count", len(cleared))
	}
	return len(cleared)
}

// CurrentTask returns the task currently holding the telescope, if any.
func (s *Scheduler) CurrentTask() (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.inFlight {
		return t, true
	}
	return nil, false
}

// Stats returns a snapshot for the status surface.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		HeapDepth:  len(s.known),
		Paused:     s.paused,
		Automated:  s.auto,
		LastPoll:   s.lastPoll,
		LastPollOK: s.pollOK,
	}
	for id := range s.inFlight {
		st.CurrentTaskID = id
		break
	}
	return st
}

func (s *Scheduler) publishDepth() {
	s.mu.Lock()
	depth := len(s.known)
	s.mu.Unlock()
	heapDepthGauge.Set(float64(depth))
}
