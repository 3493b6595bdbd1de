// Package pool implements the dynamic worker pool at the heart of the
// control center. Workers assign themselves tasks from the shared queue
// under a single assignment lock, extract outside the lock, and complete
// atomically: terminal state transition, artifact persistence, completion
// event, then the next assignment.
//
// Lock order where locks compose: assignment lock -> tracker lock -> queue
// lock. The aggregator's lock is independent and never held with these.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"magpie/engine/models"
	"magpie/engine/queue"
	"magpie/engine/scraper"
	"magpie/engine/state"
	"magpie/engine/telemetry/logging"
	"magpie/engine/telemetry/metrics"
)

const (
	// DefaultPoolSize bounds concurrent extractions.
	DefaultPoolSize = 8
	// assignRetryBound caps the dequeue-validate loop before the queue sweep
	// takes over. Races can pack the queue with terminal ghosts; the sweep is
	// the backstop that keeps the loop from livelocking.
	assignRetryBound = 50
	// idlePoll is how long an idle worker sleeps between assignment attempts.
	idlePoll = 100 * time.Millisecond
	// idleLogEvery spaces out worker-stall diagnostics.
	idleLogEvery = 50
)

// ProgressSink receives the pool's lifecycle notifications. The progress
// aggregator is the production implementation.
type ProgressSink interface {
	RecordStart(task *models.Task, workerID string)
	RecordProgress(task *models.Task, workerID string, upd scraper.ProgressUpdate)
	RecordCompletion(ev models.CompletionEvent)
}

// ArtifactSaver persists a successful result before its completion event is
// published.
type ArtifactSaver interface {
	Persist(result *models.Result, batchID string, scraperType models.ScraperType, linkType models.LinkType) (string, error)
}

// CancelCheck reports whether a batch has been cancelled.
type CancelCheck func(batchID string) bool

// Worker is one pool member. All fields are guarded by the assignment lock
// after startup.
type Worker struct {
	ID             string
	State          models.WorkerState
	CurrentTask    *models.Task
	TasksCompleted int
	TasksFailed    int
	CreatedAt      time.Time

	started        bool
	idleIterations int
}

// WorkerStats aggregates worker-level counters.
type WorkerStats struct {
	Idle           int `json:"idle"`
	Processing     int `json:"processing"`
	Terminated     int `json:"terminated"`
	TotalCompleted int `json:"total_completed"`
	TotalFailed    int `json:"total_failed"`
}

// Config tunes the pool.
type Config struct {
	PoolSize int
}

// Pool is the bounded worker set. Startup is gradual: one worker thread at
// pool start, one more after each completion while queued work remains, up
// to PoolSize. This avoids a cold-start stampede of extractors contending
// for the network.
type Pool struct {
	cfg     Config
	queue   *queue.TaskQueue
	tracker *state.Tracker
	factory *scraper.Factory
	sink    ProgressSink
	saver   ArtifactSaver
	log     logging.Logger
	cancel  CancelCheck

	// assignMu is the assignment lock: it serializes dequeue-and-assign,
	// complete-and-reassign, and worker spawning.
	assignMu sync.Mutex
	workers  map[string]*Worker
	order    []string

	raceCount atomic.Int64
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	started   atomic.Bool
	startTime time.Time
	endTime   time.Time

	mCompleted metrics.Counter
	mFailed    metrics.Counter
	mRaces     metrics.Counter
	gQueue     metrics.Gauge
	gActive    metrics.Gauge
}

// New wires a pool against its collaborators. A nil provider disables
// instrumentation; a nil cancel check means no batch is ever cancelled.
func New(cfg Config, q *queue.TaskQueue, tracker *state.Tracker, factory *scraper.Factory,
	sink ProgressSink, saver ArtifactSaver, cancel CancelCheck,
	log logging.Logger, provider metrics.Provider) *Pool {

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	p := &Pool{
		cfg:      cfg,
		queue:    q,
		tracker:  tracker,
		factory:  factory,
		sink:     sink,
		saver:    saver,
		cancel:   cancel,
		log:      log,
		workers:  make(map[string]*Worker),
		shutdown: make(chan struct{}),
		mCompleted: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "magpie", Subsystem: "pool", Name: "tasks_completed_total", Help: "Tasks finished successfully"}}),
		mFailed: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "magpie", Subsystem: "pool", Name: "tasks_failed_total", Help: "Tasks finished in failure"}}),
		mRaces: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "magpie", Subsystem: "pool", Name: "dequeue_races_total", Help: "Dequeued tasks found terminal or assigned elsewhere"}}),
		gQueue: provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "magpie", Subsystem: "pool", Name: "queue_depth", Help: "Tasks waiting in the queue"}}),
		gActive: provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "magpie", Subsystem: "pool", Name: "workers_active", Help: "Worker threads started"}}),
	}
	return p
}

// Start creates the worker records and launches exactly one worker thread.
// The rest start one at a time as completions prove there is work for them.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		if p.log != nil {
			p.log.WarnCtx(context.Background(), "pool already started")
		}
		return
	}
	p.startTime = time.Now()

	p.assignMu.Lock()
	for i := 1; i <= p.cfg.PoolSize; i++ {
		id := fmt.Sprintf("worker_%d", i)
		p.workers[id] = &Worker{ID: id, State: models.WorkerIdle, CreatedAt: time.Now()}
		p.order = append(p.order, id)
	}
	first := p.order[0]
	p.workers[first].started = true
	p.assignMu.Unlock()

	p.gActive.Set(1)
	p.wg.Add(1)
	go p.workerLoop(first)
	if p.log != nil {
		p.log.InfoCtx(context.Background(), "pool started",
			"pool_size", p.cfg.PoolSize, "initial_workers", 1, "queue_size", p.queue.Size())
	}
}

// Shutdown signals workers to drain and, when wait is set, joins them up to
// the timeout.
func (p *Pool) Shutdown(wait bool, timeout time.Duration) {
	p.closeOnce.Do(func() { close(p.shutdown) })
	if !wait {
		return
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		if p.log != nil {
			p.log.WarnCtx(context.Background(), "workers did not terminate in time", "timeout", timeout)
		}
	}
	p.endTime = time.Now()
}

// RaceCount returns how many dequeued tasks were discarded or re-queued
// because their state had moved under the worker.
func (p *Pool) RaceCount() int64 { return p.raceCount.Load() }

// Statistics summarizes worker counters.
func (p *Pool) Statistics() WorkerStats {
	p.assignMu.Lock()
	defer p.assignMu.Unlock()
	var s WorkerStats
	for _, w := range p.workers {
		switch w.State {
		case models.WorkerIdle:
			s.Idle++
		case models.WorkerProcessing:
			s.Processing++
		case models.WorkerTerminated:
			s.Terminated++
		}
		s.TotalCompleted += w.TasksCompleted
		s.TotalFailed += w.TasksFailed
	}
	return s
}

// Elapsed reports run duration so far (or final duration after shutdown).
func (p *Pool) Elapsed() time.Duration {
	if p.startTime.IsZero() {
		return 0
	}
	end := p.endTime
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(p.startTime)
}

// ----- worker loop -----

func (p *Pool) workerLoop(workerID string) {
	defer p.wg.Done()
	ctx := context.Background()
	if p.log != nil {
		p.log.InfoCtx(ctx, "worker started", "worker_id", workerID)
	}

	for {
		select {
		case <-p.shutdown:
			p.terminate(workerID)
			return
		default:
		}

		p.assignMu.Lock()
		w := p.workers[workerID]
		task := w.CurrentTask
		processing := w.State == models.WorkerProcessing && task != nil
		p.assignMu.Unlock()

		if processing {
			result := p.processTask(workerID, task)
			p.handleCompletion(workerID, task, result)
			continue
		}

		p.assignMu.Lock()
		assigned, dropped := p.assignTaskLocked(workerID)
		p.assignMu.Unlock()
		p.emitCancelled(workerID, dropped)
		p.gQueue.Set(float64(p.queue.Size()))

		if assigned {
			p.assignMu.Lock()
			w.idleIterations = 0
			p.assignMu.Unlock()
			continue
		}

		p.noteIdle(ctx, workerID)
		select {
		case <-p.shutdown:
			p.terminate(workerID)
			return
		case <-time.After(idlePoll):
		}
	}
}

func (p *Pool) terminate(workerID string) {
	p.assignMu.Lock()
	p.workers[workerID].State = models.WorkerTerminated
	p.assignMu.Unlock()
	if p.log != nil {
		p.log.InfoCtx(context.Background(), "worker terminated", "worker_id", workerID)
	}
}

func (p *Pool) noteIdle(ctx context.Context, workerID string) {
	p.assignMu.Lock()
	w := p.workers[workerID]
	w.idleIterations++
	n := w.idleIterations
	p.assignMu.Unlock()
	if n%idleLogEvery == 0 && p.log != nil {
		stats := p.tracker.Statistics()
		p.log.InfoCtx(ctx, "worker idle",
			"worker_id", workerID, "iterations", n, "queue_size", p.queue.Size(),
			"pending", stats.Pending, "processing", stats.Processing,
			"completed", stats.Completed, "failed", stats.Failed)
	}
}

// ----- dequeue-and-assign (caller holds assignMu) -----

// assignTaskLocked atomically moves one pending task from the queue onto the
// worker. Terminal ghosts are discarded permanently; tasks assigned to other
// workers go back to the tail; tasks of cancelled batches are failed and
// returned in dropped for event emission outside the lock. When the retry
// bound is exhausted the whole queue is swept once.
func (p *Pool) assignTaskLocked(workerID string) (assigned bool, dropped []*models.Task) {
	w := p.workers[workerID]
	if w.State != models.WorkerIdle {
		return false, nil
	}

	invalidRemoved := 0
	for attempt := 0; attempt < assignRetryBound; attempt++ {
		task := p.queue.TryDequeue()
		if task == nil {
			if invalidRemoved > 0 && p.log != nil {
				p.log.WarnCtx(context.Background(), "queue emptied while discarding invalid tasks",
					"worker_id", workerID, "invalid_removed", invalidRemoved)
			}
			return false, dropped
		}

		disposition, failTask := p.classifyLocked(task)
		switch disposition {
		case taskAssignable:
			p.claimLocked(w, task)
			if invalidRemoved > 0 && p.log != nil {
				p.log.InfoCtx(context.Background(), "task assigned after discarding invalid tasks",
					"worker_id", workerID, "task_id", task.TaskID, "invalid_removed", invalidRemoved)
			}
			return true, dropped
		case taskRequeue:
			p.raceCount.Add(1)
			p.mRaces.Inc(1)
			p.queue.ReturnToTail(task)
		case taskDiscard:
			p.raceCount.Add(1)
			p.mRaces.Inc(1)
			invalidRemoved++
		case taskCancelledBatch:
			if failTask {
				dropped = append(dropped, task)
			}
			invalidRemoved++
		}
	}

	// Retry bound exhausted: sweep the queue, keeping only live tasks.
	if p.log != nil {
		p.log.WarnCtx(context.Background(), "assignment retries exhausted, sweeping queue",
			"worker_id", workerID, "queue_size", p.queue.Size(), "invalid_removed", invalidRemoved)
	}
	dropped = append(dropped, p.sweepLocked()...)
	return false, dropped
}

type taskDisposition int

const (
	taskAssignable taskDisposition = iota
	taskRequeue
	taskDiscard
	taskCancelledBatch
)

// classifyLocked decides what to do with a freshly dequeued task. For a
// cancelled batch the task is transitioned to failed here; the returned bool
// says whether this call won that transition (and must emit the event).
func (p *Pool) classifyLocked(task *models.Task) (taskDisposition, bool) {
	if p.cancel != nil && p.cancel(task.BatchID) {
		won := p.failTaskLocked(task, models.ErrCancelled.Error())
		return taskCancelledBatch, won
	}

	status, tracked := p.tracker.Status(task.TaskID)
	if !tracked {
		// Untracked tasks are treated as pending.
		p.tracker.Add(task)
		return taskAssignable, false
	}
	switch {
	case status.Terminal():
		return taskDiscard, false
	case status == models.StatusProcessing:
		return taskRequeue, false
	default:
		return taskAssignable, false
	}
}

// claimLocked transitions the task to processing and binds it to the worker
// in one critical section.
func (p *Pool) claimLocked(w *Worker, task *models.Task) {
	now := time.Now()
	p.tracker.UpdateStatus(task.TaskID, models.StatusProcessing, state.Update{
		AssignedWorkerID: &w.ID,
		StartedAt:        &now,
	})
	w.CurrentTask = task
	w.State = models.WorkerProcessing
}

// failTaskLocked moves a task straight to failed (cancellation path).
// Returns false when the task was already terminal.
func (p *Pool) failTaskLocked(task *models.Task, errMsg string) bool {
	if status, tracked := p.tracker.Status(task.TaskID); tracked && status.Terminal() {
		return false
	}
	if _, tracked := p.tracker.Status(task.TaskID); !tracked {
		p.tracker.Add(task)
	}
	now := time.Now()
	return p.tracker.UpdateStatus(task.TaskID, models.StatusFailed, state.Update{
		CompletedAt: &now,
		Error:       &errMsg,
	})
}

// sweepLocked drains the entire queue, re-checking every task: pending and
// processing-elsewhere items return to the queue in order, terminal ghosts
// are dropped for good, cancelled-batch items are failed.
func (p *Pool) sweepLocked() (dropped []*models.Task) {
	var keep []*models.Task
	removed := 0
	for {
		task := p.queue.TryDequeue()
		if task == nil {
			break
		}
		disposition, failTask := p.classifyLocked(task)
		switch disposition {
		case taskAssignable, taskRequeue:
			keep = append(keep, task)
		case taskDiscard:
			p.raceCount.Add(1)
			p.mRaces.Inc(1)
			removed++
		case taskCancelledBatch:
			if failTask {
				dropped = append(dropped, task)
			}
			removed++
		}
	}
	for _, task := range keep {
		p.queue.ReturnToTail(task)
	}
	if p.log != nil {
		p.log.WarnCtx(context.Background(), "queue sweep finished",
			"removed", removed, "kept", len(keep))
	}
	return dropped
}

// emitCancelled publishes completion events for tasks failed on the
// cancellation path, outside the assignment lock. The worker that dequeued
// them is credited on the event.
func (p *Pool) emitCancelled(workerID string, tasks []*models.Task) {
	for _, task := range tasks {
		p.mFailed.Inc(1)
		p.sink.RecordCompletion(models.CompletionEvent{
			TaskID:   task.TaskID,
			BatchID:  task.BatchID,
			LinkID:   task.LinkID,
			URL:      task.URL,
			Scraper:  task.ScraperType,
			Status:   "failed",
			Error:    models.ErrCancelled.Error(),
			WorkerID: workerID,
		})
	}
}

// ----- processing (outside the lock) -----

// processTask runs the extractor for one task. Extractor panics and
// constructor failures are synthesized into failed results; a completion is
// always produced.
func (p *Pool) processTask(workerID string, task *models.Task) (result *models.Result) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			if p.log != nil {
				p.log.ErrorCtx(ctx, "extractor panic",
					"worker_id", workerID, "task_id", task.TaskID, "panic", fmt.Sprint(r))
			}
			result = models.FailedResult(task, fmt.Errorf("extractor panic: %v", r))
		}
	}()

	p.sink.RecordStart(task, workerID)

	extractor, err := p.factory.Create(task.ScraperType, scraper.Options{
		Progress: func(upd scraper.ProgressUpdate) {
			p.sink.RecordProgress(task, workerID, upd)
		},
		Cancel: func() bool {
			return p.cancel != nil && p.cancel(task.BatchID)
		},
	})
	if err != nil {
		if p.log != nil {
			p.log.ErrorCtx(ctx, "extractor construction failed",
				"worker_id", workerID, "task_id", task.TaskID, "scraper", string(task.ScraperType), "error", err)
		}
		return models.FailedResult(task, err)
	}
	defer func() {
		if closeErr := extractor.Close(); closeErr != nil && p.log != nil {
			p.log.WarnCtx(ctx, "extractor close failed", "worker_id", workerID, "error", closeErr)
		}
	}()

	if p.log != nil {
		p.log.InfoCtx(ctx, "processing task",
			"worker_id", workerID, "task_id", task.TaskID, "link_id", task.LinkID,
			"scraper", string(task.ScraperType), "url", task.URL)
	}

	res, err := extractor.Extract(task.URL, task.BatchID, task.LinkID)
	if err != nil {
		return models.FailedResult(task, err)
	}
	if res == nil {
		return models.FailedResult(task, fmt.Errorf("extractor returned no result"))
	}
	return res
}

// ----- complete-and-reassign -----

// handleCompletion finishes a task: atomic terminal transition under the
// assignment lock, artifact persistence and event emission outside it, then
// a relock to ramp the pool and pick up the next task. Duplicate completions
// (task already terminal) reset the worker and emit nothing.
func (p *Pool) handleCompletion(workerID string, task *models.Task, result *models.Result) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			if p.log != nil {
				p.log.ErrorCtx(ctx, "completion handler panic",
					"worker_id", workerID, "task_id", task.TaskID, "panic", fmt.Sprint(r))
			}
			// Last resort: reset the worker so the pool cannot deadlock.
			p.assignMu.Lock()
			w := p.workers[workerID]
			w.CurrentTask = nil
			w.State = models.WorkerIdle
			p.assignMu.Unlock()
		}
	}()

	p.assignMu.Lock()
	w := p.workers[workerID]

	if status, tracked := p.tracker.Status(task.TaskID); tracked && status.Terminal() {
		// Duplicate completion: another path already finished this task.
		if p.log != nil {
			p.log.WarnCtx(ctx, "duplicate completion detected",
				"worker_id", workerID, "task_id", task.TaskID, "status", string(status))
		}
		w.CurrentTask = nil
		w.State = models.WorkerIdle
		_, dropped := p.assignTaskLocked(workerID)
		p.assignMu.Unlock()
		p.emitCancelled(workerID, dropped)
		return
	}

	terminal := models.StatusFailed
	if result.Success {
		terminal = models.StatusCompleted
	}
	now := time.Now()
	errMsg := result.Error
	p.tracker.UpdateStatus(task.TaskID, terminal, state.Update{
		CompletedAt: &now,
		Result:      result,
		Error:       &errMsg,
	})
	w.CurrentTask = nil
	w.State = models.WorkerIdle
	if result.Success {
		w.TasksCompleted++
	} else {
		w.TasksFailed++
	}
	p.assignMu.Unlock()

	// Persist before publishing: subscribers may read the artifact the
	// moment they see the completion event.
	fileSaved := false
	if result.Success {
		path, err := p.saver.Persist(result, task.BatchID, task.ScraperType, task.LinkType)
		switch {
		case err != nil:
			if p.log != nil {
				p.log.ErrorCtx(ctx, "artifact persistence failed",
					"worker_id", workerID, "task_id", task.TaskID, "error", err)
			}
		case path != "":
			fileSaved = true
		}
	}

	status := "failed"
	if result.Success {
		status = "success"
		p.mCompleted.Inc(1)
	} else {
		p.mFailed.Inc(1)
	}
	p.sink.RecordCompletion(models.CompletionEvent{
		TaskID:    task.TaskID,
		BatchID:   task.BatchID,
		LinkID:    task.LinkID,
		URL:       task.URL,
		Scraper:   task.ScraperType,
		Status:    status,
		WordCount: result.WordCount,
		Error:     result.Error,
		WorkerID:  workerID,
		FileSaved: fileSaved,
	})

	// Ramp up and take the next task only after the previous result is safe
	// on disk and announced.
	p.assignMu.Lock()
	p.maybeStartWorkerLocked()
	_, dropped := p.assignTaskLocked(workerID)
	p.assignMu.Unlock()
	p.emitCancelled(workerID, dropped)
	p.gQueue.Set(float64(p.queue.Size()))
}

// maybeStartWorkerLocked launches one more worker thread when queued work
// remains and unstarted slots exist. Caller holds the assignment lock.
func (p *Pool) maybeStartWorkerLocked() bool {
	if p.queue.Size() == 0 {
		return false
	}
	active := 0
	for _, w := range p.workers {
		if w.started {
			active++
		}
	}
	if active >= p.cfg.PoolSize {
		return false
	}
	for _, id := range p.order {
		w := p.workers[id]
		if w.started {
			continue
		}
		w.started = true
		p.gActive.Set(float64(active + 1))
		p.wg.Add(1)
		go p.workerLoop(id)
		if p.log != nil {
			p.log.InfoCtx(context.Background(), "started additional worker",
				"worker_id", id, "active", active+1, "pool_size", p.cfg.PoolSize, "queue_size", p.queue.Size())
		}
		return true
	}
	return false
}
