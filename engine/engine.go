// Package engine composes the scraping control center: the unified task
// queue, the state tracker, the scraper factory, the worker pool, the
// progress aggregator, and the artifact persister, behind a single facade.
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"magpie/engine/models"
	"magpie/engine/persist"
	"magpie/engine/pool"
	"magpie/engine/progress"
	"magpie/engine/queue"
	"magpie/engine/scraper"
	"magpie/engine/state"
	"magpie/engine/telemetry/events"
	"magpie/engine/telemetry/logging"
	"magpie/engine/telemetry/metrics"
)

// Statistics is the nested counter view of the whole center.
type Statistics struct {
	Queue                  queue.Stats      `json:"queue"`
	Tasks                  state.Stats      `json:"tasks"`
	Workers                pool.WorkerStats `json:"workers"`
	RaceConditionsDetected int64            `json:"race_conditions_detected"`
	ElapsedSeconds         float64          `json:"elapsed_seconds"`
}

// EventCallback receives every bus event, in publish order, on a dedicated
// drainer goroutine.
type EventCallback func(ev events.Event)

// ControlCenter owns the scheduling state for scraping batches. It is a
// value the caller instantiates per process; no module-level singletons.
type ControlCenter struct {
	cfg      Config
	log      logging.Logger
	provider metrics.Provider

	bus        events.Bus
	queue      *queue.TaskQueue
	tracker    *state.Tracker
	factory    *scraper.Factory
	weights    *progress.Weights
	aggregator *progress.Aggregator
	persister  *persist.Persister
	pool       *pool.Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	drainSubs []events.Subscription
	drainWG   sync.WaitGroup
}

// New assembles a control center from configuration. The caller registers
// extractor constructors on Factory() before Start.
func New(cfg Config) (*ControlCenter, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = pool.DefaultPoolSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	log := logging.New(slog.Default())

	var provider metrics.Provider
	switch cfg.MetricsBackend {
	case "otel":
		provider = metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "magpie"})
	case "none":
		provider = metrics.NewNoopProvider()
	default:
		provider = metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := events.NewBus(provider)
	weights := progress.NewWeights(log)
	if cfg.WeightTablePath != "" {
		if err := weights.LoadFile(cfg.WeightTablePath); err != nil {
			cancel()
			return nil, err
		}
		if cfg.WatchWeightTable {
			if err := weights.Watch(ctx, cfg.WeightTablePath); err != nil {
				cancel()
				return nil, err
			}
		}
	}

	aggregator := progress.NewAggregator(bus, weights, log, provider)
	taskQueue := queue.New()
	tracker := state.New()
	factory := scraper.NewFactory()
	persister := persist.New(cfg.ResultsRoot, log)

	cc := &ControlCenter{
		cfg:        cfg,
		log:        log,
		provider:   provider,
		bus:        bus,
		queue:      taskQueue,
		tracker:    tracker,
		factory:    factory,
		weights:    weights,
		aggregator: aggregator,
		persister:  persister,
		ctx:        ctx,
		cancel:     cancel,
	}
	cc.pool = pool.New(pool.Config{PoolSize: cfg.PoolSize},
		taskQueue, tracker, factory, aggregator, persister,
		aggregator.IsCancelled, log, provider)
	return cc, nil
}

// Factory exposes the scraper registry for extractor registration.
func (c *ControlCenter) Factory() *scraper.Factory { return c.factory }

// Bus exposes the raw event bus for subscribers that manage their own
// draining (e.g. the websocket bridge).
func (c *ControlCenter) Bus() events.Bus { return c.bus }

// Weights exposes the stage-weight normalizer.
func (c *ControlCenter) Weights() *progress.Weights { return c.weights }

// Aggregator exposes per-batch progress snapshots.
func (c *ControlCenter) Aggregator() *progress.Aggregator { return c.aggregator }

// RegisterCallback subscribes a UI-style callback: one goroutine drains a
// dedicated subscription so the callback sees events in publish order.
func (c *ControlCenter) RegisterCallback(cb EventCallback) error {
	sub, err := c.bus.Subscribe(c.cfg.EventBuffer)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.drainSubs = append(c.drainSubs, sub)
	c.mu.Unlock()

	c.drainWG.Add(1)
	go func() {
		defer c.drainWG.Done()
		for ev := range sub.C() {
			cb(ev)
		}
	}()
	return nil
}

// InitializeBatch declares a batch's expected link set before any work is
// enqueued. Returns the number of registered links.
func (c *ControlCenter) InitializeBatch(batchID string, links []models.LinkDescriptor) int {
	return c.aggregator.InitializeExpectedLinks(batchID, links)
}

// AddTask validates and enqueues one task. Tasks already in a terminal
// state are recorded in the tracker for reporting but refused into the
// queue, so no events are ever emitted for them.
func (c *ControlCenter) AddTask(task *models.Task) {
	if task.Status != models.StatusPending && task.Status != models.StatusProcessing {
		if c.log != nil {
			c.log.WarnCtx(c.ctx, "refusing terminal task into queue",
				"task_id", task.TaskID, "link_id", task.LinkID, "status", string(task.Status))
		}
		c.tracker.Add(task)
		return
	}
	c.tracker.Add(task)
	c.queue.Enqueue(task)
}

// AddTasks validates and enqueues a batch of tasks.
func (c *ControlCenter) AddTasks(tasks []*models.Task) {
	valid := make([]*models.Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Status != models.StatusPending && task.Status != models.StatusProcessing {
			if c.log != nil {
				c.log.WarnCtx(c.ctx, "refusing terminal task into queue",
					"task_id", task.TaskID, "link_id", task.LinkID, "status", string(task.Status))
			}
			c.tracker.Add(task)
			continue
		}
		c.tracker.Add(task)
		valid = append(valid, task)
	}
	if len(valid) > 0 {
		c.queue.EnqueueBatch(valid)
	}
}

// Start launches the worker pool (gradual ramp-up; see pool docs).
func (c *ControlCenter) Start() { c.pool.Start() }

// WaitForCompletion polls until no pending or processing work remains and
// the queue is drained, or the timeout elapses (zero means wait forever).
func (c *ControlCenter) WaitForCompletion(timeout time.Duration) bool {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		stats := c.tracker.Statistics()
		if stats.Pending+stats.Processing == 0 && c.queue.IsEmpty() {
			return true
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			if c.log != nil {
				c.log.WarnCtx(c.ctx, "wait for completion timed out",
					"pending", stats.Pending, "processing", stats.Processing)
			}
			return false
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// ConfirmAllScrapingComplete asks the completion arbiter whether the
// downstream phase may begin for the batch.
func (c *ControlCenter) ConfirmAllScrapingComplete(batchID string) models.Confirmation {
	return c.aggregator.Confirm(batchID)
}

// CancelBatch flags a batch for cooperative cancellation. In-flight
// extractions finish; queued tasks of the batch fail with
// "Cancelled by user".
func (c *ControlCenter) CancelBatch(batchID, reason string) {
	c.aggregator.CancelBatch(batchID, reason)
}

// Shutdown drains the pool and stops callback drainers.
func (c *ControlCenter) Shutdown(wait bool, timeout time.Duration) {
	c.pool.Shutdown(wait, timeout)
	c.cancel()
	c.mu.Lock()
	subs := c.drainSubs
	c.drainSubs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	c.drainWG.Wait()
}

// Statistics returns the nested counter view across queue, tracker, and
// pool.
func (c *ControlCenter) Statistics() Statistics {
	return Statistics{
		Queue:                  c.queue.Statistics(),
		Tasks:                  c.tracker.Statistics(),
		Workers:                c.pool.Statistics(),
		RaceConditionsDetected: c.pool.RaceCount(),
		ElapsedSeconds:         c.pool.Elapsed().Seconds(),
	}
}

// MetricsHandler returns the Prometheus exposition handler, or nil when the
// configured backend has none.
func (c *ControlCenter) MetricsHandler() http.Handler {
	if hp, ok := c.provider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}
