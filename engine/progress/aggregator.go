package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"magpie/engine/models"
	"magpie/engine/scraper"
	"magpie/engine/telemetry/events"
	"magpie/engine/telemetry/logging"
	"magpie/engine/telemetry/metrics"
)

// Link status tags (kebab-case, matching the UI surface).
const (
	LinkPending    = "pending"
	LinkInProgress = "in-progress"
	LinkCompleted  = "completed"
	LinkFailed     = "failed"
)

// DefaultStatusThrottle caps scraping:status emission cadence per batch.
// Terminal transitions always emit regardless.
const DefaultStatusThrottle = 250 * time.Millisecond

// LinkProgress is the per-link progress record.
type LinkProgress struct {
	LinkID          string             `json:"link_id"`
	URL             string             `json:"url"`
	Scraper         models.ScraperType `json:"scraper"`
	Stage           string             `json:"stage"`
	StageProgress   float64            `json:"stage_progress"`
	OverallProgress float64            `json:"overall_progress"`
	Status          string             `json:"status"`
	Message         string             `json:"message,omitempty"`
	Error           string             `json:"error,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// BatchSnapshot is a point-in-time view of one batch's aggregate state.
type BatchSnapshot struct {
	BatchID         string                   `json:"batch_id"`
	ExpectedTotal   int                      `json:"expected_total"`
	RegisteredCount int                      `json:"registered_count"`
	Completed       int                      `json:"completed"`
	Failed          int                      `json:"failed"`
	InProgress      int                      `json:"in_progress"`
	Pending         int                      `json:"pending"`
	OverallProgress float64                  `json:"overall_progress"`
	CompletionRate  float64                  `json:"completion_rate"`
	Is100Percent    bool                     `json:"is_100_percent"`
	Cancelled       bool                     `json:"cancelled"`
	Links           map[string]LinkProgress  `json:"links,omitempty"`
}

type batchState struct {
	id            string
	expectedTotal int
	links         map[string]*LinkProgress

	cancelled        bool
	cancelInfo       *models.CancellationInfo
	cancelledEmitted bool
	hundredFired     bool
	lastStatusEmit   time.Time
	initializedAt    time.Time
}

// Aggregator owns per-batch progress state: the registered-link map, the
// expected-total tracker, the throttled status emitter, and the completion
// arbiter. Its mutex is independent of the pool's assignment lock and is
// never held across a bus publish.
type Aggregator struct {
	mu      sync.Mutex
	batches map[string]*batchState

	bus      events.Bus
	weights  *Weights
	log      logging.Logger
	throttle time.Duration
	now      func() time.Time

	mBatches  metrics.Gauge
	mStatuses metrics.Counter
}

func NewAggregator(bus events.Bus, weights *Weights, log logging.Logger, provider metrics.Provider) *Aggregator {
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	return &Aggregator{
		batches:  make(map[string]*batchState),
		bus:      bus,
		weights:  weights,
		log:      log,
		throttle: DefaultStatusThrottle,
		now:      time.Now,
		mBatches: provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "magpie", Subsystem: "progress", Name: "active_batches", Help: "Batches currently tracked"}}),
		mStatuses: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "magpie", Subsystem: "progress", Name: "status_emits_total", Help: "scraping:status events emitted"}}),
	}
}

// InitializeExpectedLinks declares the expected task set for a batch before
// work is enqueued. Each descriptor is registered as a pending link and the
// expected total becomes the descriptor count. Emits batch:initialized.
// Returns the number of links registered.
func (a *Aggregator) InitializeExpectedLinks(batchID string, links []models.LinkDescriptor) int {
	a.mu.Lock()
	bs := a.ensureBatchLocked(batchID)
	urls := make(map[string]struct{})
	breakdown := make(map[string]int)
	linkBreakdown := make(map[string]int)
	for _, d := range links {
		if _, exists := bs.links[d.LinkID]; !exists {
			bs.links[d.LinkID] = &LinkProgress{
				LinkID:    d.LinkID,
				URL:       d.URL,
				Scraper:   d.ScraperType,
				Stage:     LinkPending,
				Status:    LinkPending,
				UpdatedAt: a.now(),
			}
		}
		breakdown[string(d.ScraperType)]++
		linkBreakdown[string(d.LinkType)]++
		if d.URL != "" {
			urls[d.URL] = struct{}{}
		}
	}
	bs.expectedTotal = len(links)
	registered := len(bs.links)
	a.mu.Unlock()

	_ = a.bus.Publish(events.Event{
		Category: events.CategoryBatch,
		Type:     events.TypeBatchInitialized,
		Fields: map[string]any{
			"batch_id":        batchID,
			"expected_total":  len(links),
			"total_processes": len(links),
			"total_links":     len(urls),
			"breakdown":       breakdown,
			"link_breakdown":  linkBreakdown,
		},
	})
	return registered
}

// RecordStart marks a link in-progress and emits scraping:start_link.
func (a *Aggregator) RecordStart(task *models.Task, workerID string) {
	a.mu.Lock()
	bs := a.ensureBatchLocked(task.BatchID)
	lp := a.ensureLinkLocked(bs, task.LinkID, task.URL, task.ScraperType)
	lp.Status = LinkInProgress
	lp.Stage = LinkInProgress
	lp.Message = "Starting " + string(task.ScraperType) + " extraction"
	lp.UpdatedAt = a.now()
	a.mu.Unlock()

	_ = a.bus.Publish(events.Event{
		Category: events.CategoryScraping,
		Type:     events.TypeStartLink,
		Fields: map[string]any{
			"batch_id":  task.BatchID,
			"link_id":   task.LinkID,
			"url":       task.URL,
			"scraper":   string(task.ScraperType),
			"worker_id": workerID,
			"message":   "Starting " + string(task.ScraperType) + " extraction",
		},
	})
	a.emitStatus(task.BatchID, false)
}

// RecordProgress folds an extractor progress update into the link record,
// normalizes it through the stage-weight table, and emits scraping:progress
// plus a throttled scraping:status.
func (a *Aggregator) RecordProgress(task *models.Task, workerID string, upd scraper.ProgressUpdate) {
	overall := a.weights.Overall(task.ScraperType, upd.Stage, upd.Progress)

	a.mu.Lock()
	bs := a.ensureBatchLocked(task.BatchID)
	lp := a.ensureLinkLocked(bs, task.LinkID, task.URL, task.ScraperType)
	if lp.Status == LinkPending {
		lp.Status = LinkInProgress
	}
	lp.Stage = upd.Stage
	lp.StageProgress = upd.Progress
	lp.OverallProgress = overall
	lp.Message = upd.Message
	lp.UpdatedAt = a.now()
	a.mu.Unlock()

	fields := map[string]any{
		"batch_id":       task.BatchID,
		"link_id":        task.LinkID,
		"url":            task.URL,
		"scraper":        string(task.ScraperType),
		"stage":          upd.Stage,
		"progress":       overall,
		"stage_progress": upd.Progress,
		"message":        upd.Message,
		"worker_id":      workerID,
	}
	if upd.TotalBytes > 0 {
		fields["bytes_downloaded"] = upd.BytesDownloaded
		fields["total_bytes"] = upd.TotalBytes
	}
	_ = a.bus.Publish(events.Event{
		Category: events.CategoryScraping,
		Type:     events.TypeProgress,
		Fields:   fields,
	})
	a.emitStatus(task.BatchID, false)
}

// RecordCompletion marks a link terminal, emits scraping:complete_link with
// the persisted-file flag, always emits scraping:status, and fires the
// 100-percent event when the batch's expected work is done. The caller (the
// worker pool) guarantees the artifact is on disk before invoking this.
func (a *Aggregator) RecordCompletion(ev models.CompletionEvent) {
	a.mu.Lock()
	bs := a.ensureBatchLocked(ev.BatchID)
	lp := a.ensureLinkLocked(bs, ev.LinkID, ev.URL, ev.Scraper)
	if ev.Status == "success" {
		lp.Status = LinkCompleted
		lp.Stage = LinkCompleted
		lp.OverallProgress = 100
		lp.StageProgress = 100
	} else {
		lp.Status = LinkFailed
		lp.Stage = LinkFailed
		lp.Error = ev.Error
	}
	if lp.Metadata == nil {
		lp.Metadata = make(map[string]any)
	}
	lp.Metadata["word_count"] = ev.WordCount
	lp.Metadata["source"] = string(ev.Scraper)
	lp.UpdatedAt = a.now()
	a.mu.Unlock()

	message := fmt.Sprintf("Completed: %d words extracted", ev.WordCount)
	var errField any
	if ev.Status != "success" {
		if ev.Error != "" {
			message = "Failed: " + ev.Error
		} else {
			message = "Failed: Unknown error"
		}
		errField = ev.Error
	}
	_ = a.bus.Publish(events.Event{
		Category: events.CategoryScraping,
		Type:     events.TypeCompleteLink,
		Fields: map[string]any{
			"batch_id":   ev.BatchID,
			"link_id":    ev.LinkID,
			"url":        ev.URL,
			"scraper":    string(ev.Scraper),
			"status":     ev.Status,
			"message":    message,
			"word_count": ev.WordCount,
			"error":      errField,
			"worker_id":  ev.WorkerID,
			"metadata": map[string]any{
				"source":     string(ev.Scraper),
				"task_id":    ev.TaskID,
				"file_saved": ev.FileSaved,
			},
		},
	})
	a.emitStatus(ev.BatchID, true)
	a.maybeFireHundred(ev.BatchID)
}

// CancelBatch sets the batch cancellation flag and emits scraping:cancelled
// exactly once per batch lifetime.
func (a *Aggregator) CancelBatch(batchID, reason string) {
	a.mu.Lock()
	bs := a.ensureBatchLocked(batchID)
	first := !bs.cancelled
	if first {
		bs.cancelled = true
		bs.cancelInfo = &models.CancellationInfo{Reason: reason, CancelledAt: a.now()}
	}
	emit := first && !bs.cancelledEmitted
	if emit {
		bs.cancelledEmitted = true
	}
	a.mu.Unlock()

	if emit {
		_ = a.bus.Publish(events.Event{
			Category: events.CategoryScraping,
			Type:     events.TypeScrapingCancelled,
			Severity: "warn",
			Fields:   map[string]any{"batch_id": batchID, "reason": reason},
		})
		if a.log != nil {
			a.log.WarnCtx(context.Background(), "batch cancelled", "batch_id", batchID, "reason", reason)
		}
	}
}

// IsCancelled reports the batch cancellation flag. Unknown batches are not
// cancelled.
func (a *Aggregator) IsCancelled(batchID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	bs, ok := a.batches[batchID]
	return ok && bs.cancelled
}

// Confirm is the completion arbiter. It reconciles the expected total
// (adopting the registered-link count when initialization was skipped),
// computes terminal counts, and decides whether the downstream phase may
// begin. A cancelled batch confirms unconditionally with cancelled=true; a
// batch with neither expected work nor registered links is refused.
func (a *Aggregator) Confirm(batchID string) models.Confirmation {
	a.mu.Lock()
	bs, ok := a.batches[batchID]
	if !ok {
		a.mu.Unlock()
		return models.Confirmation{BatchID: batchID, Reason: "empty_batch"}
	}

	completed, failed, _, _ := countLocked(bs)
	registered := len(bs.links)

	// Lazy adoption: initialization was skipped but work happened anyway.
	if bs.expectedTotal == 0 && registered > 0 {
		bs.expectedTotal = registered
	}
	expected := bs.expectedTotal
	totalFinal := completed + failed

	if bs.cancelled {
		info := bs.cancelInfo
		a.mu.Unlock()
		return models.Confirmation{
			Confirmed:        true,
			BatchID:          batchID,
			ExpectedTotal:    expected,
			RegisteredCount:  registered,
			CompletedCount:   completed,
			FailedCount:      failed,
			TotalFinal:       totalFinal,
			CompletionRate:   rate(totalFinal, expected),
			Is100Percent:     expected > 0 && totalFinal >= expected,
			Cancelled:        true,
			CancellationInfo: info,
		}
	}

	if expected == 0 && registered == 0 {
		a.mu.Unlock()
		return models.Confirmation{BatchID: batchID, Reason: "empty_batch"}
	}

	is100 := expected > 0 && totalFinal >= expected
	conf := models.Confirmation{
		Confirmed:       is100,
		BatchID:         batchID,
		ExpectedTotal:   expected,
		RegisteredCount: registered,
		CompletedCount:  completed,
		FailedCount:     failed,
		TotalFinal:      totalFinal,
		CompletionRate:  rate(totalFinal, expected),
		Is100Percent:    is100,
	}
	fire := is100 && !bs.hundredFired
	if fire {
		bs.hundredFired = true
	}
	a.mu.Unlock()

	if fire {
		a.publishHundred(batchID, expected, completed, failed)
	}
	return conf
}

// Snapshot returns the aggregate view of a batch, optionally with per-link
// records.
func (a *Aggregator) Snapshot(batchID string, includeLinks bool) (BatchSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bs, ok := a.batches[batchID]
	if !ok {
		return BatchSnapshot{}, false
	}
	snap := a.snapshotLocked(bs)
	if includeLinks {
		snap.Links = make(map[string]LinkProgress, len(bs.links))
		for id, lp := range bs.links {
			snap.Links[id] = *lp
		}
	}
	return snap, true
}

// Batches lists tracked batch ids.
func (a *Aggregator) Batches() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.batches))
	for id := range a.batches {
		out = append(out, id)
	}
	return out
}

// Teardown drops a batch's state after the workflow layer has consumed the
// confirmation.
func (a *Aggregator) Teardown(batchID string) {
	a.mu.Lock()
	delete(a.batches, batchID)
	a.mBatches.Set(float64(len(a.batches)))
	a.mu.Unlock()
}

// ----- internals -----

func (a *Aggregator) ensureBatchLocked(batchID string) *batchState {
	bs, ok := a.batches[batchID]
	if !ok {
		bs = &batchState{
			id:            batchID,
			links:         make(map[string]*LinkProgress),
			initializedAt: a.now(),
		}
		a.batches[batchID] = bs
		a.mBatches.Set(float64(len(a.batches)))
	}
	return bs
}

// ensureLinkLocked registers a link lazily so late-discovered work is never
// lost even when initialization was skipped.
func (a *Aggregator) ensureLinkLocked(bs *batchState, linkID, url string, scraperType models.ScraperType) *LinkProgress {
	lp, ok := bs.links[linkID]
	if !ok {
		lp = &LinkProgress{
			LinkID:    linkID,
			URL:       url,
			Scraper:   scraperType,
			Stage:     LinkPending,
			Status:    LinkPending,
			UpdatedAt: a.now(),
		}
		bs.links[linkID] = lp
	}
	if lp.URL == "" {
		lp.URL = url
	}
	return lp
}

func countLocked(bs *batchState) (completed, failed, inProgress, pending int) {
	for _, lp := range bs.links {
		switch lp.Status {
		case LinkCompleted:
			completed++
		case LinkFailed:
			failed++
		case LinkInProgress:
			inProgress++
		default:
			pending++
		}
	}
	return
}

func (a *Aggregator) snapshotLocked(bs *batchState) BatchSnapshot {
	completed, failed, inProgress, pending := countLocked(bs)
	registered := len(bs.links)
	effective := bs.expectedTotal
	if registered > effective {
		effective = registered
	}
	terminal := completed + failed
	var mean float64
	if registered > 0 {
		sum := 0.0
		for _, lp := range bs.links {
			sum += lp.OverallProgress
		}
		mean = sum / float64(registered)
	}
	return BatchSnapshot{
		BatchID:         bs.id,
		ExpectedTotal:   bs.expectedTotal,
		RegisteredCount: registered,
		Completed:       completed,
		Failed:          failed,
		InProgress:      inProgress,
		Pending:         pending,
		OverallProgress: mean,
		CompletionRate:  rate(terminal, effective),
		Is100Percent:    effective > 0 && terminal >= effective,
		Cancelled:       bs.cancelled,
	}
}

// emitStatus publishes scraping:status, throttled per batch unless the
// update is a terminal transition.
func (a *Aggregator) emitStatus(batchID string, terminal bool) {
	a.mu.Lock()
	bs, ok := a.batches[batchID]
	if !ok {
		a.mu.Unlock()
		return
	}
	now := a.now()
	if !terminal && now.Sub(bs.lastStatusEmit) < a.throttle {
		a.mu.Unlock()
		return
	}
	bs.lastStatusEmit = now
	snap := a.snapshotLocked(bs)
	a.mu.Unlock()

	a.mStatuses.Inc(1)
	_ = a.bus.Publish(events.Event{
		Category: events.CategoryScraping,
		Type:     events.TypeScrapingStatus,
		Fields: map[string]any{
			"batch_id":         batchID,
			"expected_total":   snap.ExpectedTotal,
			"total":            snap.RegisteredCount,
			"completed":        snap.Completed,
			"failed":           snap.Failed,
			"in_progress":      snap.InProgress,
			"pending":          snap.Pending,
			"overall_progress": snap.OverallProgress,
			"completion_rate":  snap.CompletionRate,
			"is_100_percent":   snap.Is100Percent,
		},
	})
}

// maybeFireHundred emits scraping:100_percent_complete the first time all
// expected work reaches a terminal state.
func (a *Aggregator) maybeFireHundred(batchID string) {
	a.mu.Lock()
	bs, ok := a.batches[batchID]
	if !ok || bs.hundredFired || bs.cancelled || bs.expectedTotal == 0 {
		a.mu.Unlock()
		return
	}
	completed, failed, _, _ := countLocked(bs)
	if completed+failed < bs.expectedTotal {
		a.mu.Unlock()
		return
	}
	bs.hundredFired = true
	expected := bs.expectedTotal
	a.mu.Unlock()

	a.publishHundred(batchID, expected, completed, failed)
}

func (a *Aggregator) publishHundred(batchID string, expected, completed, failed int) {
	_ = a.bus.Publish(events.Event{
		Category: events.CategoryScraping,
		Type:     events.TypeHundredPercent,
		Fields: map[string]any{
			"batch_id":        batchID,
			"expected_total":  expected,
			"completed_count": completed,
			"failed_count":    failed,
		},
	})
	if a.log != nil {
		a.log.InfoCtx(context.Background(), "batch reached 100 percent",
			"batch_id", batchID, "completed", completed, "failed", failed)
	}
}

func rate(terminal, expected int) float64 {
	if expected < 1 {
		expected = 1
	}
	return float64(terminal) / float64(expected)
}
