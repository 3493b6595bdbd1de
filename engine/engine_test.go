package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"magpie/engine/models"
	"magpie/engine/scraper"
	"magpie/engine/telemetry/events"
)

type scriptedExtractor struct {
	progress scraper.ProgressFunc
	fail     map[string]string
	delay    time.Duration
}

func (e *scriptedExtractor) Extract(url, batchID, linkID string) (*models.Result, error) {
	if e.progress != nil {
		e.progress(scraper.ProgressUpdate{Stage: "loading", Progress: 50, Message: "Loading article"})
		e.progress(scraper.ProgressUpdate{Stage: "extracting", Progress: 100, Message: "Extracted 100 words"})
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if msg, ok := e.fail[linkID]; ok {
		return &models.Result{Success: false, URL: url, LinkID: linkID, BatchID: batchID, Error: msg}, nil
	}
	return &models.Result{Success: true, URL: url, LinkID: linkID, BatchID: batchID, Content: "body", WordCount: 100}, nil
}

func (e *scriptedExtractor) ValidateURL(string) bool { return true }
func (e *scriptedExtractor) Close() error            { return nil }

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) add(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) byType(typ string) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func newTestCenter(t *testing.T, fail map[string]string) (*ControlCenter, *eventLog, string) {
	t.Helper()
	cfg := Defaults()
	cfg.PoolSize = 3
	cfg.ResultsRoot = t.TempDir()
	cfg.MetricsBackend = "none"

	center, err := New(cfg)
	if err != nil {
		t.Fatalf("new center: %v", err)
	}
	center.Factory().Register(models.ScraperArticle, func(opts scraper.Options) (scraper.Extractor, error) {
		return &scriptedExtractor{progress: opts.Progress, fail: fail}, nil
	})

	log := &eventLog{}
	if err := center.RegisterCallback(log.add); err != nil {
		t.Fatalf("register callback: %v", err)
	}
	return center, log, cfg.ResultsRoot
}

func articleTask(batchID, linkID string) *models.Task {
	return models.NewTask(batchID, linkID, "https://example.com/"+linkID, models.LinkArticle, models.ScraperArticle)
}

func TestBatchEndToEnd(t *testing.T) {
	center, log, root := newTestCenter(t, map[string]string{"L5": "timeout"})

	var descriptors []models.LinkDescriptor
	var tasks []*models.Task
	for i := 1; i <= 5; i++ {
		linkID := fmt.Sprintf("L%d", i)
		descriptors = append(descriptors, models.LinkDescriptor{
			LinkID: linkID, URL: "https://example.com/" + linkID,
			LinkType: models.LinkArticle, ScraperType: models.ScraperArticle,
		})
		tasks = append(tasks, articleTask("B1", linkID))
	}
	center.InitializeBatch("B1", descriptors)
	center.AddTasks(tasks)
	center.Start()

	if !center.WaitForCompletion(10 * time.Second) {
		t.Fatal("batch did not finish")
	}
	conf := center.ConfirmAllScrapingComplete("B1")
	center.Shutdown(true, 5*time.Second)

	if !conf.Confirmed || !conf.Is100Percent {
		t.Fatalf("expected confirmation, got %+v", conf)
	}
	if conf.ExpectedTotal != 5 || conf.CompletedCount != 4 || conf.FailedCount != 1 || conf.TotalFinal != 5 {
		t.Fatalf("unexpected counts %+v", conf)
	}
	if conf.CompletionRate != 1.0 {
		t.Fatalf("expected completion rate 1.0, got %f", conf.CompletionRate)
	}

	completions := log.byType(events.TypeCompleteLink)
	if len(completions) != 5 {
		t.Fatalf("expected 5 complete_link events, got %d", len(completions))
	}
	seenTasks := map[string]bool{}
	for _, ev := range completions {
		taskID := ev.Fields["metadata"].(map[string]any)["task_id"].(string)
		if seenTasks[taskID] {
			t.Fatalf("duplicate completion for task %s", taskID)
		}
		seenTasks[taskID] = true
	}

	entries, err := os.ReadDir(filepath.Join(root, "run_B1"))
	if err != nil {
		t.Fatalf("read artifact dir: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 artifact files, got %d", len(entries))
	}

	if got := len(log.byType(events.TypeHundredPercent)); got != 1 {
		t.Fatalf("expected exactly one 100%% event, got %d", got)
	}
	if got := len(log.byType(events.TypeBatchInitialized)); got != 1 {
		t.Fatalf("expected one batch:initialized, got %d", got)
	}
}

func TestArtifactOnDiskBeforeCompletionEvent(t *testing.T) {
	cfg := Defaults()
	cfg.PoolSize = 2
	cfg.ResultsRoot = t.TempDir()
	cfg.MetricsBackend = "none"
	center, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	center.Factory().Register(models.ScraperArticle, func(opts scraper.Options) (scraper.Extractor, error) {
		return &scriptedExtractor{}, nil
	})

	type check struct {
		linkID string
		exists bool
	}
	checks := make(chan check, 16)
	err = center.RegisterCallback(func(ev events.Event) {
		if ev.Type != events.TypeCompleteLink {
			return
		}
		meta := ev.Fields["metadata"].(map[string]any)
		if meta["file_saved"] != true {
			return
		}
		linkID := ev.Fields["link_id"].(string)
		path := filepath.Join(cfg.ResultsRoot, "run_B1", fmt.Sprintf("B1_AR_%s_tsct.json", linkID))
		_, statErr := os.Stat(path)
		checks <- check{linkID: linkID, exists: statErr == nil}
	})
	if err != nil {
		t.Fatal(err)
	}

	center.AddTasks([]*models.Task{articleTask("B1", "L1"), articleTask("B1", "L2")})
	center.Start()
	if !center.WaitForCompletion(10 * time.Second) {
		t.Fatal("batch did not finish")
	}
	center.Shutdown(true, 5*time.Second)
	close(checks)

	n := 0
	for c := range checks {
		n++
		if !c.exists {
			t.Fatalf("artifact for %s missing when its completion event was observed", c.linkID)
		}
	}
	if n != 2 {
		t.Fatalf("expected 2 verified completions, got %d", n)
	}
}

func TestRefusedTerminalTaskEmitsNothing(t *testing.T) {
	center, log, _ := newTestCenter(t, nil)

	ghost := articleTask("B1", "GHOST")
	ghost.Status = models.StatusCompleted
	live := articleTask("B1", "LIVE")
	center.AddTasks([]*models.Task{ghost, live})

	center.Start()
	if !center.WaitForCompletion(10 * time.Second) {
		t.Fatal("batch did not finish")
	}
	center.Shutdown(true, 5*time.Second)

	for _, typ := range []string{events.TypeStartLink, events.TypeProgress, events.TypeCompleteLink} {
		for _, ev := range log.byType(typ) {
			if ev.Fields["link_id"] == "GHOST" {
				t.Fatalf("refused task leaked a %s event", typ)
			}
		}
	}
	// The ghost is still tracked for reporting.
	stats := center.Statistics()
	if stats.Tasks.Total != 2 || stats.Tasks.Completed != 2 {
		t.Fatalf("unexpected tracker stats %+v", stats.Tasks)
	}
	if stats.Queue.TotalAdded != 1 {
		t.Fatalf("refused task must not enter the queue: %+v", stats.Queue)
	}
}

func TestCancelBatchEndToEnd(t *testing.T) {
	cfg := Defaults()
	cfg.PoolSize = 2
	cfg.ResultsRoot = t.TempDir()
	cfg.MetricsBackend = "none"
	center, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	center.Factory().Register(models.ScraperArticle, func(opts scraper.Options) (scraper.Extractor, error) {
		return &scriptedExtractor{delay: 120 * time.Millisecond}, nil
	})
	log := &eventLog{}
	if err := center.RegisterCallback(log.add); err != nil {
		t.Fatal(err)
	}

	var tasks []*models.Task
	var descriptors []models.LinkDescriptor
	for i := 1; i <= 10; i++ {
		linkID := fmt.Sprintf("L%d", i)
		descriptors = append(descriptors, models.LinkDescriptor{
			LinkID: linkID, LinkType: models.LinkArticle, ScraperType: models.ScraperArticle,
		})
		tasks = append(tasks, articleTask("B3", linkID))
	}
	center.InitializeBatch("B3", descriptors)
	center.AddTasks(tasks)
	center.Start()

	time.Sleep(50 * time.Millisecond)
	center.CancelBatch("B3", "user")

	if !center.WaitForCompletion(10 * time.Second) {
		t.Fatal("cancelled batch did not drain")
	}
	conf := center.ConfirmAllScrapingComplete("B3")
	center.Shutdown(true, 5*time.Second)

	if !conf.Confirmed || !conf.Cancelled {
		t.Fatalf("expected cancelled confirmation, got %+v", conf)
	}
	if got := len(log.byType(events.TypeScrapingCancelled)); got != 1 {
		t.Fatalf("scraping:cancelled must emit exactly once, got %d", got)
	}
	stats := center.Statistics()
	if stats.Tasks.Completed+stats.Tasks.Failed != 10 {
		t.Fatalf("all tasks must reach terminal state: %+v", stats.Tasks)
	}
	if stats.Tasks.Failed == 0 {
		t.Fatal("queued tasks should fail after cancellation")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.PoolSize != 8 || cfg.MetricsBackend != "prometheus" || cfg.EventBuffer != 256 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "magpie.yaml")
	content := "pool_size: 4\nresults_root: /tmp/out\nmetrics_backend: none\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PoolSize != 4 || cfg.ResultsRoot != "/tmp/out" || cfg.MetricsBackend != "none" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	// Unset fields keep their defaults.
	if cfg.EventBuffer != 256 {
		t.Fatalf("defaults not layered: %+v", cfg)
	}
}

func TestMetricsHandlerPerBackend(t *testing.T) {
	cfg := Defaults()
	cfg.ResultsRoot = t.TempDir()
	center, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if center.MetricsHandler() == nil {
		t.Fatal("prometheus backend should expose a handler")
	}

	cfg.MetricsBackend = "none"
	center2, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if center2.MetricsHandler() != nil {
		t.Fatal("noop backend has no handler")
	}
}
