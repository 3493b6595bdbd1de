package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"magpie/adapters/telemetryhttp"
	"magpie/engine"
	"magpie/engine/models"
	"magpie/engine/monitoring"
	"magpie/engine/telemetry/events"
	"magpie/extractors/article"
)

type linkEntry struct {
	LinkID      string `yaml:"link_id" json:"link_id"`
	URL         string `yaml:"url" json:"url"`
	LinkType    string `yaml:"link_type" json:"link_type"`
	ScraperType string `yaml:"scraper_type" json:"scraper_type"`
}

func main() {
	var (
		configPath string
		linksPath  string
		batchID    string
		listenAddr string
		timeout    time.Duration
	)
	flag.StringVar(&configPath, "config", "", "Path to yaml configuration file")
	flag.StringVar(&linksPath, "links", "", "Path to yaml/json file listing links to scrape")
	flag.StringVar(&batchID, "batch", "", "Batch identifier (default: derived from timestamp)")
	flag.StringVar(&listenAddr, "listen", "", "Optional address for /metrics, /statusz, /healthz, /events")
	flag.DurationVar(&timeout, "timeout", 0, "Overall batch timeout (0 = wait indefinitely)")
	flag.Parse()

	if linksPath == "" {
		fmt.Println("No links provided. Use -links path/to/links.yaml")
		os.Exit(1)
	}

	cfg := engine.Defaults()
	if configPath != "" {
		loaded, err := engine.LoadConfigFile(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	links, err := loadLinks(linksPath)
	if err != nil {
		log.Fatalf("load links: %v", err)
	}
	if len(links) == 0 {
		log.Fatalf("links file %s contains no entries", linksPath)
	}

	if batchID == "" {
		batchID = fmt.Sprintf("batch_%d", time.Now().Unix())
	}

	center, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("create control center: %v", err)
	}
	center.Factory().Register(models.ScraperArticle, article.New)

	if err := center.RegisterCallback(printEvent); err != nil {
		log.Fatalf("register event callback: %v", err)
	}

	if listenAddr != "" {
		go serveTelemetry(center, listenAddr)
	}

	descriptors := make([]models.LinkDescriptor, 0, len(links))
	tasks := make([]*models.Task, 0, len(links))
	for _, l := range links {
		lt := models.LinkType(l.LinkType)
		st := models.ScraperType(l.ScraperType)
		if st == "" {
			st = models.ScraperType(l.LinkType)
		}
		descriptors = append(descriptors, models.LinkDescriptor{
			LinkID: l.LinkID, URL: l.URL, LinkType: lt, ScraperType: st,
		})
		tasks = append(tasks, models.NewTask(batchID, l.LinkID, l.URL, lt, st))
	}

	center.InitializeBatch(batchID, descriptors)
	center.AddTasks(tasks)
	center.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nInterrupt received; cancelling batch")
		center.CancelBatch(batchID, "interrupted by operator")
	}()

	center.WaitForCompletion(timeout)
	confirmation := center.ConfirmAllScrapingComplete(batchID)
	center.Shutdown(true, 30*time.Second)

	stats := center.Statistics()
	fmt.Printf("\nBatch %s finished: confirmed=%v completed=%d failed=%d rate=%.0f%% races=%d elapsed=%.1fs\n",
		batchID, confirmation.Confirmed, confirmation.CompletedCount, confirmation.FailedCount,
		confirmation.CompletionRate*100, stats.RaceConditionsDetected, stats.ElapsedSeconds)
	if !confirmation.Confirmed {
		os.Exit(1)
	}
}

func loadLinks(path string) ([]linkEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var links []linkEntry
	if json.Valid(data) {
		err = json.Unmarshal(data, &links)
	} else {
		err = yaml.Unmarshal(data, &links)
	}
	return links, err
}

func printEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeStartLink:
		fmt.Printf("[%s] start  %v (%v)\n", ev.Fields["worker_id"], ev.Fields["link_id"], ev.Fields["scraper"])
	case events.TypeProgress:
		fmt.Printf("[%s] %5.1f%% %v: %v\n", ev.Fields["worker_id"], ev.Fields["progress"], ev.Fields["link_id"], ev.Fields["message"])
	case events.TypeCompleteLink:
		fmt.Printf("[%s] done   %v: %v\n", ev.Fields["worker_id"], ev.Fields["link_id"], ev.Fields["message"])
	case events.TypeHundredPercent:
		fmt.Printf("batch %v complete (%v ok / %v failed)\n", ev.Fields["batch_id"], ev.Fields["completed_count"], ev.Fields["failed_count"])
	case events.TypeScrapingCancelled:
		fmt.Printf("batch %v cancelled: %v\n", ev.Fields["batch_id"], ev.Fields["reason"])
	}
}

func serveTelemetry(center *engine.ControlCenter, addr string) {
	health := monitoring.NewHealthCheckSystem()
	health.Register("task_queue", monitoring.QueueDepthCheck(func() int {
		return center.Statistics().Queue.QueueSize
	}, 500, 5000))
	health.Register("event_bus", monitoring.EventDropCheck(func() uint64 {
		return center.Bus().Stats().Dropped
	}, 100))

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetryhttp.NewMetricsHandler(center))
	mux.Handle("/statusz", telemetryhttp.NewStatusHandler(center))
	mux.Handle("/healthz", telemetryhttp.NewHealthHandler(health))
	mux.Handle("/events", telemetryhttp.NewEventStreamHandler(center.Bus(), telemetryhttp.EventStreamOptions{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("telemetry server stopped: %v", err)
	}
}
