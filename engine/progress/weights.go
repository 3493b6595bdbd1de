// Package progress tracks per-batch scraping progress: the link registry,
// the stage-weight normalizer, the throttled status emitter, and the
// batch-completion arbiter.
package progress

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"magpie/engine/models"
	"magpie/engine/telemetry/logging"
)

// StageWeight assigns one pipeline stage its share of overall progress.
// Weights for a scraper type are ordered and sum to 100.
type StageWeight struct {
	Stage  string  `yaml:"stage" json:"stage"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// WeightTable maps scraper types to their ordered stage weights.
type WeightTable map[models.ScraperType][]StageWeight

// DefaultWeightTable returns the built-in stage weights. Video transcript
// extraction is dominated by the download and transcription stages; article
// extraction is a simple load-then-extract split.
func DefaultWeightTable() WeightTable {
	video := []StageWeight{
		{Stage: "downloading", Weight: 45},
		{Stage: "converting", Weight: 10},
		{Stage: "uploading", Weight: 5},
		{Stage: "transcribing", Weight: 30},
		{Stage: "extracting", Weight: 10},
	}
	article := []StageWeight{
		{Stage: "loading", Weight: 30},
		{Stage: "extracting", Weight: 70},
	}
	comments := []StageWeight{
		{Stage: "loading", Weight: 40},
		{Stage: "extracting", Weight: 60},
	}
	return WeightTable{
		models.ScraperYouTube:          video,
		models.ScraperBilibili:         video,
		models.ScraperArticle:          article,
		models.ScraperReddit:           article,
		models.ScraperYouTubeComments:  comments,
		models.ScraperBilibiliComments: comments,
	}
}

// Weights serves stage-weight lookups and supports reloading the table from
// a yaml file, optionally watching it for edits.
type Weights struct {
	mu    sync.RWMutex
	table WeightTable
	log   logging.Logger
}

func NewWeights(log logging.Logger) *Weights {
	return &Weights{table: DefaultWeightTable(), log: log}
}

// Overall normalizes a stage-local percentage into overall progress for the
// scraper type: the cumulative weight of all earlier stages plus the current
// stage's weight scaled by its local progress.
func (w *Weights) Overall(scraper models.ScraperType, stage string, stageProgress float64) float64 {
	switch stage {
	case "completed":
		return 100
	case "pending":
		return 0
	}
	if stageProgress < 0 {
		stageProgress = 0
	}
	if stageProgress > 100 {
		stageProgress = 100
	}

	w.mu.RLock()
	stages := w.table[scraper]
	w.mu.RUnlock()

	cumulative := 0.0
	for _, sw := range stages {
		if sw.Stage == stage {
			return clampPercent(cumulative + sw.Weight*stageProgress/100)
		}
		cumulative += sw.Weight
	}
	// Unknown stage for this scraper type: fall back to the raw value.
	return clampPercent(stageProgress)
}

// SetTable replaces the whole table (tests, programmatic config).
func (w *Weights) SetTable(table WeightTable) {
	w.mu.Lock()
	w.table = table
	w.mu.Unlock()
}

// LoadFile merges a yaml weight table over the current one. File format:
//
//	youtube:
//	  - {stage: downloading, weight: 45}
//	  - {stage: transcribing, weight: 55}
func (w *Weights) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read weight table: %w", err)
	}
	var loaded map[string][]StageWeight
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parse weight table: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for scraper, stages := range loaded {
		w.table[models.ScraperType(scraper)] = stages
	}
	return nil
}

// Watch reloads the weight file whenever it is rewritten, until the context
// ends. Errors during reload keep the previous table.
func (w *Weights) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create weight watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch weight table: %w", err)
	}
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := w.LoadFile(path); err != nil {
					if w.log != nil {
						w.log.WarnCtx(ctx, "weight table reload failed", "path", path, "error", err)
					}
					continue
				}
				if w.log != nil {
					w.log.InfoCtx(ctx, "weight table reloaded", "path", path)
				}
			case <-watcher.Errors:
			}
		}
	}()
	return nil
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
