// Package scraper defines the contract every extractor honors and the
// registry the worker pool uses to construct one per task.
package scraper

import (
	"magpie/engine/models"
)

// ProgressUpdate is the payload extractors report at their own checkpoints.
type ProgressUpdate struct {
	Stage           string  `json:"stage"`
	Progress        float64 `json:"progress"` // 0-100 within the stage
	Message         string  `json:"message,omitempty"`
	BytesDownloaded int64   `json:"bytes_downloaded,omitempty"`
	TotalBytes      int64   `json:"total_bytes,omitempty"`
	Scraper         string  `json:"scraper,omitempty"`
}

// ProgressFunc receives intermediate progress from an extractor.
type ProgressFunc func(ProgressUpdate)

// CancelCheck is polled by extractors at coarse checkpoints; true means the
// owning batch was cancelled and the extractor should wind down.
type CancelCheck func() bool

// Extractor is the uniform contract each per-source scraper exposes.
// Extract runs synchronously from the worker's perspective and reports
// failures through Result.Success=false rather than an error, where
// practical; a returned error is synthesized into a failed result by the
// pool. Implementations must honor their own deadlines.
type Extractor interface {
	Extract(url, batchID, linkID string) (*models.Result, error)
	ValidateURL(url string) bool
	Close() error
}

// Options carries the callbacks and type-specific settings handed to an
// extractor constructor.
type Options struct {
	Progress ProgressFunc
	Cancel   CancelCheck
	// Config holds scraper-specific settings (headless flags, timeouts).
	Config map[string]any
}

// Constructor builds an extractor honoring the contract above.
type Constructor func(opts Options) (Extractor, error)
