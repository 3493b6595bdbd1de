// Package persist writes extraction artifacts to disk before the completion
// event for a task is published. Writes are atomic (temp file, fsync,
// rename) and verified by re-reading the JSON after the rename.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"magpie/engine/models"
	"magpie/engine/telemetry/logging"
)

const (
	verifyAttempts = 5
	verifyDelay    = 100 * time.Millisecond
)

var typePrefixes = map[models.LinkType]string{
	models.LinkYouTube:  "YT",
	models.LinkBilibili: "BILI",
	models.LinkArticle:  "AR",
	models.LinkReddit:   "RD",
}

// Persister writes one JSON artifact per successful transcript/article task
// and merges comment results into a single aggregated file per batch.
type Persister struct {
	root string
	log  logging.Logger

	// serializes read-modify-write cycles on aggregated comment files
	mergeMu sync.Mutex
}

func New(resultsRoot string, log logging.Logger) *Persister {
	return &Persister{root: resultsRoot, log: log}
}

// Persist writes the result artifact and returns its path after verified
// success. Failed results are never persisted (empty path, nil error).
func (p *Persister) Persist(result *models.Result, batchID string, scraperType models.ScraperType, linkType models.LinkType) (string, error) {
	if result == nil || !result.Success {
		return "", nil
	}

	batchDir := filepath.Join(p.root, "run_"+batchID)
	if err := os.MkdirAll(batchDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create batch directory: %v", models.ErrPersistFailed, err)
	}

	if scraperType.CommentScraper() {
		return p.mergeComments(batchDir, batchID, result, scraperType, linkType)
	}

	linkID := result.LinkID
	if linkID == "" {
		linkID = "unknown"
	}
	name := fmt.Sprintf("%s_%s_%s_tsct.json", batchID, typePrefix(linkType), linkID)
	path := filepath.Join(batchDir, name)
	if err := p.writeVerified(path, result); err != nil {
		return "", err
	}
	return path, nil
}

// mergeComments folds a comment bundle into the batch's aggregated comment
// file, keyed by link id. One file per batch, not per link.
func (p *Persister) mergeComments(batchDir, batchID string, result *models.Result, scraperType models.ScraperType, linkType models.LinkType) (string, error) {
	suffix := "cmts"
	if scraperType == models.ScraperBilibiliComments {
		suffix = "cmt"
	}
	name := fmt.Sprintf("%s_%s_%s.json", batchID, typePrefix(linkType), suffix)
	path := filepath.Join(batchDir, name)

	p.mergeMu.Lock()
	defer p.mergeMu.Unlock()

	bundle := make(map[string]*models.Result)
	if data, err := os.ReadFile(path); err == nil {
		// Tolerate a corrupt existing bundle: start fresh rather than fail
		// the completion.
		_ = json.Unmarshal(data, &bundle)
	}
	linkID := result.LinkID
	if linkID == "" {
		linkID = "unknown"
	}
	bundle[linkID] = result

	if err := p.writeVerified(path, bundle); err != nil {
		return "", err
	}
	return path, nil
}

// writeVerified writes v as JSON atomically and confirms the rename landed
// by re-reading and parsing the file, retrying briefly for transient I/O.
func (p *Persister) writeVerified(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal artifact: %v", models.ErrPersistFailed, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", models.ErrPersistFailed, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write temp file: %v", models.ErrPersistFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: fsync temp file: %v", models.ErrPersistFailed, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close temp file: %v", models.ErrPersistFailed, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("%w: rename artifact: %v", models.ErrPersistFailed, err)
	}

	if err := p.verify(path); err != nil {
		return err
	}
	if p.log != nil {
		p.log.DebugCtx(context.Background(), "artifact saved", "path", path, "bytes", len(data))
	}
	return nil
}

func (p *Persister) verify(path string) error {
	var lastErr error
	for attempt := 0; attempt < verifyAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(verifyDelay)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		var parsed any
		if err := json.Unmarshal(data, &parsed); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: verify %s after %d attempts: %v", models.ErrPersistFailed, filepath.Base(path), verifyAttempts, lastErr)
}

func typePrefix(linkType models.LinkType) string {
	if prefix, ok := typePrefixes[linkType]; ok {
		return prefix
	}
	upper := strings.ToUpper(string(linkType))
	if len(upper) > 4 {
		upper = upper[:4]
	}
	return upper
}
