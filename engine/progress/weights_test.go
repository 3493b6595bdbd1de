package progress

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"magpie/engine/models"
)

func TestVideoTranscriptNormalization(t *testing.T) {
	w := NewWeights(nil)

	steps := []struct {
		stage    string
		progress float64
		want     float64
	}{
		{"downloading", 50, 22.5},
		{"downloading", 100, 45},
		{"converting", 100, 55},
		{"uploading", 100, 60},
		{"transcribing", 50, 75},
		{"transcribing", 100, 90},
		{"extracting", 100, 100},
	}
	for _, step := range steps {
		got := w.Overall(models.ScraperYouTube, step.stage, step.progress)
		if math.Abs(got-step.want) > 0.01 {
			t.Fatalf("%s@%.0f: expected %.1f, got %.1f", step.stage, step.progress, step.want, got)
		}
	}
}

func TestArticleNormalization(t *testing.T) {
	w := NewWeights(nil)
	if got := w.Overall(models.ScraperArticle, "loading", 50); math.Abs(got-15) > 0.01 {
		t.Fatalf("loading@50: expected 15, got %.1f", got)
	}
	if got := w.Overall(models.ScraperArticle, "extracting", 50); math.Abs(got-65) > 0.01 {
		t.Fatalf("extracting@50: expected 65, got %.1f", got)
	}
}

func TestSpecialStages(t *testing.T) {
	w := NewWeights(nil)
	if got := w.Overall(models.ScraperYouTube, "completed", 0); got != 100 {
		t.Fatalf("completed should map to 100, got %.1f", got)
	}
	if got := w.Overall(models.ScraperYouTube, "pending", 90); got != 0 {
		t.Fatalf("pending should map to 0, got %.1f", got)
	}
}

func TestUnknownStageFallsBackToRawProgress(t *testing.T) {
	w := NewWeights(nil)
	if got := w.Overall(models.ScraperYouTube, "negotiating", 40); got != 40 {
		t.Fatalf("unknown stage should pass through, got %.1f", got)
	}
}

func TestProgressClamping(t *testing.T) {
	w := NewWeights(nil)
	if got := w.Overall(models.ScraperYouTube, "downloading", 150); math.Abs(got-45) > 0.01 {
		t.Fatalf("overshoot should clamp to stage weight, got %.1f", got)
	}
	if got := w.Overall(models.ScraperYouTube, "downloading", -20); got != 0 {
		t.Fatalf("negative progress should clamp to 0, got %.1f", got)
	}
}

func TestLoadFileMergesTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	content := "youtube:\n  - {stage: downloading, weight: 50}\n  - {stage: transcribing, weight: 50}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewWeights(nil)
	if err := w.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := w.Overall(models.ScraperYouTube, "transcribing", 50); math.Abs(got-75) > 0.01 {
		t.Fatalf("reloaded table not applied, got %.1f", got)
	}
	// Untouched scraper types keep their defaults.
	if got := w.Overall(models.ScraperArticle, "extracting", 100); got != 100 {
		t.Fatalf("article defaults lost, got %.1f", got)
	}
}

func TestLoadFileRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := NewWeights(nil)
	if err := w.LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}
