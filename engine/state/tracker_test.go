package state

import (
	"testing"
	"time"

	"magpie/engine/models"
)

func newTask(linkID string) *models.Task {
	return models.NewTask("b1", linkID, "https://example.com/"+linkID, models.LinkArticle, models.ScraperArticle)
}

func TestAddIsIdempotentPerTaskID(t *testing.T) {
	tr := New()
	task := newTask("L1")
	tr.Add(task)

	clone := *task
	clone.URL = "https://example.com/other"
	tr.Add(&clone)

	if got := tr.Get(task.TaskID); got.URL != task.URL {
		t.Fatalf("second add must not replace the record, got url %s", got.URL)
	}
	if stats := tr.Statistics(); stats.Total != 1 {
		t.Fatalf("expected 1 tracked task, got %d", stats.Total)
	}
}

func TestUpdateStatusWritesSideFieldsAtomically(t *testing.T) {
	tr := New()
	task := newTask("L1")
	tr.Add(task)

	worker := "worker_1"
	started := time.Now()
	if !tr.UpdateStatus(task.TaskID, models.StatusProcessing, Update{
		AssignedWorkerID: &worker,
		StartedAt:        &started,
	}) {
		t.Fatal("update should apply")
	}
	got := tr.Get(task.TaskID)
	if got.Status != models.StatusProcessing || got.AssignedWorkerID != "worker_1" || got.StartedAt.IsZero() {
		t.Fatalf("fields not written together: %+v", got)
	}
}

func TestTerminalStatusIsSticky(t *testing.T) {
	tr := New()
	task := newTask("L1")
	tr.Add(task)

	now := time.Now()
	if !tr.UpdateStatus(task.TaskID, models.StatusCompleted, Update{CompletedAt: &now}) {
		t.Fatal("first terminal transition should apply")
	}
	errMsg := "late failure"
	if tr.UpdateStatus(task.TaskID, models.StatusFailed, Update{Error: &errMsg}) {
		t.Fatal("terminal status must not change again")
	}
	got := tr.Get(task.TaskID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status changed after terminal: %s", got.Status)
	}
	// Diagnostic side-fields may still land.
	if got.Error != "late failure" {
		t.Fatalf("side-field write suppressed: %q", got.Error)
	}
}

func TestUnknownTask(t *testing.T) {
	tr := New()
	if tr.UpdateStatus("missing", models.StatusCompleted, Update{}) {
		t.Fatal("update of unknown task should report false")
	}
	if tr.Get("missing") != nil {
		t.Fatal("unknown task should be nil")
	}
	if _, ok := tr.Status("missing"); ok {
		t.Fatal("unknown task should not report a status")
	}
}

func TestStatistics(t *testing.T) {
	tr := New()
	statuses := []models.TaskStatus{
		models.StatusPending, models.StatusPending,
		models.StatusProcessing,
		models.StatusCompleted, models.StatusCompleted, models.StatusCompleted,
		models.StatusFailed,
		models.StatusCancelled,
	}
	for i, st := range statuses {
		task := newTask("L")
		task.Status = st
		task.TaskID = task.TaskID + string(rune('a'+i))
		tr.Add(task)
	}
	stats := tr.Statistics()
	if stats.Pending != 2 || stats.Processing != 1 || stats.Completed != 3 ||
		stats.Failed != 1 || stats.Cancelled != 1 || stats.Total != 8 {
		t.Fatalf("unexpected statistics %+v", stats)
	}
}
