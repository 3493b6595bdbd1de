// Package state holds the authoritative task records for the control center.
package state

import (
	"sync"
	"time"

	"magpie/engine/models"
)

// Stats counts tasks by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// Update carries the side-fields written together with a status transition.
type Update struct {
	AssignedWorkerID *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Result           *models.Result
	Error            *string
}

// Tracker is the task-id to task-record mapping. A single mutex guards the
// map; status and side-fields change atomically within one Update call.
type Tracker struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

func New() *Tracker {
	return &Tracker{tasks: make(map[string]*models.Task)}
}

// Add registers a task record. Re-adding an existing id is a no-op so the
// tracker never holds two records for one task.
func (t *Tracker) Add(task *models.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.tasks[task.TaskID]; exists {
		return
	}
	t.tasks[task.TaskID] = task
}

// UpdateStatus transitions a task and writes side-fields in the same critical
// section. Terminal states are sticky: once completed/failed/cancelled the
// status no longer changes, though diagnostic side-fields may still be
// written. Returns false when the task is unknown or the status write was
// suppressed by terminality.
func (t *Tracker) UpdateStatus(taskID string, status models.TaskStatus, upd Update) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[taskID]
	if !ok {
		return false
	}
	applied := true
	if task.Status.Terminal() {
		applied = false
	} else {
		task.Status = status
	}
	if upd.AssignedWorkerID != nil {
		task.AssignedWorkerID = *upd.AssignedWorkerID
	}
	if upd.StartedAt != nil {
		task.StartedAt = *upd.StartedAt
	}
	if upd.CompletedAt != nil {
		task.CompletedAt = *upd.CompletedAt
	}
	if upd.Result != nil {
		task.Result = upd.Result
	}
	if upd.Error != nil {
		task.Error = *upd.Error
	}
	return applied
}

// Get returns the tracked record for a task id, or nil.
func (t *Tracker) Get(taskID string) *models.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tasks[taskID]
}

// Status returns the current status and whether the task is tracked.
func (t *Tracker) Status(taskID string) (models.TaskStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[taskID]
	if !ok {
		return "", false
	}
	return task.Status, true
}

// AllTasks returns a snapshot slice of every tracked record.
func (t *Tracker) AllTasks() []*models.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*models.Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, task)
	}
	return out
}

// Statistics counts tasks by status.
func (t *Tracker) Statistics() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	for _, task := range t.tasks {
		switch task.Status {
		case models.StatusPending:
			s.Pending++
		case models.StatusProcessing:
			s.Processing++
		case models.StatusCompleted:
			s.Completed++
		case models.StatusFailed:
			s.Failed++
		case models.StatusCancelled:
			s.Cancelled++
		}
	}
	s.Total = len(t.tasks)
	return s
}
