package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a scraping task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// WorkerState is the lifecycle state of a pool worker.
type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerProcessing WorkerState = "processing"
	WorkerTerminated WorkerState = "terminated"
)

// LinkType identifies the source a URL belongs to.
type LinkType string

const (
	LinkYouTube  LinkType = "youtube"
	LinkBilibili LinkType = "bilibili"
	LinkArticle  LinkType = "article"
	LinkReddit   LinkType = "reddit"
)

// ScraperType identifies which extractor handles a task: the link type plus
// modality (transcript vs comments).
type ScraperType string

const (
	ScraperYouTube          ScraperType = "youtube"
	ScraperYouTubeComments  ScraperType = "youtubecomments"
	ScraperBilibili         ScraperType = "bilibili"
	ScraperBilibiliComments ScraperType = "bilibilicomments"
	ScraperArticle          ScraperType = "article"
	ScraperReddit           ScraperType = "reddit"
)

// CommentScraper reports whether the scraper type produces a comment bundle
// rather than a transcript/article body.
func (s ScraperType) CommentScraper() bool {
	return s == ScraperYouTubeComments || s == ScraperBilibiliComments
}

// Task is one unit of extraction: one URL crossed with one scraper modality.
// Tasks are owned by the state tracker; the queue and workers hold references.
type Task struct {
	TaskID      string      `json:"task_id"`
	BatchID     string      `json:"batch_id"`
	LinkID      string      `json:"link_id"`
	URL         string      `json:"url"`
	LinkType    LinkType    `json:"link_type"`
	ScraperType ScraperType `json:"scraper_type"`
	Priority    int         `json:"priority"`

	Status           TaskStatus `json:"status"`
	AssignedWorkerID string     `json:"assigned_worker_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        time.Time  `json:"started_at,omitzero"`
	CompletedAt      time.Time  `json:"completed_at,omitzero"`

	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// NewTask builds a pending task with a fresh unique id.
func NewTask(batchID, linkID, url string, linkType LinkType, scraperType ScraperType) *Task {
	return &Task{
		TaskID:      uuid.NewString(),
		BatchID:     batchID,
		LinkID:      linkID,
		URL:         url,
		LinkType:    linkType,
		ScraperType: scraperType,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
}

// Result is the structured record an extractor returns.
type Result struct {
	Success     bool           `json:"success"`
	URL         string         `json:"url"`
	LinkID      string         `json:"link_id"`
	BatchID     string         `json:"batch_id"`
	Content     string         `json:"content,omitempty"`
	WordCount   int            `json:"word_count"`
	Error       string         `json:"error,omitempty"`
	Title       string         `json:"title,omitempty"`
	Author      string         `json:"author,omitempty"`
	PublishDate string         `json:"publish_date,omitempty"`
	Language    string         `json:"language,omitempty"`
	Source      string         `json:"source,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// FailedResult synthesizes a failure record for a task, used when an
// extractor errored instead of returning success=false itself.
func FailedResult(task *Task, err error) *Result {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &Result{
		Success: false,
		URL:     task.URL,
		LinkID:  task.LinkID,
		BatchID: task.BatchID,
		Error:   msg,
	}
}

// LinkDescriptor declares one expected unit of work at batch initialization.
type LinkDescriptor struct {
	LinkID      string      `json:"link_id"`
	URL         string      `json:"url"`
	LinkType    LinkType    `json:"link_type"`
	ScraperType ScraperType `json:"scraper_type"`
}

// CompletionEvent is the per-task terminal record carried on the
// scraping:complete_link event. Exactly one is emitted per task.
type CompletionEvent struct {
	TaskID    string      `json:"task_id"`
	BatchID   string      `json:"batch_id"`
	LinkID    string      `json:"link_id"`
	URL       string      `json:"url"`
	Scraper   ScraperType `json:"scraper"`
	Status    string      `json:"status"` // "success" | "failed"
	WordCount int         `json:"word_count"`
	Error     string      `json:"error,omitempty"`
	WorkerID  string      `json:"worker_id"`
	FileSaved bool        `json:"file_saved"`
}

// Confirmation is the completion arbiter's verdict that unblocks the
// downstream research phase.
type Confirmation struct {
	Confirmed        bool              `json:"confirmed"`
	BatchID          string            `json:"batch_id"`
	ExpectedTotal    int               `json:"expected_total"`
	RegisteredCount  int               `json:"registered_count"`
	CompletedCount   int               `json:"completed_count"`
	FailedCount      int               `json:"failed_count"`
	TotalFinal       int               `json:"total_final"`
	CompletionRate   float64           `json:"completion_rate"`
	Is100Percent     bool              `json:"is_100_percent"`
	Cancelled        bool              `json:"cancelled,omitempty"`
	CancellationInfo *CancellationInfo `json:"cancellation_info,omitempty"`
	Reason           string            `json:"reason,omitempty"`
}

// CancellationInfo records why and when a batch was cancelled.
type CancellationInfo struct {
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelled_at"`
}

// Domain errors.
var (
	ErrUnknownScraperType = errors.New("unknown scraper type")
	ErrDuplicateTask      = errors.New("task id already tracked")
	ErrEmptyBatch         = errors.New("batch has no registered work and no expected total")
	ErrBatchUnknown       = errors.New("batch not initialized")
	ErrPersistFailed      = errors.New("artifact persistence failed")
	ErrCancelled          = errors.New("Cancelled by user")
	ErrShuttingDown       = errors.New("control center is shutting down")
)

// TaskError wraps a failure with the task and stage it occurred in.
type TaskError struct {
	TaskID string
	Stage  string
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s (%s): %v", e.TaskID, e.Stage, e.Err)
}
func (e *TaskError) Unwrap() error { return e.Err }

func NewTaskError(taskID, stage string, err error) *TaskError {
	return &TaskError{TaskID: taskID, Stage: stage, Err: err}
}
