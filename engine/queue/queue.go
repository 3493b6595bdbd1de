// Package queue provides the unified FIFO of pending scraping tasks.
//
// The queue is a dumb container: it does not inspect task status. Validity
// checks happen at dequeue time in the worker pool, which may hand a task
// back via ReturnToTail when it cannot process it yet.
package queue

import (
	"container/list"
	"sync"

	"magpie/engine/models"
)

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	QueueSize      int `json:"queue_size"`
	TotalAdded     int `json:"total_added"`
	TotalProcessed int `json:"total_processed"`
	Pending        int `json:"pending"`
}

// TaskQueue is a thread-safe FIFO of task references. Enqueues never fail;
// dequeue is non-blocking and returns nil when empty.
type TaskQueue struct {
	mu             sync.Mutex
	items          *list.List
	totalAdded     int
	totalProcessed int
}

func New() *TaskQueue {
	return &TaskQueue{items: list.New()}
}

// Enqueue appends a task to the tail.
func (q *TaskQueue) Enqueue(task *models.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushBack(task)
	q.totalAdded++
}

// EnqueueBatch appends tasks in order.
func (q *TaskQueue) EnqueueBatch(tasks []*models.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range tasks {
		q.items.PushBack(t)
		q.totalAdded++
	}
}

// TryDequeue removes and returns the head, or nil when the queue is empty.
func (q *TaskQueue) TryDequeue() *models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil
	}
	q.items.Remove(front)
	q.totalProcessed++
	return front.Value.(*models.Task)
}

// ReturnToTail hands back a task from a prior dequeue. The processed counter
// is decremented because the dequeue is being retracted.
func (q *TaskQueue) ReturnToTail(task *models.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushBack(task)
	if q.totalProcessed > 0 {
		q.totalProcessed--
	}
}

// Size returns the number of queued tasks.
func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// IsEmpty reports whether the queue holds no tasks.
func (q *TaskQueue) IsEmpty() bool {
	return q.Size() == 0
}

// Statistics returns current queue counters.
func (q *TaskQueue) Statistics() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		QueueSize:      q.items.Len(),
		TotalAdded:     q.totalAdded,
		TotalProcessed: q.totalProcessed,
		Pending:        q.totalAdded - q.totalProcessed,
	}
}
