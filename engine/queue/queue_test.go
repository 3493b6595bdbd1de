package queue

import (
	"sync"
	"testing"

	"magpie/engine/models"
)

func task(linkID string) *models.Task {
	return models.NewTask("b1", linkID, "https://example.com/"+linkID, models.LinkArticle, models.ScraperArticle)
}

func TestFIFOOrder(t *testing.T) {
	q := New()
	q.Enqueue(task("L1"))
	q.Enqueue(task("L2"))
	q.Enqueue(task("L3"))

	for _, want := range []string{"L1", "L2", "L3"} {
		got := q.TryDequeue()
		if got == nil || got.LinkID != want {
			t.Fatalf("expected %s, got %+v", want, got)
		}
	}
	if q.TryDequeue() != nil {
		t.Fatal("expected empty queue to return nil")
	}
}

func TestEnqueueBatchAndSize(t *testing.T) {
	q := New()
	q.EnqueueBatch([]*models.Task{task("L1"), task("L2")})
	if q.Size() != 2 {
		t.Fatalf("expected size 2, got %d", q.Size())
	}
	if q.IsEmpty() {
		t.Fatal("queue should not be empty")
	}
}

func TestReturnToTailRetractsProcessedCount(t *testing.T) {
	q := New()
	q.Enqueue(task("L1"))
	q.Enqueue(task("L2"))

	first := q.TryDequeue()
	stats := q.Statistics()
	if stats.TotalProcessed != 1 {
		t.Fatalf("expected 1 processed, got %d", stats.TotalProcessed)
	}

	q.ReturnToTail(first)
	stats = q.Statistics()
	if stats.TotalProcessed != 0 {
		t.Fatalf("return should retract the dequeue, got processed=%d", stats.TotalProcessed)
	}
	if stats.QueueSize != 2 {
		t.Fatalf("expected size 2 after return, got %d", stats.QueueSize)
	}

	// Returned task goes to the tail, not the head.
	if got := q.TryDequeue(); got.LinkID != "L2" {
		t.Fatalf("expected L2 at head, got %s", got.LinkID)
	}
	if got := q.TryDequeue(); got.LinkID != "L1" {
		t.Fatalf("expected returned L1 at tail, got %s", got.LinkID)
	}
}

func TestStatisticsPending(t *testing.T) {
	q := New()
	q.EnqueueBatch([]*models.Task{task("L1"), task("L2"), task("L3")})
	q.TryDequeue()
	stats := q.Statistics()
	if stats.TotalAdded != 3 || stats.TotalProcessed != 1 || stats.Pending != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestConcurrentAccess(t *testing.T) {
	q := New()
	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Enqueue(task("L"))
		}
	}()
	dequeued := 0
	go func() {
		defer wg.Done()
		for dequeued < n {
			if q.TryDequeue() != nil {
				dequeued++
			}
		}
	}()
	wg.Wait()
	if !q.IsEmpty() {
		t.Fatalf("expected drained queue, size=%d", q.Size())
	}
	if stats := q.Statistics(); stats.TotalAdded != n || stats.TotalProcessed != n {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
