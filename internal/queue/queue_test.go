package queue

import (
	"context"
	"testing"

	"github.com/basket/go-claw/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return New(s)
}

func TestDequeueEmptyReturnsNone(t *testing.T) {
	q := newTestQueue(t)
	job, err := q.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job on empty queue, got %+v", job)
	}
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, JobData{InstanceID: "i1", NodeID: "a"}, EnqueueOptions{Priority: 1}); err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}
	if _, err := q.Enqueue(ctx, JobData{InstanceID: "i1", NodeID: "b"}, EnqueueOptions{Priority: 5}); err != nil {
		t.Fatalf("Enqueue high: %v", err)
	}

	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job == nil || job.Data.NodeID != "b" {
		t.Fatalf("expected higher priority job 'b' first, got %+v", job)
	}
	if job.Status != StatusActive {
		t.Fatalf("expected dequeued job to be active, got %s", job.Status)
	}
}

func TestEnqueueReplacesExistingForSameInstanceNode(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, JobData{InstanceID: "i1", NodeID: "a", Attempt: 0}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	id2, err := q.Enqueue(ctx, JobData{InstanceID: "i1", NodeID: "a", Attempt: 1}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct job ids")
	}

	jobs, err := q.ListByStatus(ctx, StatusWaiting)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected the stale job to be replaced, got %d waiting jobs", len(jobs))
	}
	if jobs[0].ID != id2 {
		t.Fatalf("expected the newer job to survive, got %s", jobs[0].ID)
	}
}

func TestAtMostOneActivePerInstanceNode(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, JobData{InstanceID: "i1", NodeID: "a"}, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.Dequeue(ctx)
	if err != nil || job == nil {
		t.Fatalf("Dequeue: job=%+v err=%v", job, err)
	}

	count, err := q.ActiveCountFor(ctx, "i1", "a")
	if err != nil {
		t.Fatalf("ActiveCountFor: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one active job, got %d", count)
	}

	// Re-enqueueing for the same node while it is active replaces the
	// active job rather than allowing two to coexist (spec.md §8 property 2).
	if _, err := q.Enqueue(ctx, JobData{InstanceID: "i1", NodeID: "a", Attempt: 1}, EnqueueOptions{}); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	count, err = q.ActiveCountFor(ctx, "i1", "a")
	if err != nil {
		t.Fatalf("ActiveCountFor after re-enqueue: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected the active job to be replaced by the new waiting job, got %d active", count)
	}
}

func TestPromoteDelayed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, JobData{InstanceID: "i1", NodeID: "a"}, EnqueueOptions{DelayMs: -1}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// A non-positive delay enqueues as waiting, not delayed; re-enqueue a
	// genuinely future delay then promote it manually.
	jobs, _ := q.ListByStatus(ctx, StatusWaiting)
	if len(jobs) != 1 {
		t.Fatalf("expected waiting job for non-positive delay, got %d", len(jobs))
	}

	if _, err := q.Enqueue(ctx, JobData{InstanceID: "i2", NodeID: "b"}, EnqueueOptions{DelayMs: 100000}); err != nil {
		t.Fatalf("Enqueue delayed: %v", err)
	}
	delayed, err := q.ListByStatus(ctx, StatusDelayed)
	if err != nil || len(delayed) != 1 {
		t.Fatalf("expected one delayed job, got %d err=%v", len(delayed), err)
	}

	promoted, err := q.PromoteDelayed(ctx)
	if err != nil {
		t.Fatalf("PromoteDelayed: %v", err)
	}
	if promoted != 0 {
		t.Fatalf("expected 0 promotions before delay elapses, got %d", promoted)
	}
}

func TestResumeWaitingForInstance(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, JobData{InstanceID: "i1", NodeID: "human"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.MarkHumanWaiting(ctx, id); err != nil {
		t.Fatalf("MarkHumanWaiting: %v", err)
	}

	resumed, err := q.ResumeWaitingForInstance(ctx, "i1")
	if err != nil {
		t.Fatalf("ResumeWaitingForInstance: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected 1 job resumed, got %d", resumed)
	}

	jobs, err := q.ListByStatus(ctx, StatusWaiting)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected job back in waiting state, got %d err=%v", len(jobs), err)
	}
}

func TestRemoveByInstance(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, JobData{InstanceID: "i1", NodeID: "a"}, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, JobData{InstanceID: "i2", NodeID: "b"}, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	removed, err := q.RemoveByInstance(ctx, "i1")
	if err != nil {
		t.Fatalf("RemoveByInstance: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 job removed, got %d", removed)
	}

	jobs, err := q.ListByStatus(ctx, StatusWaiting)
	if err != nil || len(jobs) != 1 || jobs[0].Data.InstanceID != "i2" {
		t.Fatalf("expected only i2's job left, got %+v err=%v", jobs, err)
	}
}

func TestMarkCompletedAndFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, JobData{InstanceID: "i1", NodeID: "a"}, EnqueueOptions{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.MarkCompleted(ctx, id); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	completed, err := q.ListByStatus(ctx, StatusCompleted)
	if err != nil || len(completed) != 1 {
		t.Fatalf("expected 1 completed job, got %d err=%v", len(completed), err)
	}
	if completed[0].CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be set")
	}

	id2, _ := q.Enqueue(ctx, JobData{InstanceID: "i2", NodeID: "c"}, EnqueueOptions{})
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if err := q.MarkFailed(ctx, id2, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	failed, err := q.ListByStatus(ctx, StatusFailed)
	if err != nil || len(failed) != 1 || failed[0].Error != "boom" {
		t.Fatalf("expected 1 failed job with error, got %+v err=%v", failed, err)
	}
}
