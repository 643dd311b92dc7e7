// Package queue is the process-wide on-disk job queue (spec.md §4.4):
// priority+FIFO ordering, delayed/waiting states, and the cross-process
// file lock that guards every mutation.
package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/basket/go-claw/internal/ids"
	"github.com/basket/go-claw/internal/store"
)

// JobStatus mirrors spec.md §3 Job.status.
type JobStatus string

const (
	StatusWaiting      JobStatus = "waiting"
	StatusActive       JobStatus = "active"
	StatusCompleted    JobStatus = "completed"
	StatusFailed       JobStatus = "failed"
	StatusDelayed      JobStatus = "delayed"
	StatusHumanWaiting JobStatus = "human_waiting"
)

// JobData names the node execution a Job refers to. TaskID locates the
// owning task directory in the store (workflow.json/instance.json live
// under tasks/<taskId>/) even though the queue itself is process-wide and
// not scoped to any one task runner.
type JobData struct {
	TaskID     string `json:"taskId"`
	WorkflowID string `json:"workflowId"`
	InstanceID string `json:"instanceId"`
	NodeID     string `json:"nodeId"`
	Attempt    int    `json:"attempt"`
}

// Job is a queued unit referring to a node execution (spec.md §3).
type Job struct {
	ID          string     `json:"id"`
	Data        JobData    `json:"data"`
	Status      JobStatus  `json:"status"`
	Priority    int        `json:"priority"`
	Delay       int64      `json:"delay"` // ms
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	ProcessAt   time.Time  `json:"processAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// EnqueueOptions configures a new Job.
type EnqueueOptions struct {
	Priority    int
	DelayMs     int64
	MaxAttempts int
}

type queueFile struct {
	Jobs      []Job     `json:"jobs"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Queue is the on-disk job queue at "<dataDir>/queue.json".
type Queue struct {
	path string
	lock *store.FileLock
}

// New returns a Queue backed by the store's well-known queue.json path.
func New(s *store.Store) *Queue {
	return &Queue{path: s.QueuePath(), lock: store.NewFileLock(s.QueueLockPath())}
}

func (q *Queue) load() queueFile {
	f, ok := store.ReadJSONFile[queueFile](q.path)
	if !ok {
		return queueFile{Jobs: nil}
	}
	return f
}

func (q *Queue) save(f queueFile) error {
	f.UpdatedAt = time.Now().UTC()
	return store.WriteJSONFileAtomic(q.path, f)
}

// withLock runs fn while holding the cross-process file lock, reloading the
// in-memory view fresh from disk first and persisting fn's return value
// (read-modify-write per spec.md §4.4). The in-memory cache is never kept
// across the critical section boundary (invalidated on release).
func (q *Queue) withLock(ctx context.Context, fn func(f queueFile) (queueFile, error)) error {
	release, err := q.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	defer release()

	f := q.load()
	next, err := fn(f)
	if err != nil {
		return err
	}
	return q.save(next)
}

// Enqueue adds a Job for the given node execution. If a waiting/active Job
// already exists for the same (instanceId, nodeId) it is replaced (spec.md
// §3 Job invariant, §4.4).
func (q *Queue) Enqueue(ctx context.Context, data JobData, opts EnqueueOptions) (string, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	id := ids.NewPrefixed("job")
	now := time.Now().UTC()
	job := Job{
		ID:          id,
		Data:        data,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		CreatedAt:   now,
		ProcessAt:   now,
	}
	if opts.DelayMs > 0 {
		job.Delay = opts.DelayMs
		job.Status = StatusDelayed
		job.ProcessAt = now.Add(time.Duration(opts.DelayMs) * time.Millisecond)
	} else {
		job.Status = StatusWaiting
	}

	err := q.withLock(ctx, func(f queueFile) (queueFile, error) {
		filtered := f.Jobs[:0:0]
		for _, existing := range f.Jobs {
			if existing.Data.InstanceID == data.InstanceID && existing.Data.NodeID == data.NodeID &&
				(existing.Status == StatusWaiting || existing.Status == StatusActive || existing.Status == StatusDelayed || existing.Status == StatusHumanWaiting) {
				continue // replaced by the new job
			}
			filtered = append(filtered, existing)
		}
		f.Jobs = append(filtered, job)
		return f, nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Dequeue picks the highest-priority eligible job (ties broken by oldest
// CreatedAt), marks it active, and returns it. Returns (nil, nil) if none
// are eligible.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	var picked *Job
	err := q.withLock(ctx, func(f queueFile) (queueFile, error) {
		now := time.Now().UTC()
		var candidates []int
		for i, j := range f.Jobs {
			if j.Status == StatusWaiting && !j.ProcessAt.After(now) {
				candidates = append(candidates, i)
			}
		}
		if len(candidates) == 0 {
			return f, nil
		}
		sort.Slice(candidates, func(a, b int) bool {
			ja, jb := f.Jobs[candidates[a]], f.Jobs[candidates[b]]
			if ja.Priority != jb.Priority {
				return ja.Priority > jb.Priority
			}
			return ja.CreatedAt.Before(jb.CreatedAt)
		})
		idx := candidates[0]
		f.Jobs[idx].Status = StatusActive
		job := f.Jobs[idx]
		picked = &job
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// MarkActive forces a job to active (used when re-claiming after resume).
func (q *Queue) MarkActive(ctx context.Context, jobID string) error {
	return q.mutateJob(ctx, jobID, func(j *Job) { j.Status = StatusActive })
}

// MarkCompleted marks a job completed and stamps CompletedAt.
func (q *Queue) MarkCompleted(ctx context.Context, jobID string) error {
	return q.mutateJob(ctx, jobID, func(j *Job) {
		j.Status = StatusCompleted
		now := time.Now().UTC()
		j.CompletedAt = &now
	})
}

// MarkFailed marks a job failed with the given error message.
func (q *Queue) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	return q.mutateJob(ctx, jobID, func(j *Job) {
		j.Status = StatusFailed
		j.Error = errMsg
	})
}

// MarkDelayed re-enqueues a job for retry after delayMs, incrementing attempts.
func (q *Queue) MarkDelayed(ctx context.Context, jobID string, delayMs int64, errMsg string) error {
	return q.mutateJob(ctx, jobID, func(j *Job) {
		j.Status = StatusDelayed
		j.Attempts++
		j.Delay = delayMs
		j.Error = errMsg
		j.ProcessAt = time.Now().UTC().Add(time.Duration(delayMs) * time.Millisecond)
	})
}

// MarkHumanWaiting marks a job as gated on human approval.
func (q *Queue) MarkHumanWaiting(ctx context.Context, jobID string) error {
	return q.mutateJob(ctx, jobID, func(j *Job) { j.Status = StatusHumanWaiting })
}

func (q *Queue) mutateJob(ctx context.Context, jobID string, mutate func(*Job)) error {
	return q.withLock(ctx, func(f queueFile) (queueFile, error) {
		for i := range f.Jobs {
			if f.Jobs[i].ID == jobID {
				mutate(&f.Jobs[i])
				return f, nil
			}
		}
		return f, fmt.Errorf("job %s not found", jobID)
	})
}

// PromoteDelayed transitions every delayed job whose ProcessAt has arrived
// to waiting.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	count := 0
	err := q.withLock(ctx, func(f queueFile) (queueFile, error) {
		now := time.Now().UTC()
		for i := range f.Jobs {
			if f.Jobs[i].Status == StatusDelayed && !f.Jobs[i].ProcessAt.After(now) {
				f.Jobs[i].Status = StatusWaiting
				count++
			}
		}
		return f, nil
	})
	return count, err
}

// ResumeWaitingForInstance flips human_waiting -> waiting for every job of
// the given instance (spec.md §4.4, used after a human approval).
func (q *Queue) ResumeWaitingForInstance(ctx context.Context, instanceID string) (int, error) {
	count := 0
	err := q.withLock(ctx, func(f queueFile) (queueFile, error) {
		now := time.Now().UTC()
		for i := range f.Jobs {
			if f.Jobs[i].Data.InstanceID == instanceID && f.Jobs[i].Status == StatusHumanWaiting {
				f.Jobs[i].Status = StatusWaiting
				f.Jobs[i].ProcessAt = now
				count++
			}
		}
		return f, nil
	})
	return count, err
}

// ListByStatus returns a snapshot of jobs in the given status.
func (q *Queue) ListByStatus(ctx context.Context, status JobStatus) ([]Job, error) {
	var out []Job
	err := q.withLock(ctx, func(f queueFile) (queueFile, error) {
		for _, j := range f.Jobs {
			if j.Status == status {
				out = append(out, j)
			}
		}
		return f, nil
	})
	return out, err
}

// RemoveByInstance deletes every job (of any status) belonging to instanceID,
// used on failfast instance failure (spec.md §4.5).
func (q *Queue) RemoveByInstance(ctx context.Context, instanceID string) (int, error) {
	count := 0
	err := q.withLock(ctx, func(f queueFile) (queueFile, error) {
		kept := f.Jobs[:0:0]
		for _, j := range f.Jobs {
			if j.Data.InstanceID == instanceID {
				count++
				continue
			}
			kept = append(kept, j)
		}
		f.Jobs = kept
		return f, nil
	})
	return count, err
}

// ActiveCountFor returns the number of active jobs for (instanceID, nodeID),
// used to enforce the at-most-one-active invariant in tests (spec.md §8
// property 2).
func (q *Queue) ActiveCountFor(ctx context.Context, instanceID, nodeID string) (int, error) {
	count := 0
	err := q.withLock(ctx, func(f queueFile) (queueFile, error) {
		for _, j := range f.Jobs {
			if j.Status == StatusActive && j.Data.InstanceID == instanceID && j.Data.NodeID == nodeID {
				count++
			}
		}
		return f, nil
	})
	return count, err
}
