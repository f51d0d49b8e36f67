// Package jobqueue holds the jobs waiting for execution. The queue survives
// restarts in a JSON file and hands jobs out fairly across users.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/CZERTAINLY/Tao/internal/filebacked"
	"github.com/CZERTAINLY/Tao/internal/queue"
	"github.com/CZERTAINLY/Tao/internal/task"
)

const fileName = "wait_jobs.json"

var ErrNotQueued = errors.New("job not queued")

// Entry is a queued job
type Entry struct {
	JobID int64  `json:"jobId"`
	User  string `json:"userId"`
}

// JobProvider looks up and updates the jobs referenced by the queue
type JobProvider interface {
	Get(ctx context.Context, id int64) (*task.Job, error)
	List(ctx context.Context, statuses ...task.Status) ([]*task.Job, error)
	Update(ctx context.Context, job *task.Job) error
}

type Queue struct {
	mx      sync.Mutex
	entries *filebacked.Collection[Entry]
	pending *queue.HashedBlockingQueue[Entry, int64]
	jobs    JobProvider
}

// New opens the queue persisted in cacheDir
func New(cacheDir string, jobs JobProvider) (*Queue, error) {
	entries, err := filebacked.NewCollection[Entry](filepath.Join(cacheDir, fileName))
	if err != nil {
		return nil, fmt.Errorf("opening job queue: %w", err)
	}
	q := &Queue{
		entries: entries,
		pending: queue.New(0, func(e Entry) int64 { return e.JobID }),
		jobs:    jobs,
	}
	for _, e := range entries.Items() {
		if !q.pending.Contains(e.JobID) {
			q.pending.Offer(e)
		}
	}
	return q, nil
}

// persist mirrors the pending entries to the file, mx must be held
func (q *Queue) persist() error {
	if err := q.entries.Replace(q.pending.Snapshot()); err != nil {
		return fmt.Errorf("saving job queue: %w", err)
	}
	return nil
}

// Initialize queues again the jobs left active or running by a previous
// run, their status is reset to Undetermined
func (q *Queue) Initialize(ctx context.Context) error {
	jobs, err := q.jobs.List(ctx, task.QueuedActive, task.Running)
	if err != nil {
		return fmt.Errorf("listing runnable jobs: %w", err)
	}
	for _, job := range jobs {
		job.Status = task.Undetermined
		if err := q.jobs.Update(ctx, job); err != nil {
			slog.WarnContext(ctx, "resetting job failed", "job", job.Name, "error", err)
		} else {
			slog.DebugContext(ctx, "job reset", "job", job.Name, "status", job.Status)
		}
		if _, err := q.Put(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Put appends the job and returns its position in the queue. A job already
// queued keeps its position.
func (q *Queue) Put(ctx context.Context, job *task.Job) (int, error) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if !q.pending.Contains(job.ID) {
		if err := q.pending.Put(ctx, Entry{JobID: job.ID, User: job.User}); err != nil {
			return 0, err
		}
		slog.DebugContext(ctx, "job queued", "job", job.Name, "user", job.User, "status", job.Status)
	}
	if err := q.persist(); err != nil {
		return 0, err
	}
	return slices.IndexFunc(q.pending.Snapshot(), func(e Entry) bool { return e.JobID == job.ID }) + 1, nil
}

// Take returns the job at the head, waiting for one if the queue is empty
func (q *Queue) Take(ctx context.Context) (*task.Job, error) {
	return q.take(ctx, nil)
}

// TakeExcept prefers the first job of a user other than user. When only
// jobs of user are queued, the head is returned.
func (q *Queue) TakeExcept(ctx context.Context, user string) (*task.Job, error) {
	if user == "" {
		return q.Take(ctx)
	}
	return q.take(ctx, func(e Entry) bool { return e.User != user })
}

// TakeUser prefers the first job of user
func (q *Queue) TakeUser(ctx context.Context, user string) (*task.Job, error) {
	return q.take(ctx, func(e Entry) bool { return e.User == user })
}

func (q *Queue) take(ctx context.Context, pick func(Entry) bool) (*task.Job, error) {
	for {
		e, err := q.pending.TakeFunc(ctx, pick)
		if err != nil {
			return nil, err
		}
		q.mx.Lock()
		err = q.persist()
		q.mx.Unlock()
		if err != nil {
			return nil, err
		}
		job, err := q.jobs.Get(ctx, e.JobID)
		if err != nil {
			slog.WarnContext(ctx, "queued job not found", "job", e.JobID, "user", e.User, "error", err)
			continue
		}
		return job, nil
	}
}

// Remove drops the job regardless of its position
func (q *Queue) Remove(jobID int64) (bool, error) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if _, ok := q.pending.Remove(jobID); !ok {
		return false, nil
	}
	return true, q.persist()
}

// RemoveUserJobs drops all jobs of user and returns their ids. An empty
// user drops every job.
func (q *Queue) RemoveUserJobs(user string) ([]int64, error) {
	q.mx.Lock()
	defer q.mx.Unlock()
	var removed []int64
	q.pending.RemoveIf(func(e Entry) bool {
		if user == "" || e.User == user {
			removed = append(removed, e.JobID)
			return true
		}
		return false
	})
	if len(removed) == 0 {
		return nil, nil
	}
	return removed, q.persist()
}

// MoveToHead moves the job one position closer to the head
func (q *Queue) MoveToHead(jobID int64) error {
	return q.move(jobID, -1, nil)
}

// MoveToTail moves the job one position closer to the tail
func (q *Queue) MoveToTail(jobID int64) error {
	return q.move(jobID, 1, nil)
}

// MoveUserJobToHead swaps the job with the previous job of the same user
func (q *Queue) MoveUserJobToHead(user string, jobID int64) error {
	return q.move(jobID, -1, func(e Entry) bool { return e.User == user })
}

// MoveUserJobToTail swaps the job with the next job of the same user
func (q *Queue) MoveUserJobToTail(user string, jobID int64) error {
	return q.move(jobID, 1, func(e Entry) bool { return e.User == user })
}

func (q *Queue) move(jobID int64, dir int, same func(Entry) bool) error {
	q.mx.Lock()
	defer q.mx.Unlock()
	found := false
	q.pending.Reorder(func(items []Entry) []Entry {
		i := slices.IndexFunc(items, func(e Entry) bool { return e.JobID == jobID })
		if i < 0 || (same != nil && !same(items[i])) {
			return items
		}
		found = true
		for j := i + dir; j >= 0 && j < len(items); j += dir {
			if same == nil || same(items[j]) {
				items[i], items[j] = items[j], items[i]
				break
			}
		}
		return items
	})
	if !found {
		return fmt.Errorf("%w: %d", ErrNotQueued, jobID)
	}
	return q.persist()
}

// UserJobs returns the ids of the queued jobs of user in order
func (q *Queue) UserJobs(user string) []int64 {
	var ids []int64
	for _, e := range q.pending.Snapshot() {
		if e.User == user {
			ids = append(ids, e.JobID)
		}
	}
	return ids
}

// UserQueues returns the queued job ids grouped by user
func (q *Queue) UserQueues() map[string][]int64 {
	ret := make(map[string][]int64)
	for _, e := range q.pending.Snapshot() {
		ret[e.User] = append(ret[e.User], e.JobID)
	}
	return ret
}

// HasMoreJobs reports if any job of user is queued
func (q *Queue) HasMoreJobs(user string) bool {
	return slices.ContainsFunc(q.pending.Snapshot(), func(e Entry) bool { return e.User == user })
}

func (q *Queue) Contains(jobID int64) bool {
	return q.pending.Contains(jobID)
}

// Entries returns the queue content in order
func (q *Queue) Entries() []Entry {
	return q.pending.Snapshot()
}

func (q *Queue) Len() int {
	return q.pending.Len()
}

// Close wakes up the callers waiting in Take, the file keeps the content
func (q *Queue) Close() {
	q.pending.Close()
}
