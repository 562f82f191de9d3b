package offload

import (
	"context"
	"sync"
	"time"
)

// Job is one offload attempt for a file.
type Job struct {
	FileID  string `json:"file_id"`
	Attempt int    `json:"attempt"`
}

// Queue holds offload jobs. A file id stays known to the queue from Enqueue
// until Done, and enqueueing a known id is a no-op.
type Queue interface {
	Enqueue(ctx context.Context, fileID string) error
	// Dequeue blocks until a job is ready or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
	// Retry makes job ready again after delay.
	Retry(ctx context.Context, job Job, delay time.Duration) error
	Done(ctx context.Context, fileID string) error
}

// MemoryQueue is an in-process Queue. Jobs do not survive a restart; the
// scan processor re-enqueues clean local files on every tick.
type MemoryQueue struct {
	mu     sync.Mutex
	known  map[string]struct{}
	ready  []Job
	timers map[string]*time.Timer
	signal chan struct{}
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		known:  make(map[string]struct{}),
		timers: make(map[string]*time.Timer),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, fileID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.known[fileID]; ok {
		return nil
	}
	q.known[fileID] = struct{}{}
	q.push(Job{FileID: fileID})
	return nil
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready = q.ready[1:]
			if len(q.ready) > 0 {
				q.notify()
			}
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.signal:
		}
	}
}

// Retry implements Queue.
func (q *MemoryQueue) Retry(_ context.Context, job Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if delay <= 0 {
		q.push(job)
		return nil
	}
	q.timers[job.FileID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.timers, job.FileID)
		if _, ok := q.known[job.FileID]; ok {
			q.push(job)
		}
	})
	return nil
}

// Done implements Queue.
func (q *MemoryQueue) Done(_ context.Context, fileID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.known, fileID)
	if timer, ok := q.timers[fileID]; ok {
		timer.Stop()
		delete(q.timers, fileID)
	}
	return nil
}

// Len returns the number of known jobs, ready or delayed or in flight.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.known)
}

// Close stops pending retry timers.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, timer := range q.timers {
		timer.Stop()
		delete(q.timers, id)
	}
}

// push appends a ready job. Callers hold mu.
func (q *MemoryQueue) push(job Job) {
	q.ready = append(q.ready, job)
	q.notify()
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
