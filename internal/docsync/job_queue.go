package docsync

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/treemirror/internal/metrics"
)

const DefaultQueueCapacity = 4096

var ErrQueueFull = errors.New("write-back queue full")

type JobType string

const (
	JobModify JobType = "modify"
	JobCreate JobType = "create"
	JobDelete JobType = "delete"
)

// SyncJob is one pending write-back of a local change.
type SyncJob struct {
	ID             string
	Type           JobType
	LocalPath      string
	RelativePath   string
	TreeID         string
	OriginNodeID   string
	OriginParentID string
	Timestamp      time.Time

	seq uint64
}

// JobQueue is a bounded FIFO with many producers and a single consumer.
type JobQueue struct {
	mu       sync.Mutex
	jobs     []SyncJob
	wake     chan struct{}
	closed   bool
	capacity int
	nextSeq  uint64

	// latest holds the newest job already handed out per local path.
	latest map[string]SyncJob
}

func NewJobQueue(capacity int) *JobQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &JobQueue{
		wake:     make(chan struct{}, 1),
		capacity: capacity,
		latest:   map[string]SyncJob{},
	}
}

// TryEnqueue appends job without blocking.
func (q *JobQueue) TryEnqueue(job SyncJob) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrSessionStopped
	}
	if len(q.jobs) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Timestamp.IsZero() {
		job.Timestamp = time.Now()
	}
	q.nextSeq++
	job.seq = q.nextSeq
	q.jobs = append(q.jobs, job)
	depth := len(q.jobs)
	q.mu.Unlock()

	metrics.SetWritebackQueueDepth(depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Next blocks until a job is available, the queue is closed and empty, or
// abort fires. superseded is true when a newer job for the same local path is
// still queued or was already handed out.
func (q *JobQueue) Next(abort <-chan struct{}) (job SyncJob, superseded bool, ok bool) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job = q.jobs[0]
			q.jobs[0] = SyncJob{}
			q.jobs = q.jobs[1:]
			if last, seen := q.latest[job.LocalPath]; seen && newerJob(last, job) {
				superseded = true
			} else {
				q.latest[job.LocalPath] = SyncJob{Timestamp: job.Timestamp, seq: job.seq}
				for _, pending := range q.jobs {
					if pending.LocalPath == job.LocalPath && newerJob(pending, job) {
						superseded = true
						break
					}
				}
			}
			depth := len(q.jobs)
			q.mu.Unlock()
			metrics.SetWritebackQueueDepth(depth)
			return job, superseded, true
		}
		if q.closed {
			q.mu.Unlock()
			return SyncJob{}, false, false
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-abort:
			return SyncJob{}, false, false
		}
	}
}

// Close stops accepting jobs. Queued jobs remain available to Next.
func (q *JobQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Discard drops every queued job and returns how many were dropped.
func (q *JobQueue) Discard() int {
	q.mu.Lock()
	n := len(q.jobs)
	q.jobs = nil
	q.mu.Unlock()
	metrics.SetWritebackQueueDepth(0)
	return n
}

func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func newerJob(a, b SyncJob) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.seq > b.seq
	}
	return a.Timestamp.After(b.Timestamp)
}
