package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrUnknownJob is returned for handles the tracker never issued.
	ErrUnknownJob = errors.New("unknown job")
	// ErrJobRunning is returned by JobError for a job that has not finished.
	ErrJobRunning = errors.New("job still running")
)

// JobHandle identifies a submitted job.
type JobHandle struct {
	ID          uuid.UUID   `json:"id"`
	Destination Destination `json:"destination"`
}

func (h JobHandle) String() string {
	return fmt.Sprintf("%s (%s)", h.ID, h.Destination)
}

// JobFunc performs the work of one job.
type JobFunc func(ctx context.Context) error

type job struct {
	done     chan struct{}
	err      error
	started  time.Time
	finished time.Time
}

// JobTracker runs jobs in goroutines and implements the Submit/Wait/JobError
// bookkeeping shared by every executor. A job's record is dropped once its
// outcome has been reported: by Wait for a success, by JobError otherwise.
type JobTracker struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*job
	logger *zap.Logger
}

// NewJobTracker creates an empty tracker.
func NewJobTracker(logger *zap.Logger) *JobTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobTracker{
		jobs:   make(map[uuid.UUID]*job),
		logger: logger,
	}
}

// Start runs fn in its own goroutine and returns its handle.
func (t *JobTracker) Start(ctx context.Context, dst Destination, fn JobFunc) JobHandle {
	h := JobHandle{ID: uuid.New(), Destination: dst}
	j := &job{done: make(chan struct{}), started: time.Now()}

	t.mu.Lock()
	t.jobs[h.ID] = j
	t.mu.Unlock()

	go func() {
		defer close(j.done)
		defer func() {
			if r := recover(); r != nil {
				j.err = fmt.Errorf("job panicked: %v", r)
			}
			j.finished = time.Now()
			t.logJob(h, j)
		}()
		j.err = fn(ctx)
	}()

	return h
}

func (t *JobTracker) logJob(h JobHandle, j *job) {
	fields := []zap.Field{
		zap.String("job_id", h.ID.String()),
		zap.String("destination", h.Destination.String()),
		zap.Duration("elapsed", j.finished.Sub(j.started)),
	}
	if j.err != nil {
		t.logger.Warn("Job failed", append(fields, zap.Error(j.err))...)
		return
	}
	t.logger.Debug("Job completed", fields...)
}

// Wait blocks until each handle's job finished or ctx is done and returns
// the handles that failed, were unknown, or were still running when ctx ended.
func (t *JobTracker) Wait(ctx context.Context, handles []JobHandle) ([]JobHandle, error) {
	var incomplete []JobHandle
	for i, h := range handles {
		j := t.lookup(h)
		if j == nil {
			incomplete = append(incomplete, h)
			continue
		}
		select {
		case <-j.done:
			if j.err != nil {
				incomplete = append(incomplete, h)
				continue
			}
			t.forget(h)
		case <-ctx.Done():
			incomplete = append(incomplete, handles[i:]...)
			return incomplete, ctx.Err()
		}
	}
	return incomplete, nil
}

// JobError returns the job's failure, ErrJobRunning, or ErrUnknownJob. A
// finished job is forgotten once reported.
func (t *JobTracker) JobError(h JobHandle) error {
	j := t.lookup(h)
	if j == nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, h.ID)
	}
	select {
	case <-j.done:
		t.forget(h)
		return j.err
	default:
		return ErrJobRunning
	}
}

// Len returns the number of jobs still tracked.
func (t *JobTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

func (t *JobTracker) lookup(h JobHandle) *job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.jobs[h.ID]
}

func (t *JobTracker) forget(h JobHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, h.ID)
}
