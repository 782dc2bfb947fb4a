package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/holonext/scenesync/pkg/metrics"
)

// ErrQueueFull is reported when a session's job buffer is saturated. The
// job is dropped; enqueue never blocks the caller.
var ErrQueueFull = errors.New("collab: session queue is full")

// ErrQueueStopped is reported when a job arrives after the queue shut down.
var ErrQueueStopped = errors.New("collab: session queue is stopped")

// JobStatus is the outcome of one job's execution. Delivery is
// at-most-once: an applied job was broadcast exactly once, a failed job
// left no trace and is never retried.
type JobStatus uint8

const (
	JobApplied JobStatus = iota + 1
	JobFailed
)

// JobResult carries the outcome and, for failures, the reason.
type JobResult struct {
	Status JobStatus
	Err    error
}

// Job is a pending request to apply one operation. It is consumed exactly
// once by its session's queue and discarded after execution.
type Job struct {
	Kind    EventKind
	Payload Payload
	User    User

	// Result, when non-nil, receives the job's outcome. The channel must
	// have capacity; the worker never blocks on it.
	Result chan<- JobResult
}

// executor applies one job's side effects (liveness check and broadcast).
// It must not touch the operation log; recording is the worker's commit
// step, so a run that outlives its deadline cannot leave a trace.
type executor func(ctx context.Context, job Job) error

// sessionQueue serializes job execution for a single session. Jobs run
// strictly one at a time in enqueue order; queues for different sessions
// are fully independent.
type sessionQueue struct {
	key     string
	jobs    chan Job
	timeout time.Duration
	execute executor
	commit  func(job Job)
	log     *zap.Logger

	stop chan struct{}
	done chan struct{}
}

func newSessionQueue(key string, buffer int, timeout time.Duration, exec executor, commit func(job Job), log *zap.Logger) *sessionQueue {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	q := &sessionQueue{
		key:     key,
		jobs:    make(chan Job, buffer),
		timeout: timeout,
		execute: exec,
		commit:  commit,
		log:     log.With(zap.String("session", key)),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue appends a job to the session's FIFO and returns immediately.
// Relative order of Enqueue calls observed on the same goroutine is
// preserved; the queue, not wall-clock arrival, is the order authority.
func (q *sessionQueue) Enqueue(job Job) error {
	select {
	case <-q.stop:
		q.fail(job, ErrQueueStopped)
		return ErrQueueStopped
	default:
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		q.log.Warn("job dropped, queue full", zap.Stringer("event", job.Kind))
		q.fail(job, ErrQueueFull)
		return ErrQueueFull
	}
}

// Stop shuts the worker down after the in-flight job finishes. It waits
// for the worker to exit or the context to expire.
func (q *sessionQueue) Stop(ctx context.Context) error {
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("collab: stopping queue for session %q: %w", q.key, ctx.Err())
	}
}

func (q *sessionQueue) run() {
	defer close(q.done)

	for {
		select {
		case <-q.stop:
			q.drain()
			return
		case job := <-q.jobs:
			q.process(job)
		}
	}
}

// drain fails every job still buffered once the queue stops, so a job that
// won the enqueue race against Stop still gets its result delivered.
func (q *sessionQueue) drain() {
	for {
		select {
		case job := <-q.jobs:
			q.fail(job, ErrQueueStopped)
		default:
			return
		}
	}
}

// process executes one job under the per-job timeout. A stalled execution
// is converted into a failure so the session's queue is never starved; the
// worker moves on while the stuck call unwinds in the background.
func (q *sessionQueue) process(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	start := time.Now()

	result := make(chan error, 1)
	go func() {
		result <- q.execute(ctx, job)
	}()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = fmt.Errorf("collab: job timed out after %s: %w", q.timeout, ctx.Err())
	}

	metrics.JobLatency.WithLabelValues(job.Kind.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		// The job is dropped, not retried; the queue keeps going.
		q.log.Warn("job failed",
			zap.Stringer("event", job.Kind),
			zap.String("user", job.User.ID),
			zap.Error(err),
		)
		q.fail(job, err)
		return
	}

	// Commit runs on the worker only when the result beat the deadline. A
	// stalled execution that unwedges later therefore never records its
	// operation behind subsequent jobs.
	if q.commit != nil {
		q.commit(job)
	}

	metrics.JobsApplied.WithLabelValues(job.Kind.String()).Inc()
	q.deliver(job, JobResult{Status: JobApplied})
}

func (q *sessionQueue) fail(job Job, err error) {
	metrics.JobsFailed.WithLabelValues(job.Kind.String(), failReason(err)).Inc()
	q.deliver(job, JobResult{Status: JobFailed, Err: err})
}

func (q *sessionQueue) deliver(job Job, result JobResult) {
	if job.Result == nil {
		return
	}
	select {
	case job.Result <- result:
	default:
	}
}

func failReason(err error) string {
	switch {
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrQueueStopped):
		return "queue_stopped"
	case errors.Is(err, ErrStaleOriginator):
		return "stale_originator"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
