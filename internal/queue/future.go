package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrJobFailed  = errors.New("queue: job failed")
	ErrJobExpired = errors.New("queue: job expired")
)

// JobError is how a terminal failure reaches the producer. It unwraps to
// ErrJobExpired or ErrJobFailed.
type JobError struct {
	JobID    string
	Attempts int
	Message  string
	Expired  bool
}

func (e *JobError) Error() string {
	if e.Expired {
		return fmt.Sprintf("queue: job %s expired after %d attempts", e.JobID, e.Attempts)
	}
	return fmt.Sprintf("queue: job %s failed after %d attempts: %s", e.JobID, e.Attempts, e.Message)
}

func (e *JobError) Unwrap() error {
	if e.Expired {
		return ErrJobExpired
	}
	return ErrJobFailed
}

// Future settles once with the processor result or a *JobError.
type Future struct {
	jobID  string
	done   chan struct{}
	once   sync.Once
	job    *Job
	result json.RawMessage
	err    error

	release func()
}

func newFuture(jobID string) *Future {
	return &Future{jobID: jobID, done: make(chan struct{})}
}

func (f *Future) JobID() string { return f.jobID }

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// settle reports whether this call was the one that settled f.
func (f *Future) settle(job *Job, result json.RawMessage, err error) bool {
	settled := false
	f.once.Do(func() {
		f.job, f.result, f.err = job, result, err
		settled = true
		close(f.done)
	})
	return settled
}

// Wait blocks until the job reaches a terminal state or ctx is done. A ctx
// error leaves the future pending; Wait may be called again.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode waits and unmarshals the result into v.
func (f *Future) Decode(ctx context.Context, v any) error {
	raw, err := f.Wait(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Release stops listening for the job's outcome. A released future that has
// not settled stays pending; the job itself is unaffected.
func (f *Future) Release() {
	if f.release != nil {
		f.release()
	}
}

// Job returns the job as announced by its terminal event, or nil while pending.
func (f *Future) Job() *Job {
	select {
	case <-f.done:
		return f.job
	default:
		return nil
	}
}

func jobError(job *Job) error {
	return &JobError{
		JobID:    job.ID,
		Attempts: job.Attempts,
		Message:  job.Error,
		Expired:  job.Error == ErrJobExpired.Error(),
	}
}
