package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Process installs fn as the queue's processor. The first call starts the
// consume loop; later calls only swap the processor.
func (q *Queue) Process(fn Processor) error {
	if fn == nil {
		return fmt.Errorf("queue: processor must not be nil")
	}
	if q.closed.Load() {
		return ErrQueueClosed
	}
	q.mu.Lock()
	q.processor = fn
	q.mu.Unlock()
	q.startOnce.Do(func() {
		go q.consume()
	})
	return nil
}

func (q *Queue) currentProcessor() Processor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processor
}

// consume is the single loop of control for this queue: it never runs two
// iterations at once and only pauses when the waiting list was empty or the
// store was unreachable.
//
// Only a popped job resets the idle timer; empty polls do not. A worker that
// starts on an empty queue therefore never arms the timer and keeps its
// connections until the first job arrives.
func (q *Queue) consume() {
	defer close(q.loopDone)
	q.log.Info("consume loop started", "poll_interval", q.pollInterval)
	for {
		if q.ctx.Err() != nil {
			q.log.Info("consume loop stopped")
			return
		}
		idle, err := q.step(q.ctx)
		if err != nil && q.ctx.Err() == nil {
			q.log.Error("consume iteration failed", "error", err)
		}
		if idle || err != nil {
			q.sleep()
		}
	}
}

// step pops at most one job, runs it, then promotes due delayed jobs. It
// reports idle when the waiting list was empty.
func (q *Queue) step(ctx context.Context) (bool, error) {
	if err := q.conn.EnsureConnected(ctx); err != nil {
		return false, err
	}
	data, err := q.sched.Pop(ctx)
	if err != nil {
		return false, fmt.Errorf("pop waiting: %w", err)
	}
	if data == nil {
		_, err := q.sched.PromoteDueDelayed(ctx, time.Now())
		return true, err
	}
	q.idle.Touch()

	job, err := UnmarshalJob(data)
	if err != nil {
		// a record we cannot read would fail forever; drop it
		q.log.Error("dropping malformed job", "error", err, "raw", string(data))
	} else {
		q.handleJob(ctx, job)
	}
	_, err = q.sched.PromoteDueDelayed(ctx, time.Now())
	return false, err
}

func (q *Queue) sleep() {
	t := time.NewTimer(q.pollInterval)
	defer t.Stop()
	select {
	case <-q.ctx.Done():
	case <-t.C:
	}
}

// handleJob runs one attempt. Job-level failures become events; the job is
// always either finished, rescheduled or failed when it returns.
func (q *Queue) handleJob(ctx context.Context, job *Job) {
	// the outcome must be recorded even when Close cancels ctx mid-job
	fctx := context.WithoutCancel(ctx)
	log := q.log.With("job_id", job.ID)

	if job.IsExpired() {
		job.Status = StatusFailed
		job.Error = ErrJobExpired.Error()
		q.metrics.JobExpired(q.name)
		log.Warn("job expired before running", "attempts", job.Attempts, "ttl_ms", job.TTLMs)
		q.finish(fctx, job, EventFailed, FailedTopic(job.ID))
		return
	}

	q.inFlight.Store(true)
	q.metrics.InFlight(q.name, true)
	defer func() {
		q.inFlight.Store(false)
		q.metrics.InFlight(q.name, false)
	}()

	job.IncrementAttempts()
	job.Status = StatusActive
	err := q.publish(fctx, func(p redis.Pipeliner) {
		q.status.SetStatus(fctx, p, job.ID, string(job.Status), q.statusTTL(job), map[string]interface{}{
			"attempts":   job.Attempts,
			"started_at": job.UpdatedAt,
		})
	}, Event{Type: EventActive, Job: job})
	if err != nil {
		log.Warn("publish active event", "error", err)
	}
	q.metrics.JobStarted(q.name)

	// Close waits for the attempt instead of cancelling it
	started := time.Now()
	result, err := q.run(fctx, job)
	if err != nil {
		q.retryOrFail(fctx, job, err)
		return
	}

	job.Status = StatusCompleted
	job.Result = result
	job.Error = ""
	q.metrics.JobCompleted(q.name, time.Since(started))
	log.Info("job completed", "attempts", job.Attempts, "took", time.Since(started))
	q.finish(fctx, job, EventCompleted, CompletedTopic(job.ID))
}

// run invokes the processor, turning a panic into an attempt failure.
func (q *Queue) run(ctx context.Context, job *Job) (result json.RawMessage, err error) {
	fn := q.currentProcessor()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: processor panic: %v", r)
		}
	}()
	// hand the processor a copy so it cannot corrupt the bookkeeping
	attempt := *job
	v, err := fn(ctx, &attempt)
	if err != nil {
		return nil, err
	}
	if raw, ok := v.(json.RawMessage); ok && json.Valid(raw) {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("queue: encode result: %w", err)
	}
	return b, nil
}

// finish announces a terminal state (general event first, then the per-job
// topic) and drops the job's status hash.
func (q *Queue) finish(ctx context.Context, job *Job, general, topic string) {
	err := q.publish(ctx, func(p redis.Pipeliner) {
		q.status.Delete(ctx, p, job.ID)
	}, Event{Type: general, Job: job}, Event{Type: topic, Job: job})
	if err != nil {
		q.log.Error("publish terminal event", "job_id", job.ID, "event", general, "error", err)
	}
}
