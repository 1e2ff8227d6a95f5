package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// retryOrFail applies the attempt budget after a failed attempt: reschedule
// into the delayed set while attempts remain, otherwise fail for good.
// Retries publish nothing; the producer only sees the terminal outcome.
func (q *Queue) retryOrFail(ctx context.Context, job *Job, cause error) {
	log := q.log.With("job_id", job.ID, "attempts", job.Attempts, "max_attempts", job.MaxAttempts)

	if job.CanRetry() {
		delay := job.RetryDelay()
		job.Status = StatusWaiting
		job.Error = cause.Error()
		if err := q.sched.ScheduleDelayed(ctx, job, delay); err != nil {
			// the job is lost unless we fail it visibly
			log.Error("failed to schedule retry", "error", err)
		} else {
			q.markRetrying(ctx, job, delay)
			q.metrics.JobRetried(q.name)
			log.Warn("job scheduled for retry", "delay", delay, "error", cause)
			return
		}
	}

	job.Status = StatusFailed
	job.Error = cause.Error()
	q.metrics.JobFailed(q.name)
	log.Error("job failed", "error", cause)
	q.finish(ctx, job, EventFailed, FailedTopic(job.ID))
}

func (q *Queue) markRetrying(ctx context.Context, job *Job, delay time.Duration) {
	err := q.conn.Do(ctx, func(rdb redis.Cmdable) error {
		_, err := rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			q.status.SetStatus(ctx, p, job.ID, "retrying", q.statusTTL(job), map[string]interface{}{
				"attempts":   job.Attempts,
				"last_error": job.Error,
				"retry_at":   time.Now().Add(delay).UnixMilli(),
			})
			return nil
		})
		return err
	})
	if err != nil {
		q.log.Warn("update retry status", "job_id", job.ID, "error", err)
	}
}
