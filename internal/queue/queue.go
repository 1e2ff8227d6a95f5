// Package queue implements a Redis-backed, at-least-once job queue with a
// single consume loop per queue and cross-process result correlation.
//
// Keys, for a queue named "jobs":
//
//	jobs:waiting   list, RPUSH by producers, LPOP by the consumer
//	jobs:delayed   sorted set, score = due time in epoch ms
//	jobs:events    pub/sub channel, {"type": ..., "job": ...}
//	jobs:job:{id}  hash describing a live job, deleted once terminal
//
// A producer's Future settles when this process observes "completed:<id>" or
// "failed:<id>" on the events channel, whichever process ran the job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"redis-await-queue/internal/store"

	"github.com/redis/go-redis/v9"
)

var ErrQueueClosed = errors.New("queue: closed")

// Processor runs one attempt of a job. A returned error (or panic) fails the
// attempt; the result is JSON-encoded onto the completed event.
type Processor func(ctx context.Context, job *Job) (any, error)

// Metrics receives queue activity. *metrics.Collector implements it.
type Metrics interface {
	JobEnqueued(queue string)
	JobStarted(queue string)
	JobCompleted(queue string, d time.Duration)
	JobRetried(queue string)
	JobFailed(queue string)
	JobExpired(queue string)
	InFlight(queue string, active bool)
	Reconnected(queue string)
}

type Options struct {
	Name  string
	Redis *redis.Options

	// IdleTimeout closes both connections after this long without activity.
	// Zero keeps them open.
	IdleTimeout time.Duration

	PollInterval time.Duration
	JobDefaults  JobOptions
	Logger       *slog.Logger
	Metrics      Metrics
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	InFlight  bool  `json:"inFlight"`
	Pending   int64 `json:"pending"`
	Connected bool  `json:"connected"`
}

type Queue struct {
	name         string
	keys         Keys
	pollInterval time.Duration
	defaults     JobOptions
	log          *slog.Logger
	metrics      Metrics

	conn   *store.Conn
	sched  *Scheduler
	status *store.Status
	bus    *Bus
	idle   *idleReaper

	// inFlight is the only state the reaper reads from outside the loop.
	inFlight atomic.Bool

	// pending counts producer futures this process still waits on.
	pending atomic.Int64

	mu        sync.Mutex
	processor Processor
	startOnce sync.Once
	loopDone  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func New(opts Options) (*Queue, error) {
	if opts.Name == "" {
		return nil, errors.New("queue: name must not be empty")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.JobDefaults == (JobOptions{}) {
		opts.JobDefaults = DefaultJobOptions()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:         opts.Name,
		keys:         Keys{Name: opts.Name},
		pollInterval: opts.PollInterval,
		defaults:     opts.JobDefaults,
		log:          opts.Logger.With("component", "queue", "queue", opts.Name),
		metrics:      opts.Metrics,
		bus:          NewBus(),
		loopDone:     make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	q.conn = store.NewConn(store.ConnOptions{
		Redis:     opts.Redis,
		Channel:   q.keys.Events(),
		OnMessage: q.relay,
		OnConnect: func() { q.metrics.Reconnected(q.name) },
		Logger:    opts.Logger,
	})
	q.sched = NewScheduler(q.conn, q.keys)
	q.status = store.NewStatus(q.keys.StatusPrefix())
	q.idle = newIdleReaper(opts.IdleTimeout, q.busy, q.reap)
	return q, nil
}

func (q *Queue) Name() string { return q.name }

// Scheduler exposes the waiting list and delayed set.
func (q *Queue) Scheduler() *Scheduler { return q.sched }

// Connected reports whether both connections are currently open.
func (q *Queue) Connected() bool { return q.conn.Connected() }

// On registers a listener for an event type as observed on the events
// channel. The returned function removes it.
func (q *Queue) On(eventType string, fn Listener) func() {
	return q.bus.On(eventType, fn)
}

// Enqueue stores a new job and returns a Future for its outcome. A non-nil
// error means the job was not stored.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts ...JobOption) (*Future, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	job, err := NewJob(payload, q.defaults, opts...)
	if err != nil {
		return nil, err
	}
	data, err := job.Marshal()
	if err != nil {
		return nil, err
	}

	// listen before publishing so a fast consumer cannot beat us
	f := newFuture(job.ID)
	release := q.await(f)

	eventType := EventWaiting
	if job.RunAt > time.Now().UnixMilli() {
		eventType = EventDelayed
	}
	msg, err := json.Marshal(Event{Type: eventType, Job: job})
	if err != nil {
		release()
		return nil, err
	}

	err = q.conn.Do(ctx, func(rdb redis.Cmdable) error {
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if eventType == EventDelayed {
				q.sched.delay(ctx, p, data, time.UnixMilli(job.RunAt))
			} else {
				q.sched.push(ctx, p, data)
			}
			q.status.SetStatus(ctx, p, job.ID, string(job.Status), q.statusTTL(job), map[string]interface{}{
				"attempts":   job.Attempts,
				"created_at": job.CreatedAt,
			})
			p.Publish(ctx, q.keys.Events(), msg)
			return nil
		})
		return err
	})
	if err != nil {
		release()
		q.log.Error("enqueue failed", "job_id", job.ID, "error", err)
		return nil, err
	}

	q.idle.Touch()
	q.metrics.JobEnqueued(q.name)
	q.log.Debug("job enqueued", "job_id", job.ID, "event", eventType)
	return f, nil
}

// await wires f to the job's terminal topics. The returned release drops
// both listeners; it runs automatically when either topic fires.
func (q *Queue) await(f *Future) func() {
	q.pending.Add(1)
	var offCompleted, offFailed func()
	var once sync.Once
	release := func() {
		once.Do(func() {
			offCompleted()
			offFailed()
			q.pending.Add(-1)
			// a reap skipped while this future was pending is not retried on its own
			q.idle.Touch()
		})
	}
	f.release = release
	offCompleted = q.bus.On(CompletedTopic(f.jobID), func(e Event) {
		if e.Job != nil && f.settle(e.Job, e.Job.Result, nil) {
			release()
		}
	})
	offFailed = q.bus.On(FailedTopic(f.jobID), func(e Event) {
		if e.Job != nil && f.settle(e.Job, nil, jobError(e.Job)) {
			release()
		}
	})
	return release
}

// relay re-emits a message from the events channel on the local bus.
func (q *Queue) relay(payload string) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		q.log.Warn("dropping malformed event", "error", err)
		return
	}
	q.idle.Touch()
	q.bus.Emit(e)
}

// publish sends events in order over one pipeline, alongside any extra
// commands queued by with.
func (q *Queue) publish(ctx context.Context, with func(p redis.Pipeliner), events ...Event) error {
	msgs := make([][]byte, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, b)
	}
	return q.conn.Do(ctx, func(rdb redis.Cmdable) error {
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if with != nil {
				with(p)
			}
			for _, m := range msgs {
				p.Publish(ctx, q.keys.Events(), m)
			}
			return nil
		})
		return err
	})
}

func (q *Queue) statusTTL(job *Job) time.Duration {
	if job.TTLMs <= 0 {
		return 0
	}
	ttl := time.Duration(job.TTLMs) * time.Millisecond
	if job.RunAt > job.CreatedAt {
		ttl += time.Duration(job.RunAt-job.CreatedAt) * time.Millisecond
	}
	return ttl
}

// Lookup returns the status hash of a live job; empty when the job is unknown
// or already terminal.
func (q *Queue) Lookup(ctx context.Context, jobID string) (map[string]string, error) {
	var data map[string]string
	err := q.conn.Do(ctx, func(rdb redis.Cmdable) error {
		var err error
		data, err = q.status.GetJob(ctx, rdb, jobID)
		return err
	})
	return data, err
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	waiting, delayed, err := q.sched.Lengths(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   waiting,
		Delayed:   delayed,
		InFlight:  q.inFlight.Load(),
		Pending:   q.pending.Load(),
		Connected: q.conn.Connected(),
	}, nil
}

// busy holds off idle teardown while a job runs or a local producer still
// waits for a terminal event that would arrive on the subscription.
func (q *Queue) busy() bool {
	return q.inFlight.Load() || q.pending.Load() > 0
}

func (q *Queue) reap() {
	q.log.Info("idle timeout, closing connections")
	if err := q.conn.Close(); err != nil {
		q.log.Warn("close idle connections", "error", err)
	}
}

// Close stops the consume loop, waits for the current job to settle and
// releases both connections. Pending futures are left unsettled.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	q.cancel()
	q.mu.Lock()
	started := q.processor != nil
	q.mu.Unlock()
	if started {
		<-q.loopDone
	}
	q.idle.Stop()
	return q.conn.Close()
}

type nopMetrics struct{}

func (nopMetrics) JobEnqueued(string)                 {}
func (nopMetrics) JobStarted(string)                  {}
func (nopMetrics) JobCompleted(string, time.Duration) {}
func (nopMetrics) JobRetried(string)                  {}
func (nopMetrics) JobFailed(string)                   {}
func (nopMetrics) JobExpired(string)                  {}
func (nopMetrics) InFlight(string, bool)              {}
func (nopMetrics) Reconnected(string)                 {}
