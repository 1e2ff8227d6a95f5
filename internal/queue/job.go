package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is the wire record stored in the waiting list and delayed set.
// Durations and timestamps are milliseconds so they round-trip as numbers.
type Job struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	DelayMs     int64           `json:"delayMs"`
	Priority    int             `json:"priority"`
	BackoffMs   int64           `json:"backoffMs"`
	TTLMs       int64           `json:"ttlMs"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`
	RunAt       int64           `json:"runAt,omitempty"`

	// Set on terminal events only.
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// JobOptions are the per-job settings a JobOption can change.
type JobOptions struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     time.Duration
	TTL         time.Duration
	Priority    int
	RunAt       time.Time
}

// DefaultJobOptions returns maxAttempts 3, backoff 5s, ttl 5m, no delay.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		MaxAttempts: 3,
		Backoff:     5 * time.Second,
		TTL:         5 * time.Minute,
	}
}

type JobOption func(*JobOptions)

func WithMaxAttempts(n int) JobOption {
	return func(o *JobOptions) { o.MaxAttempts = n }
}

// WithBackoff sets the fixed delay between a failed attempt and its retry.
func WithBackoff(d time.Duration) JobOption {
	return func(o *JobOptions) { o.Backoff = d }
}

// WithDelay sets the retry delay used when the backoff is zero.
func WithDelay(d time.Duration) JobOption {
	return func(o *JobOptions) { o.Delay = d }
}

// WithTTL bounds the job's lifetime from creation. Zero disables expiry.
func WithTTL(d time.Duration) JobOption {
	return func(o *JobOptions) { o.TTL = d }
}

// WithPriority is carried on the job but does not change dequeue order.
func WithPriority(p int) JobOption {
	return func(o *JobOptions) { o.Priority = p }
}

// WithRunAt holds the job in the delayed set until t.
func WithRunAt(t time.Time) JobOption {
	return func(o *JobOptions) { o.RunAt = t }
}

// NewJob builds a waiting job. payload is stored as-is when it is already
// JSON (json.RawMessage or []byte), otherwise it is marshalled.
func NewJob(payload any, defaults JobOptions, opts ...JobOption) (*Job, error) {
	o := defaults
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	job := &Job{
		ID:          uuid.NewString(),
		Payload:     raw,
		Status:      StatusWaiting,
		MaxAttempts: o.MaxAttempts,
		DelayMs:     o.Delay.Milliseconds(),
		Priority:    o.Priority,
		BackoffMs:   o.Backoff.Milliseconds(),
		TTLMs:       o.TTL.Milliseconds(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if !o.RunAt.IsZero() {
		job.RunAt = o.RunAt.UnixMilli()
	}
	return job, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("queue: payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("queue: payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}
	return b, nil
}

func (j *Job) IncrementAttempts() {
	j.Attempts++
	j.UpdatedAt = time.Now().UnixMilli()
}

func (j *Job) IsExpired() bool {
	return j.TTLMs > 0 && time.Now().UnixMilli()-j.CreatedAt > j.TTLMs
}

// RetryDelay is the fixed wait before the next attempt: the backoff, or the
// job's default delay when no backoff is set.
func (j *Job) RetryDelay() time.Duration {
	if j.BackoffMs > 0 {
		return time.Duration(j.BackoffMs) * time.Millisecond
	}
	return time.Duration(j.DelayMs) * time.Millisecond
}

// CanRetry reports whether a failed attempt still has budget left.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

func (j *Job) Marshal() ([]byte, error) {
	return json.Marshal(j)
}

func UnmarshalJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("queue: decode job: missing id")
	}
	return &job, nil
}
