// Package handlers routes jobs to business handlers by the "type" field of
// the payload envelope {"type": "...", "data": ...}.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"redis-await-queue/internal/queue"
)

// Envelope is the payload shape the Mux understands.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type HandlerFunc func(ctx context.Context, job *queue.Job, data json.RawMessage) (any, error)

type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	log      *slog.Logger
}

func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{handlers: make(map[string]HandlerFunc), log: logger}
}

func (m *Mux) Handle(jobType string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = fn
}

// Process is a queue.Processor. Unknown types fail the attempt.
func (m *Mux) Process(ctx context.Context, job *queue.Job) (any, error) {
	var env Envelope
	if err := job.Decode(&env); err != nil {
		return nil, fmt.Errorf("bad payload: %w", err)
	}

	m.mu.RLock()
	fn, ok := m.handlers[env.Type]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown job type: %s", env.Type)
	}

	m.log.Info("processing job", "job_id", job.ID, "type", env.Type, "attempt", job.Attempts)
	return fn(ctx, job, env.Data)
}

// Echo returns the data unchanged after sleeping for delay.
func Echo(delay time.Duration) HandlerFunc {
	return func(ctx context.Context, job *queue.Job, data json.RawMessage) (any, error) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		if len(data) == 0 {
			return nil, nil
		}
		return data, nil
	}
}

// Register installs the built-in handlers on m.
func Register(m *Mux) {
	m.Handle("echo.process", Echo(time.Second))
}
