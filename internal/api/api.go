// Package api is the HTTP producer surface: it enqueues jobs and, on request,
// waits for their outcome.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"redis-await-queue/internal/queue"
)

// Queue is the part of *queue.Queue the API needs.
type Queue interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.JobOption) (*queue.Future, error)
	Lookup(ctx context.Context, jobID string) (map[string]string, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

type Options struct {
	Queue       Queue
	APIKey      string
	WaitTimeout time.Duration

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
	Logger  *slog.Logger
}

type server struct {
	q           Queue
	waitTimeout time.Duration
	log         *slog.Logger
}

type enqueueRequest struct {
	Payload     json.RawMessage `json:"payload" binding:"required"`
	MaxAttempts *int            `json:"max_attempts"`
	BackoffMs   *int64          `json:"backoff_ms"`
	DelayMs     *int64          `json:"delay_ms"`
	TTLMs       *int64          `json:"ttl_ms"`
	Priority    int             `json:"priority"`
	ScheduledAt int64           `json:"scheduled_at"`
}

func (r enqueueRequest) options() []queue.JobOption {
	opts := []queue.JobOption{queue.WithPriority(r.Priority)}
	if r.MaxAttempts != nil {
		opts = append(opts, queue.WithMaxAttempts(*r.MaxAttempts))
	}
	if r.BackoffMs != nil {
		opts = append(opts, queue.WithBackoff(time.Duration(*r.BackoffMs)*time.Millisecond))
	}
	if r.DelayMs != nil {
		opts = append(opts, queue.WithDelay(time.Duration(*r.DelayMs)*time.Millisecond))
	}
	if r.TTLMs != nil {
		opts = append(opts, queue.WithTTL(time.Duration(*r.TTLMs)*time.Millisecond))
	}
	if r.ScheduledAt > time.Now().Unix() {
		opts = append(opts, queue.WithRunAt(time.Unix(r.ScheduledAt, 0)))
	}
	return opts
}

func NewRouter(o Options) *gin.Engine {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 30 * time.Second
	}
	s := &server{q: o.Queue, waitTimeout: o.WaitTimeout, log: o.Logger.With("component", "api")}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if o.Metrics != nil {
		r.GET("/metrics", gin.WrapH(o.Metrics))
	}
	r.GET("/stats", s.stats)

	jobs := r.Group("/jobs", requireAPIKey(o.APIKey))
	jobs.POST("", s.enqueue)
	jobs.GET("/:id", s.getJob)
	return r
}

func requireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key != "" && c.GetHeader("X-API-Key") != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

func (s *server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"took", time.Since(start))
	}
}

// enqueue accepts a job. With ?wait=true it blocks until the job settles or
// the wait timeout passes, in which case the job keeps running.
func (s *server) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	f, err := s.q.Enqueue(c.Request.Context(), req.Payload, req.options()...)
	if err != nil {
		s.log.Error("enqueue", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if c.Query("wait") != "true" {
		f.Release()
		c.JSON(http.StatusAccepted, gin.H{"id": f.JobID(), "status": "accepted"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.waitTimeout)
	defer cancel()
	result, err := f.Wait(ctx)

	var jobErr *queue.JobError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": f.JobID(), "status": "completed", "result": result})
	case errors.As(err, &jobErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"id":       f.JobID(),
			"status":   "failed",
			"error":    jobErr.Message,
			"expired":  jobErr.Expired,
			"attempts": jobErr.Attempts,
		})
	default:
		// the job keeps running without this request watching it
		f.Release()
		c.JSON(http.StatusAccepted, gin.H{"id": f.JobID(), "status": "pending"})
	}
}

func (s *server) getJob(c *gin.Context) {
	jobID := c.Param("id")
	data, err := s.q.Lookup(c.Request.Context(), jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, data)
}

func (s *server) stats(c *gin.Context) {
	st, err := s.q.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}
