package config

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"redis-await-queue/internal/queue"
)

func (c Config) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     c.RedisAddr,
		DB:       c.RedisDB,
		Password: c.RedisPassword,
	}
}

func (c Config) JobOptions() queue.JobOptions {
	return queue.JobOptions{
		MaxAttempts: c.Job.MaxAttempts,
		Backoff:     c.Job.Backoff,
		Delay:       c.Job.Delay,
		TTL:         c.Job.TTL,
	}
}

// QueueOptions describes the configured queue. idle is IdleTimeout for a
// worker and StoreIdleTimeout for the API host.
func (c Config) QueueOptions(idle time.Duration, logger *slog.Logger, m queue.Metrics) queue.Options {
	return queue.Options{
		Name:         c.Queue,
		Redis:        c.RedisOptions(),
		IdleTimeout:  idle,
		PollInterval: c.PollInterval,
		JobDefaults:  c.JobOptions(),
		Logger:       logger,
		Metrics:      m,
	}
}
