package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status keeps a hash per live job under "{prefix}job:{id}". Entries exist
// only while the job is waiting, delayed or active; terminal jobs are removed.
type Status struct {
	prefix string
}

func NewStatus(prefix string) *Status {
	return &Status{prefix: prefix}
}

func (s *Status) Key(jobID string) string {
	return s.prefix + "job:" + jobID
}

// SetStatus queues HSET (+ PEXPIRE when ttl > 0) on c, which may be a pipeline.
func (s *Status) SetStatus(ctx context.Context, c redis.Cmdable, jobID, status string, ttl time.Duration, fields ...map[string]interface{}) {
	key := s.Key(jobID)

	data := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UnixMilli(),
	}

	if len(fields) > 0 {
		for k, v := range fields[0] {
			data[k] = v
		}
	}

	c.HSet(ctx, key, data)
	if ttl > 0 {
		c.PExpire(ctx, key, ttl)
	}
}

func (s *Status) Delete(ctx context.Context, c redis.Cmdable, jobID string) {
	c.Del(ctx, s.Key(jobID))
}

func (s *Status) GetJob(ctx context.Context, c redis.Cmdable, jobID string) (map[string]string, error) {
	return c.HGetAll(ctx, s.Key(jobID)).Result()
}
