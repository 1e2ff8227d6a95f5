package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"redis-await-queue/internal/store"

	"github.com/redis/go-redis/v9"
)

const promoteBatch = 100

// promoteScript moves due members of the delayed set (KEYS[1]) onto the tail
// of the waiting list (KEYS[2]). A member is pushed only if this call removed
// it, so concurrent promoters never duplicate a job.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
local moved = 0
for _, member in ipairs(due) do
  if redis.call('ZREM', KEYS[1], member) == 1 then
    redis.call('RPUSH', KEYS[2], member)
    moved = moved + 1
  end
end
return moved
`)

// Scheduler owns the waiting list and the delayed set of one queue.
type Scheduler struct {
	conn *store.Conn
	keys Keys
}

func NewScheduler(conn *store.Conn, keys Keys) *Scheduler {
	return &Scheduler{conn: conn, keys: keys}
}

// Push appends job to the waiting list.
func (s *Scheduler) Push(ctx context.Context, job *Job) error {
	data, err := job.Marshal()
	if err != nil {
		return err
	}
	return s.conn.Do(ctx, func(rdb redis.Cmdable) error {
		return s.push(ctx, rdb, data).Err()
	})
}

func (s *Scheduler) push(ctx context.Context, c redis.Cmdable, data []byte) *redis.IntCmd {
	return c.RPush(ctx, s.keys.Waiting(), data)
}

// Pop removes the oldest waiting entry. It returns nil, nil when the list is
// empty and never blocks.
func (s *Scheduler) Pop(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.conn.Do(ctx, func(rdb redis.Cmdable) error {
		b, err := rdb.LPop(ctx, s.keys.Waiting()).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		data = b
		return err
	})
	return data, err
}

// ScheduleDelayed inserts job into the delayed set, due delay from now.
func (s *Scheduler) ScheduleDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	return s.ScheduleAt(ctx, job, time.Now().Add(delay))
}

func (s *Scheduler) ScheduleAt(ctx context.Context, job *Job, dueAt time.Time) error {
	data, err := job.Marshal()
	if err != nil {
		return err
	}
	return s.conn.Do(ctx, func(rdb redis.Cmdable) error {
		return s.delay(ctx, rdb, data, dueAt).Err()
	})
}

func (s *Scheduler) delay(ctx context.Context, c redis.Cmdable, data []byte, dueAt time.Time) *redis.IntCmd {
	return c.ZAdd(ctx, s.keys.Delayed(), redis.Z{
		Score:  float64(dueAt.UnixMilli()),
		Member: data,
	})
}

// PromoteDueDelayed moves every delayed entry due at or before now to the
// tail of the waiting list and returns how many moved.
func (s *Scheduler) PromoteDueDelayed(ctx context.Context, now time.Time) (int, error) {
	until := strconv.FormatInt(now.UnixMilli(), 10)
	total := 0
	for {
		var moved int
		err := s.conn.Do(ctx, func(rdb redis.Cmdable) error {
			n, err := promoteScript.Run(ctx, rdb,
				[]string{s.keys.Delayed(), s.keys.Waiting()}, until, promoteBatch).Int()
			moved = n
			return err
		})
		if err != nil {
			return total, fmt.Errorf("queue: promote delayed: %w", err)
		}
		total += moved
		if moved < promoteBatch {
			return total, nil
		}
	}
}

// Lengths returns the sizes of the waiting list and the delayed set.
func (s *Scheduler) Lengths(ctx context.Context) (waiting, delayed int64, err error) {
	err = s.conn.Do(ctx, func(rdb redis.Cmdable) error {
		cmds, err := rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			p.LLen(ctx, s.keys.Waiting())
			p.ZCard(ctx, s.keys.Delayed())
			return nil
		})
		if err != nil {
			return err
		}
		waiting = cmds[0].(*redis.IntCmd).Val()
		delayed = cmds[1].(*redis.IntCmd).Val()
		return nil
	})
	return waiting, delayed, err
}
