package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redis-await-queue/internal/store"
)

func openTestScheduler(t *testing.T) (*Scheduler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	keys := Keys{Name: "sched"}
	conn := store.NewConn(store.ConnOptions{
		Redis:   &redis.Options{Addr: mr.Addr()},
		Channel: keys.Events(),
	})
	t.Cleanup(func() { _ = conn.Close() })
	return NewScheduler(conn, keys), mr
}

func newTestJob(t *testing.T, payload any) *Job {
	t.Helper()
	job, err := NewJob(payload, DefaultJobOptions())
	require.NoError(t, err)
	return job
}

func TestPushPopIsFIFO(t *testing.T) {
	s, _ := openTestScheduler(t)
	ctx := context.Background()

	var ids []string
	for _, p := range []string{"A", "B", "C"} {
		job := newTestJob(t, p)
		ids = append(ids, job.ID)
		require.NoError(t, s.Push(ctx, job))
	}
	for _, want := range ids {
		data, err := s.Pop(ctx)
		require.NoError(t, err)
		job, err := UnmarshalJob(data)
		require.NoError(t, err)
		assert.Equal(t, want, job.ID)
	}
}

func TestPopEmptyReturnsNil(t *testing.T) {
	s, _ := openTestScheduler(t)
	data, err := s.Pop(context.Background())
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestScheduleDelayedScoresDueTime(t *testing.T) {
	s, mr := openTestScheduler(t)
	job := newTestJob(t, "x")

	before := time.Now().Add(time.Minute).UnixMilli()
	require.NoError(t, s.ScheduleDelayed(context.Background(), job, time.Minute))
	after := time.Now().Add(time.Minute).UnixMilli()

	members, err := mr.ZMembers("sched:delayed")
	require.NoError(t, err)
	require.Len(t, members, 1)
	score, err := mr.ZScore("sched:delayed", members[0])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int64(score), before)
	assert.LessOrEqual(t, int64(score), after)
}

func TestPromoteDueDelayedMovesOnlyDueJobs(t *testing.T) {
	s, mr := openTestScheduler(t)
	ctx := context.Background()
	now := time.Now()

	due := newTestJob(t, "due")
	later := newTestJob(t, "later")
	require.NoError(t, s.ScheduleAt(ctx, due, now.Add(-time.Second)))
	require.NoError(t, s.ScheduleAt(ctx, later, now.Add(time.Hour)))

	n, err := s.PromoteDueDelayed(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := mr.List("sched:waiting")
	require.NoError(t, err)
	require.Len(t, list, 1)
	job, err := UnmarshalJob([]byte(list[0]))
	require.NoError(t, err)
	assert.Equal(t, due.ID, job.ID)

	waiting, delayed, err := s.Lengths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting)
	assert.Equal(t, int64(1), delayed)
}

func TestPromoteDueDelayedIsIdempotent(t *testing.T) {
	s, _ := openTestScheduler(t)
	ctx := context.Background()
	require.NoError(t, s.ScheduleDelayed(ctx, newTestJob(t, "x"), 0))

	now := time.Now().Add(time.Millisecond)
	n, err := s.PromoteDueDelayed(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.PromoteDueDelayed(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	waiting, delayed, err := s.Lengths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), waiting)
	assert.Equal(t, int64(0), delayed)
}

func TestPromoteDueDelayedDrainsLargeBacklog(t *testing.T) {
	s, _ := openTestScheduler(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	for i := 0; i < promoteBatch+5; i++ {
		require.NoError(t, s.ScheduleAt(ctx, newTestJob(t, i), past))
	}

	n, err := s.PromoteDueDelayed(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, promoteBatch+5, n)
}
