package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redis-await-queue/internal/metrics"
	"redis-await-queue/internal/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newQueue(t *testing.T, mr *miniredis.Miniredis, m queue.Metrics) *queue.Queue {
	t.Helper()
	q, err := queue.New(queue.Options{
		Name:         "api",
		Redis:        &redis.Options{Addr: mr.Addr()},
		PollInterval: 10 * time.Millisecond,
		Metrics:      m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func do(r http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	r := NewRouter(Options{Queue: newQueue(t, miniredis.RunT(t), nil)})
	rec := do(r, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestEnqueueRequiresAPIKey(t *testing.T) {
	r := NewRouter(Options{Queue: newQueue(t, miniredis.RunT(t), nil), APIKey: "secret"})

	rec := do(r, http.MethodPost, "/jobs", `{"payload":{"a":1}}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(r, http.MethodPost, "/jobs", `{"payload":{"a":1}}`, "X-API-Key", "secret")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEnqueueValidatesBody(t *testing.T) {
	r := NewRouter(Options{Queue: newQueue(t, miniredis.RunT(t), nil)})
	rec := do(r, http.MethodPost, "/jobs", `{"priority":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueThenLookup(t *testing.T) {
	r := NewRouter(Options{Queue: newQueue(t, miniredis.RunT(t), nil)})

	rec := do(r, http.MethodPost, "/jobs", `{"payload":{"type":"echo.process"},"max_attempts":5}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id, _ := decode(t, rec)["id"].(string)
	require.NotEmpty(t, id)

	rec = do(r, http.MethodGet, "/jobs/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "waiting", decode(t, rec)["status"])

	rec = do(r, http.MethodGet, "/jobs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(r, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, decode(t, rec)["waiting"])
}

func TestEnqueueAndWait(t *testing.T) {
	mr := miniredis.RunT(t)
	q := newQueue(t, mr, nil)
	require.NoError(t, q.Process(func(ctx context.Context, job *queue.Job) (any, error) {
		var in map[string]string
		if err := job.Decode(&in); err != nil {
			return nil, err
		}
		if in["fail"] == "yes" {
			return nil, errors.New("refused")
		}
		return map[string]string{"echo": in["msg"]}, nil
	}))
	r := NewRouter(Options{Queue: q, WaitTimeout: 5 * time.Second})

	rec := do(r, http.MethodPost, "/jobs?wait=true", `{"payload":{"msg":"hi"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, map[string]any{"echo": "hi"}, out["result"])

	rec = do(r, http.MethodPost, "/jobs?wait=true", `{"payload":{"fail":"yes"},"max_attempts":1}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	out = decode(t, rec)
	assert.Equal(t, "failed", out["status"])
	assert.Equal(t, "refused", out["error"])
	assert.Equal(t, 1.0, out["attempts"])
}

func TestEnqueueWaitTimesOut(t *testing.T) {
	r := NewRouter(Options{Queue: newQueue(t, miniredis.RunT(t), nil), WaitTimeout: 20 * time.Millisecond})
	rec := do(r, http.MethodPost, "/jobs?wait=true", `{"payload":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["status"])
}

func TestScheduledEnqueueGoesToDelayedSet(t *testing.T) {
	mr := miniredis.RunT(t)
	r := NewRouter(Options{Queue: newQueue(t, mr, nil)})

	body := `{"payload":1,"scheduled_at":` + jsonInt(time.Now().Add(time.Hour).Unix()) + `}`
	rec := do(r, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	members, err := mr.ZMembers("api:delayed")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	mr := miniredis.RunT(t)
	c := metrics.NewCollector(nil)
	r := NewRouter(Options{Queue: newQueue(t, mr, c), Metrics: c.Handler()})

	require.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/jobs", `{"payload":1}`).Code)

	rec := do(r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jobs_enqueued_total{queue="api"} 1`)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestAcceptedJobsDoNotKeepListeners(t *testing.T) {
	q := newQueue(t, miniredis.RunT(t), nil)
	r := NewRouter(Options{Queue: q, WaitTimeout: 20 * time.Millisecond})

	require.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/jobs", `{"payload":1}`).Code)
	rec := do(r, http.MethodPost, "/jobs?wait=true", `{"payload":2}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["status"])

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Waiting)
	assert.Equal(t, int64(0), stats.Pending)
}
