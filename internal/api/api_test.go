package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-sync/internal/constraint"
	"github.com/ChuLiYu/beaver-sync/internal/controller"
	"github.com/ChuLiYu/beaver-sync/internal/events"
	"github.com/ChuLiYu/beaver-sync/internal/job"
	"github.com/ChuLiYu/beaver-sync/internal/jobstorage"
	"github.com/ChuLiYu/beaver-sync/internal/metrics"
	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

type fixture struct {
	ctrl    *controller.Controller
	storage *jobstorage.JobStorage
	server  *Server
	syncs   int
}

// newFixture 控制器只 Load 不 Start，入隊的任務會停在 pending
func newFixture(t *testing.T, cfg Config, listener events.Listener) *fixture {
	t.Helper()
	f := &fixture{storage: jobstorage.New(jobstorage.NewMemoryDurable())}

	jobs := job.NewRegistry()
	jobs.MustRegister("Echo", func(spec types.JobSpec) (job.Job, error) {
		return job.RunFunc{Fn: func(ctx context.Context, in job.Input) job.Result {
			return job.Success(in.Spec.SerializedData)
		}}, nil
	})
	constraints, _ := constraint.NewDefaultRegistry()

	ctrl, err := controller.New(controller.Config{
		WorkerCount:  2,
		PollInterval: 10 * time.Millisecond,
		Listener:     listener,
	}, f.storage, jobs, constraints)
	require.NoError(t, err)
	require.NoError(t, ctrl.Load(context.Background()))
	t.Cleanup(ctrl.Stop)
	f.ctrl = ctrl

	cfg.Controller = ctrl
	if cfg.Sync == nil {
		cfg.Sync = func(ctx context.Context) error {
			f.syncs++
			return nil
		}
	}
	f.server, err = New(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewRequiresController(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["running"])

	rec = f.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	st := decode[map[string]any](t, rec)
	assert.EqualValues(t, 2, st["workers"])
}

func TestEnqueueAndInspect(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	rec := f.do(t, http.MethodPost, "/jobs", map[string]any{
		"id":           "job-1",
		"factory_key":  "Echo",
		"data":         map[string]string{"hello": "world"},
		"queue":        "q1",
		"max_attempts": 3,
		"lifespan":     "1h",
		"constraints":  []string{constraint.Network},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "job-1", decode[map[string]string](t, rec)["id"])

	rec = f.do(t, http.MethodPost, "/jobs", map[string]any{
		"factory_key": "Echo",
		"queue":       "q1",
		"depends_on":  []string{"job-1"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	second := decode[map[string]string](t, rec)["id"]
	assert.NotEmpty(t, second)

	rec = f.do(t, http.MethodGet, "/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decode[jobDetail](t, rec)
	assert.Equal(t, "q1", detail.Job.QueueKey)
	assert.Equal(t, 3, detail.Job.MaxAttempts)
	assert.Equal(t, time.Hour.Milliseconds(), detail.Job.Lifespan)
	assert.JSONEq(t, `{"hello":"world"}`, string(detail.Job.SerializedData))
	require.Len(t, detail.Constraints, 1)
	assert.Equal(t, constraint.Network, detail.Constraints[0].FactoryKey)
	assert.Empty(t, detail.Dependencies)

	rec = f.do(t, http.MethodGet, "/jobs/"+second, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[jobDetail](t, rec).Dependencies, 1)

	rec = f.do(t, http.MethodGet, "/jobs?queue=q1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Jobs  []types.JobSpec `json:"jobs"`
		Count int             `json:"count"`
	}](t, rec)
	assert.Equal(t, 2, list.Count)

	rec = f.do(t, http.MethodGet, "/jobs?queue=other", nil)
	assert.JSONEq(t, `{"jobs":[],"count":0}`, rec.Body.String())
}

func TestEnqueueErrors(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/jobs", map[string]any{
		"id": "taken", "factory_key": "Echo",
	}).Code)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing factory", map[string]any{"id": "x"}, http.StatusBadRequest},
		{"unknown factory", map[string]any{"factory_key": "Nope"}, http.StatusBadRequest},
		{"unknown constraint", map[string]any{"factory_key": "Echo", "constraints": []string{"Sunny"}}, http.StatusBadRequest},
		{"bad duration", map[string]any{"factory_key": "Echo", "lifespan": "forever"}, http.StatusBadRequest},
		{"duplicate id", map[string]any{"id": "taken", "factory_key": "Echo"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/jobs", map[string]any{
		"id": "victim", "factory_key": "Echo",
	}).Code)

	rec := f.do(t, http.MethodDelete, "/jobs/victim", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	_, ok := f.storage.GetJobSpec("victim")
	assert.False(t, ok, "pending job is removed immediately")

	rec = f.do(t, http.MethodDelete, "/jobs/victim", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/victim", nil).Code)
}

func TestSync(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	rec := f.do(t, http.MethodPost, "/sync", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.syncs)

	failing := newFixture(t, Config{Sync: func(ctx context.Context) error {
		return controller.ErrStopped
	}}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, failing.do(t, http.MethodPost, "/sync", nil).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{jobstorage.ErrJobNotFound, http.StatusNotFound},
		{controller.ErrTooManyInstances, http.StatusConflict},
		{jobstorage.ErrDependencyCycle, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	collector.RecordSync(metrics.SyncSuccess)

	f := newFixture(t, Config{Gatherer: reg}, nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "beaver_sync_runs_total")

	bare := newFixture(t, Config{}, nil)
	assert.Equal(t, http.StatusNotFound, bare.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestEventStream(t *testing.T) {
	hub := events.NewHub(nil)
	defer hub.Close()
	f := newFixture(t, Config{Events: hub}, hub)

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = f.ctrl.Enqueue(context.Background(), controller.Request{
		ID: "streamed", FactoryKey: "Echo", Params: job.NewParameters(),
	})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, events.JobEnqueued, got.Type)
	assert.Equal(t, "streamed", got.JobID)
}
