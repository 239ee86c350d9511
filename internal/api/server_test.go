package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jobs/durable/internal/devconn"
	"github.com/jobs/durable/internal/events"
	"github.com/jobs/durable/internal/infra/persistence/cachedtaskrepo"
	"github.com/jobs/durable/internal/journal"
	"github.com/jobs/durable/internal/loadbalance"
	"github.com/jobs/durable/internal/runlock"
	"github.com/jobs/durable/internal/taskerr"
	"github.com/jobs/durable/internal/taskrun"
	"github.com/jobs/durable/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const apiKey = "tr_dev_1"

var devEnv = taskrun.Environment{ID: "env_1", Slug: "dev", Type: taskrun.EnvironmentDevelopment}

// memoryRepo adds the read side of cachedtaskrepo.Repo to a MemoryStore.
type memoryRepo struct {
	*journal.MemoryStore
}

func (r memoryRepo) all(ctx context.Context, runID string) []journal.CachedTask {
	page, _ := r.Page(ctx, runID, "", 10000)
	return page.Tasks
}

func (r memoryRepo) List(ctx context.Context, f cachedtaskrepo.ListFilter, offset, limit int) ([]journal.CachedTask, int64, error) {
	tasks := lo.Filter(r.all(ctx, f.RunID), func(t journal.CachedTask, _ int) bool {
		if f.Noop.IsPresent() && t.Noop != f.Noop.MustGet() {
			return false
		}
		if f.Status.IsPresent() && t.Status != f.Status.MustGet() {
			return false
		}
		return !f.ParentID.IsPresent() || (t.ParentID != nil && *t.ParentID == f.ParentID.MustGet())
	})
	total := int64(len(tasks))
	return lo.Slice(tasks, offset, offset+limit), total, nil
}

func (r memoryRepo) GetByKey(ctx context.Context, runID, key string) (journal.CachedTask, error) {
	t, ok := lo.Find(r.all(ctx, runID), func(t journal.CachedTask) bool { return t.IdempotencyKey == key })
	if !ok {
		return journal.CachedTask{}, gorm.ErrRecordNotFound
	}
	return t, nil
}

type fixture struct {
	router *gin.Engine
	repo   memoryRepo
	locker *runlock.Memory
	dev    *devconn.Server
	source *webhook.Router
}

func newFixture(t *testing.T, defs ...*taskrun.Definition) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	registry := taskrun.NewRegistry()
	for _, d := range defs {
		require.NoError(t, registry.Register(d))
	}
	machine := taskrun.NewMachine(registry, logger)

	auth := devconn.StaticAuthenticator{apiKey: devEnv}
	table := devconn.NewTable()
	metrics := prometheus.NewRegistry()
	metrics.MustRegister(table.Gauge())

	f := &fixture{
		repo:   memoryRepo{journal.NewMemoryStore()},
		locker: runlock.NewMemory(),
		dev:    devconn.NewServer(auth, table, loadbalance.NewManager(loadbalance.KindRoundRobin), logger, devconn.Config{}),
		source: webhook.NewRouter(),
	}
	bus := events.NewBus(nil, logger, "test")
	srv := NewServer(
		NewRunAPI(machine, f.repo, f.locker, bus, logger),
		NewDevAPI(f.dev, f.locker, bus, logger),
		NewSourceAPI(f.source),
		NewCommonAPI(nil),
		auth, f.dev, metrics, logger,
	)
	f.router = srv.Router()
	return f
}

func (f *fixture) do(method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) taskrun.Response {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var env taskrun.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Response
}

func newRequest(taskID, runID string) taskrun.Request {
	return taskrun.Request{
		Job: taskrun.JobRef{ID: taskID, Version: "1.0.0"},
		Execution: taskrun.Execution{
			Run:     taskrun.TaskRun{ID: runID},
			Attempt: taskrun.Attempt{ID: "attempt_1", Number: 1},
		},
		Environment:  devEnv,
		Organization: taskrun.Organization{ID: "org_1", Slug: "acme"},
	}
}

var greet = &taskrun.Definition{
	ID: "greet",
	Run: func(ctx context.Context, _ json.RawMessage, io *taskrun.IO) (any, error) {
		return io.RunTask(ctx, "say-hi", nil, func(context.Context, *taskrun.Task) (any, error) {
			return "hi", nil
		})
	},
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/v1/health", nil, http.Header{"Authorization": nil})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/runs/execute", newRequest("greet", "run_1"), http.Header{"Authorization": nil})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), devconn.ReasonMissingAuthorization)

	w = f.do(http.MethodPost, "/api/v1/runs/execute", newRequest("greet", "run_1"), http.Header{"Authorization": {"Bearer nope"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), devconn.ReasonInvalidAPIKey)
}

func TestRunExecute(t *testing.T) {
	f := newFixture(t, greet)

	resp := decodeEnvelope(t, f.do(http.MethodPost, "/api/v1/runs/execute", newRequest("greet", "run_1"), nil))
	require.IsType(t, taskrun.Success{}, resp)
	assert.JSONEq(t, `"hi"`, string(resp.(taskrun.Success).Output))
	assert.Equal(t, 1, f.repo.Len("run_1"))
	assert.False(t, f.locker.Held("run_1"))

	w := f.do(http.MethodGet, "/api/v1/runs/run_1/tasks?status=COMPLETED", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list ListTasksResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, int64(1), list.Total)
	assert.Equal(t, "say-hi", list.Data[0].IdempotencyKey)
}

func TestRunExecute_AlreadyRunning(t *testing.T) {
	f := newFixture(t, greet)
	release, err := f.locker.Acquire(context.Background(), "run_1")
	require.NoError(t, err)
	defer release()

	resp := decodeEnvelope(t, f.do(http.MethodPost, "/api/v1/runs/execute", newRequest("greet", "run_1"), nil))
	require.IsType(t, taskrun.Error{}, resp)
	internal, ok := resp.(taskrun.Error).Error.Error.(taskerr.Internal)
	require.True(t, ok)
	assert.Equal(t, taskerr.CodeTaskAlreadyRunning, internal.Code)
}

func TestRunExecute_MissingRunID(t *testing.T) {
	f := newFixture(t, greet)
	w := f.do(http.MethodPost, "/api/v1/runs/execute", newRequest("greet", ""), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	slow := &taskrun.Definition{
		ID: "slow",
		Run: func(ctx context.Context, _ json.RawMessage, io *taskrun.IO) (any, error) {
			return io.RunTask(ctx, "wait", nil, func(context.Context, *taskrun.Task) (any, error) {
				close(started)
				<-release
				return "done", nil
			})
		},
	}
	f := newFixture(t, slow)

	result := make(chan *httptest.ResponseRecorder, 1)
	go func() { result <- f.do(http.MethodPost, "/api/v1/runs/execute", newRequest("slow", "run_7"), nil) }()

	<-started
	w := f.do(http.MethodPost, "/api/v1/runs/run_7/cancel", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"runId":"run_7"}`, w.Body.String())
	close(release)

	resp := decodeEnvelope(t, <-result)
	assert.IsType(t, taskrun.Canceled{}, resp)
	assert.Equal(t, 1, f.repo.Len("run_7"))
}

func TestJournalEndpoints(t *testing.T) {
	f := newFixture(t)

	task := journal.CachedTask{IdempotencyKey: "a", Output: json.RawMessage(`1`)}
	w := f.do(http.MethodPost, "/api/v1/runs/run_2/journal", task, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stored journal.CachedTask
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, journal.TaskID("run_2", "a"), stored.ID)
	assert.Equal(t, journal.TaskStatusCompleted, stored.Status)

	w = f.do(http.MethodPost, "/api/v1/runs/run_2/journal", task, nil)
	assert.Equal(t, http.StatusOK, w.Code, "same outcome is idempotent")

	task.Output = json.RawMessage(`2`)
	w = f.do(http.MethodPost, "/api/v1/runs/run_2/journal", task, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	f.do(http.MethodPost, "/api/v1/runs/run_2/journal", journal.CachedTask{IdempotencyKey: "b"}, nil)
	w = f.do(http.MethodGet, "/api/v1/runs/run_2/journal?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page journal.Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, "a", page.Tasks[0].IdempotencyKey)
	assert.NotEmpty(t, page.Next)

	w = f.do(http.MethodGet, "/api/v1/runs/run_2/journal?limit=0&cursor="+page.Next, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = journal.Page{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Tasks, 1)
	assert.Equal(t, "b", page.Tasks[0].IdempotencyKey)
	assert.Empty(t, page.Next)
}

func TestDevExecute_NoConnection(t *testing.T) {
	f := newFixture(t)
	resp := decodeEnvelope(t, f.do(http.MethodPost, "/api/v1/dev/runs/execute", newRequest("greet", "run_3"), nil))
	require.IsType(t, taskrun.Error{}, resp)
	internal, ok := resp.(taskrun.Error).Error.Error.(taskerr.Internal)
	require.True(t, ok)
	assert.Equal(t, taskerr.CodeCouldNotFindExecutor, internal.Code)

	w := f.do(http.MethodGet, "/api/v1/dev/connections", nil, nil)
	assert.JSONEq(t, `{"total":0,"environment":[]}`, w.Body.String())
}

func TestSourceDispatch(t *testing.T) {
	f := newFixture(t)
	f.source.Handle("github.push", func(_ context.Context, src *webhook.SourceHeaders, body []byte) (*webhook.Result, error) {
		return &webhook.Result{Events: []taskrun.Event{{ID: "evt_1", Name: src.Key, Payload: body}}}, nil
	})

	h := http.Header{}
	h.Set(webhook.HeaderKey, "github.push")
	h.Set(webhook.HeaderSecret, "s3cr3t")
	h.Set(webhook.HeaderData, `{}`)
	h.Set(webhook.HeaderParams, `{}`)
	h.Set(webhook.HeaderHTTPURL, "https://hooks.example.com/github")
	h.Set(webhook.HeaderHTTPMethod, "POST")
	h.Set(webhook.HeaderHTTPHeaders, `{}`)

	w := f.do(http.MethodPost, "/api/v1/sources/http", map[string]string{"ref": "main"}, h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res webhook.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Events, 1)
	assert.JSONEq(t, `{"ref":"main"}`, string(res.Events[0].Payload))

	h.Set(webhook.HeaderKey, "stripe")
	w = f.do(http.MethodPost, "/api/v1/sources/http", nil, h)
	assert.Equal(t, http.StatusNotFound, w.Code)

	h.Del(webhook.HeaderSecret)
	w = f.do(http.MethodPost, "/api/v1/sources/http", nil, h)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), webhook.HeaderSecret)
}

func TestSourceDispatch_EventSource(t *testing.T) {
	f := newFixture(t)
	f.source.Handle("inbound", webhook.EventSource("inbound.received", "s3cr3t", nil))

	h := http.Header{}
	h.Set(webhook.HeaderKey, "inbound")
	h.Set(webhook.HeaderSecret, "s3cr3t")
	h.Set(webhook.HeaderData, `{}`)
	h.Set(webhook.HeaderParams, `{}`)
	h.Set(webhook.HeaderHTTPURL, "https://hooks.example.com/inbound")
	h.Set(webhook.HeaderHTTPMethod, "POST")
	h.Set(webhook.HeaderHTTPHeaders, `{}`)

	w := f.do(http.MethodPost, "/api/v1/sources/http", map[string]string{"id": "1"}, h)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res webhook.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Events, 1)
	assert.Equal(t, "inbound.received", res.Events[0].Name)

	h.Set(webhook.HeaderSecret, "guess")
	w = f.do(http.MethodPost, "/api/v1/sources/http", nil, h)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_SECRET")
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "dev_authenticated_connections 0"))
}
