package devconn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jobs/durable/internal/journal"
	"github.com/jobs/durable/internal/loadbalance"
	"github.com/jobs/durable/internal/taskerr"
	"github.com/jobs/durable/internal/taskrun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKey = "tr_dev_1"

var devEnv = taskrun.Environment{ID: "env_1", Slug: "dev", Type: taskrun.EnvironmentDevelopment}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, string) {
	t.Helper()
	srv := NewServer(StaticAuthenticator{testKey: devEnv}, NewTable(), loadbalance.NewManager(loadbalance.KindRoundRobin), zap.NewNop(), Config{}, opts...)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

func newRequest(taskID, runID string) *taskrun.Request {
	return &taskrun.Request{
		Job: taskrun.JobRef{ID: taskID, Version: "1.0.0"},
		Execution: taskrun.Execution{
			Run:     taskrun.TaskRun{ID: runID},
			Attempt: taskrun.Attempt{ID: "attempt_1", Number: 1},
		},
		Environment:  devEnv,
		Organization: taskrun.Organization{ID: "org_1", Slug: "acme"},
	}
}

func TestServer_RejectsUnauthenticated(t *testing.T) {
	srv, url := newTestServer(t)

	tests := map[string]struct {
		header http.Header
		reason string
	}{
		"missing header": {nil, ReasonMissingAuthorization},
		"wrong scheme":   {http.Header{"Authorization": {"Basic " + testKey}}, ReasonInvalidAuthorization},
		"unknown key":    {http.Header{"Authorization": {"Bearer nope"}}, ReasonInvalidAPIKey},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ws := dial(t, url, tt.header)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, _, err := ws.Read(ctx)
			require.Error(t, err)
			var ce websocket.CloseError
			require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
			assert.Equal(t, websocket.StatusPolicyViolation, ce.Code)
			assert.Equal(t, tt.reason, ce.Reason)
		})
	}
	assert.Equal(t, 0, srv.Table().Len())
}

func TestServer_DispatchWithoutConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	_, err := srv.Dispatch(context.Background(), devEnv.ID, newRequest("hello", "run_1"))
	assert.ErrorIs(t, err, ErrNoConnection)
}

func startWorker(t *testing.T, srv *Server, url string, defs ...*taskrun.Definition) (*Worker, context.CancelFunc) {
	t.Helper()
	registry := taskrun.NewRegistry()
	for _, d := range defs {
		require.NoError(t, registry.Register(d))
	}
	w := NewWorker(WorkerConfig{URL: url, APIKey: testKey, Version: "1.2.3", Concurrency: 2},
		taskrun.NewMachine(registry, zap.NewNop()), zap.NewNop(), WithStore(journal.NewMemoryStore()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		cs := srv.Table().Environment(devEnv.ID)
		return len(cs) == 1 && cs[0].Ready()
	}, 5*time.Second, 10*time.Millisecond)
	return w, cancel
}

func TestServer_DispatchRoundTrip(t *testing.T) {
	srv, url := newTestServer(t)
	hello := &taskrun.Definition{
		ID: "hello",
		Run: func(ctx context.Context, payload json.RawMessage, io *taskrun.IO) (any, error) {
			return io.RunTask(ctx, "greet", nil, func(context.Context, *taskrun.Task) (any, error) {
				return map[string]string{"greeting": "hi"}, nil
			})
		},
	}
	w, stop := startWorker(t, srv, url, hello)

	conn := srv.Table().Environment(devEnv.ID)[0]
	assert.Equal(t, conn.ID(), w.ConnectionID())
	assert.True(t, conn.Supports("hello"))
	assert.False(t, conn.Supports("other"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := srv.Dispatch(ctx, devEnv.ID, newRequest("hello", "run_1"))
	require.NoError(t, err)
	require.IsType(t, taskrun.Success{}, resp)
	assert.JSONEq(t, `{"greeting":"hi"}`, string(resp.(taskrun.Success).Output))
	assert.Equal(t, 0, conn.Load())

	_, err = srv.Dispatch(ctx, devEnv.ID, newRequest("other", "run_2"))
	assert.ErrorIs(t, err, ErrNoConnection)

	stop()
	require.Eventually(t, func() bool { return srv.Table().Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_CancelReachesWorker(t *testing.T) {
	srv, url := newTestServer(t)
	started := make(chan struct{})
	release := make(chan struct{})
	slow := &taskrun.Definition{
		ID: "slow",
		Run: func(ctx context.Context, _ json.RawMessage, io *taskrun.IO) (any, error) {
			if _, err := io.RunTask(ctx, "wait", nil, func(context.Context, *taskrun.Task) (any, error) {
				close(started)
				<-release
				return "done", nil
			}); err != nil {
				return nil, err
			}
			return io.RunTask(ctx, "after", nil, func(context.Context, *taskrun.Task) (any, error) {
				return "unreachable", nil
			})
		},
	}
	w, _ := startWorker(t, srv, url, slow)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := make(chan taskrun.Response, 1)
	go func() {
		resp, err := srv.Dispatch(ctx, devEnv.ID, newRequest("slow", "run_9"))
		assert.NoError(t, err)
		result <- resp
	}()

	<-started
	n, err := srv.Cancel(ctx, "run_9")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Eventually(t, func() bool { return cancelDelivered(w, "run_9") }, 5*time.Second, 10*time.Millisecond)
	close(release)

	assert.IsType(t, taskrun.Canceled{}, <-result)
}

func TestServer_HeartbeatTimeoutFailsDispatch(t *testing.T) {
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	srv, url := newTestServer(t, WithServerClock(clk.Now))

	ws := dial(t, url, http.Header{"Authorization": {"Bearer " + testKey}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var hello Frame
	require.NoError(t, wsjson.Read(ctx, ws, &hello))
	assert.Equal(t, FrameServerReady, hello.Type)
	assert.NotEmpty(t, hello.ConnectionID)
	require.NoError(t, wsjson.Write(ctx, ws, Frame{Type: FrameReady, Version: "1.0.0"}))
	require.Eventually(t, func() bool {
		c, ok := srv.Table().Get(hello.ConnectionID)
		return ok && c.Ready()
	}, 5*time.Second, 10*time.Millisecond)

	result := make(chan taskrun.Response, 1)
	go func() {
		resp, err := srv.Dispatch(ctx, devEnv.ID, newRequest("anything", "run_3"))
		assert.NoError(t, err)
		result <- resp
	}()

	var exec Frame
	require.NoError(t, wsjson.Read(ctx, ws, &exec))
	assert.Equal(t, FrameExecuteRun, exec.Type)
	assert.Equal(t, "run_3", exec.Request.RunID())

	srv.Sweep()
	assert.Equal(t, 1, srv.Table().Len(), "fresh connections survive the sweep")

	clk.Advance(DefaultHeartbeatTimeout + time.Second)
	srv.Sweep()
	assert.Equal(t, 0, srv.Table().Len())

	resp := <-result
	require.IsType(t, taskrun.Error{}, resp)
	internal, ok := resp.(taskrun.Error).Error.Error.(taskerr.Internal)
	require.True(t, ok)
	assert.Equal(t, taskerr.CodeTaskRunHeartbeatTimeout, internal.Code)
}

func cancelDelivered(w *Worker, runID string) bool {
	w.mu.Lock()
	r, ok := w.inflight[runID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-r.cancel:
		return true
	default:
		return false
	}
}
