package devconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jobs/durable/internal/journal"
	"github.com/jobs/durable/internal/taskerr"
	"github.com/jobs/durable/internal/taskrun"
	"go.uber.org/zap"
)

type WorkerConfig struct {
	URL         string
	APIKey      string
	Version     string
	Concurrency int
}

// Worker is the client end of the channel. It runs dispatched attempts on
// the local Machine.
type Worker struct {
	cfg     WorkerConfig
	machine *taskrun.Machine
	store   journal.Store
	logger  *zap.Logger

	mu       sync.Mutex
	connID   string
	inflight map[string]*inflightRun
}

type inflightRun struct {
	cancel chan struct{}
	once   sync.Once
}

type WorkerOption func(*Worker)

// WithStore backs each attempt's journal with s. Without it the journal only
// holds what the request carried.
func WithStore(s journal.Store) WorkerOption {
	return func(w *Worker) { w.store = s }
}

func NewWorker(cfg WorkerConfig, machine *taskrun.Machine, logger *zap.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		cfg:      cfg,
		machine:  machine,
		logger:   logger,
		inflight: make(map[string]*inflightRun),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ConnectionID is the id the server assigned, empty before SERVER_READY.
func (w *Worker) ConnectionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connID
}

// Run connects and serves frames until ctx ends or the server closes the
// connection. Runs in progress are waited for before returning.
func (w *Worker) Run(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, w.cfg.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + w.cfg.APIKey}},
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}
	defer ws.CloseNow()

	pool := newRunner(w.cfg.Concurrency, w.logger)
	pool.Start()
	defer pool.Stop()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				ws.Close(websocket.StatusNormalClosure, "worker stopped")
				return nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return fmt.Errorf("server closed connection: %d %s", ce.Code, ce.Reason)
			}
			return err
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			w.logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		if err := w.handle(ctx, ws, pool, f); err != nil {
			return err
		}
	}
}

func (w *Worker) handle(ctx context.Context, ws *websocket.Conn, pool *runner, f Frame) error {
	switch f.Type {
	case FrameServerReady:
		w.mu.Lock()
		w.connID = f.ConnectionID
		w.mu.Unlock()
		w.logger.Info("connected", zap.String("connection_id", f.ConnectionID))
		return wsjson.Write(ctx, ws, Frame{
			Type:    FrameReady,
			Version: w.cfg.Version,
			Tasks:   w.machine.Registry().IDs(),
		})
	case FrameExecuteRun:
		if f.Request == nil {
			return w.respond(ctx, ws, f.ID, internalError(taskerr.CodeConfiguredIncorrectly, "EXECUTE_RUN without a request"))
		}
		req := f.Request
		cancel := w.track(req.RunID())
		ok := pool.submit(func() {
			defer w.untrack(req.RunID())
			resp := w.machine.ExecuteWithCancel(ctx, req, w.journal(req.RunID()), cancel)
			if err := w.respond(ctx, ws, f.ID, resp); err != nil {
				w.logger.Warn("failed to send run response", zap.String("run_id", req.RunID()), zap.Error(err))
			}
		})
		if !ok {
			w.untrack(req.RunID())
			w.logger.Warn("run queue is full, rejecting run", zap.String("run_id", req.RunID()))
			return w.respond(ctx, ws, f.ID, internalError(taskerr.CodeTaskExecutionAborted, "worker run queue is full"))
		}
	case FrameCancelRun:
		if w.cancel(f.RunID) {
			w.logger.Info("run cancel requested", zap.String("run_id", f.RunID))
		}
	case FramePing:
		return wsjson.Write(ctx, ws, Frame{Type: FramePong})
	case FramePong:
	default:
		w.logger.Debug("ignoring frame", zap.String("type", string(f.Type)))
	}
	return nil
}

func (w *Worker) respond(ctx context.Context, ws *websocket.Conn, id string, resp taskrun.Response) error {
	return wsjson.Write(ctx, ws, Frame{Type: FrameRunResponse, ID: id, Response: &taskrun.Envelope{Response: resp}})
}

func (w *Worker) journal(runID string) *journal.Journal {
	if w.store == nil {
		return nil
	}
	return journal.New(runID, journal.WithStore(w.store))
}

func (w *Worker) track(runID string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.inflight[runID]
	if !ok {
		r = &inflightRun{cancel: make(chan struct{})}
		w.inflight[runID] = r
	}
	return r.cancel
}

func (w *Worker) untrack(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, runID)
}

func (w *Worker) cancel(runID string) bool {
	w.mu.Lock()
	r, ok := w.inflight[runID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	r.once.Do(func() { close(r.cancel) })
	return true
}
