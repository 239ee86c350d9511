package devconn

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jobs/durable/internal/taskerr"
	"github.com/jobs/durable/internal/taskrun"
	"go.uber.org/zap"
)

// Conn is one authenticated worker connection on the server side.
type Conn struct {
	id     string
	env    taskrun.Environment
	remote string
	ws     *websocket.Conn
	logger *zap.Logger
	seq    uint64

	lastSeen atomic.Int64

	mu      sync.Mutex
	ready   bool
	version string
	tasks   []string
	pending map[string]*pendingRun
	closed  bool
}

type pendingRun struct {
	runID string
	done  chan taskrun.Response
}

func newConn(id string, env taskrun.Environment, remote string, ws *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		id:      id,
		env:     env,
		remote:  remote,
		ws:      ws,
		logger:  logger.With(zap.String("connection_id", id), zap.String("env_id", env.ID)),
		pending: make(map[string]*pendingRun),
	}
}

func (c *Conn) ID() string                       { return c.id }
func (c *Conn) Environment() taskrun.Environment { return c.env }

// Load is the number of runs dispatched to the connection and not yet answered.
func (c *Conn) Load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Ready reports whether the worker has answered SERVER_READY.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

// Supports reports whether the worker announced taskID. A worker that
// announced no tasks accepts everything.
func (c *Conn) Supports(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks) == 0 || slices.Contains(c.tasks, taskID)
}

func (c *Conn) LastSeen() time.Time {
	return time.UnixMilli(c.lastSeen.Load())
}

func (c *Conn) touch(now time.Time) {
	c.lastSeen.Store(now.UnixMilli())
}

func (c *Conn) write(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, c.ws, f)
}

// handle applies one frame read from the worker.
func (c *Conn) handle(ctx context.Context, f Frame) {
	switch f.Type {
	case FrameReady:
		c.mu.Lock()
		c.ready = true
		c.version = f.Version
		c.tasks = f.Tasks
		c.mu.Unlock()
		c.logger.Info("dev worker ready", zap.String("version", f.Version), zap.Strings("tasks", f.Tasks))
	case FrameRunResponse:
		var resp taskrun.Response
		if f.Response != nil {
			resp = f.Response.Response
		}
		if resp == nil {
			resp = internalError(taskerr.CodeTaskExecutionFailed, "worker sent an empty response")
		}
		if !c.settle(f.ID, resp) {
			c.logger.Warn("response for unknown dispatch", zap.String("dispatch_id", f.ID))
		}
	case FramePing:
		if err := c.write(ctx, Frame{Type: FramePong}); err != nil {
			c.logger.Debug("failed to answer ping", zap.Error(err))
		}
	case FramePong:
	default:
		c.logger.Warn("unexpected frame", zap.String("type", string(f.Type)))
	}
}

// readLoop consumes frames until the connection fails. Malformed frames are
// logged and skipped.
func (c *Conn) readLoop(ctx context.Context, now func() time.Time) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		c.touch(now())

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		c.handle(ctx, f)
	}
}

// dispatch registers id as pending and sends the request to the worker.
func (c *Conn) dispatch(ctx context.Context, id string, req *taskrun.Request) (<-chan taskrun.Response, error) {
	p := &pendingRun{runID: req.RunID(), done: make(chan taskrun.Response, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection %s is closed", c.id)
	}
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.write(ctx, Frame{Type: FrameExecuteRun, ID: id, Request: req}); err != nil {
		c.abandon(id)
		return nil, fmt.Errorf("send run to connection %s: %w", c.id, err)
	}
	return p.done, nil
}

func (c *Conn) settle(id string, resp taskrun.Response) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if ok {
		p.done <- resp
	}
	return ok
}

func (c *Conn) abandon(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// runs lists the run ids currently in flight on the connection.
func (c *Conn) runs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.runID)
	}
	return out
}

// shutdown marks the connection closed and fails every pending dispatch with
// resp. It reports false if the connection was already shut down.
func (c *Conn) shutdown(resp taskrun.Response) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]*pendingRun)
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- resp
	}
	return true
}

func internalError(code taskerr.Code, message string) taskrun.Error {
	return taskrun.Error{Error: taskerr.Wrap(taskerr.Internal{Code: code, Message: message})}
}
