package devconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jobs/durable/internal/loadbalance"
	"github.com/jobs/durable/internal/taskerr"
	"github.com/jobs/durable/internal/taskrun"
	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// ErrNoConnection means no ready connection of the environment can run the task.
var ErrNoConnection = errors.New("no dev connection available")

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second

	pingTimeout = 5 * time.Second
)

type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Balance           loadbalance.Kind
	// OriginPatterns are passed to websocket.Accept.
	OriginPatterns []string
}

// Server accepts worker connections and dispatches runs to them.
type Server struct {
	auth    Authenticator
	table   *Table
	balance *loadbalance.Manager
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
	cron    *cron.Cron
}

type ServerOption func(*Server)

func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

func NewServer(auth Authenticator, table *Table, balance *loadbalance.Manager, logger *zap.Logger, cfg Config, opts ...ServerOption) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Balance == "" {
		cfg.Balance = balance.Fallback()
	}
	s := &Server{
		auth:    auth,
		table:   table,
		balance: balance,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		cron:    cron.New(cron.WithSeconds()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Table() *Table { return s.table }

// ServeHTTP upgrades the request and authenticates it. Authentication
// failures close the socket with a policy violation and the reason.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	defer ws.CloseNow()
	ctx := r.Context()

	key, reason := ParseBearer(r.Header.Values("Authorization"))
	if reason != "" {
		s.reject(ws, r, reason)
		return
	}
	env, ok, err := s.auth.Authenticate(ctx, key)
	if err != nil {
		s.logger.Error("failed to authenticate dev connection", zap.Error(err))
		ws.Close(websocket.StatusInternalError, "Authentication failed")
		return
	}
	if !ok {
		s.reject(ws, r, ReasonInvalidAPIKey)
		return
	}

	c := newConn(uuid.NewString(), env, r.RemoteAddr, ws, s.logger)
	c.touch(s.now())
	s.table.Register(c)
	c.logger.Info("dev connection authenticated", zap.String("remote", c.remote))

	defer func() {
		c.shutdown(internalError(taskerr.CodeTaskExecutionAborted, "dev connection closed"))
		if s.table.Unregister(c.id) {
			c.logger.Info("dev connection closed")
		}
	}()

	if err := c.write(ctx, Frame{Type: FrameServerReady, ConnectionID: c.id}); err != nil {
		c.logger.Warn("failed to send server ready", zap.Error(err))
		return
	}
	if err := c.readLoop(ctx, s.now); err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		c.logger.Debug("dev connection read ended", zap.Error(err))
	}
}

func (s *Server) reject(ws *websocket.Conn, r *http.Request, reason string) {
	s.logger.Info("rejecting dev connection", zap.String("remote", r.RemoteAddr), zap.String("reason", reason))
	ws.Close(websocket.StatusPolicyViolation, reason)
}

// Dispatch sends req to a ready connection of envID and waits for its
// response. ErrNoConnection is returned when nothing can take the run.
func (s *Server) Dispatch(ctx context.Context, envID string, req *taskrun.Request) (taskrun.Response, error) {
	taskID := req.TaskID()
	candidates := lo.FilterMap(s.table.Environment(envID), func(c *Conn, _ int) (loadbalance.Candidate, bool) {
		return c, c.Ready() && c.Supports(taskID)
	})
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: environment %s task %s", ErrNoConnection, envID, taskID)
	}

	key := envID
	if s.cfg.Balance == loadbalance.KindSticky {
		key = req.RunID()
	}
	picked, err := s.balance.Select(ctx, s.cfg.Balance, key, candidates)
	if err != nil {
		return nil, err
	}
	c := picked.(*Conn)

	id := uuid.NewString()
	done, err := c.dispatch(ctx, id, req)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("run dispatched", zap.String("dispatch_id", id), zap.String("run_id", req.RunID()))

	select {
	case resp := <-done:
		return resp, nil
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	}
}

// Cancel forwards CANCEL_RUN to every connection running runID and returns
// how many were notified.
func (s *Server) Cancel(ctx context.Context, runID string) (int, error) {
	var (
		notified int
		errs     []error
	)
	for _, c := range s.table.Snapshot() {
		if !lo.Contains(c.runs(), runID) {
			continue
		}
		if err := c.write(ctx, Frame{Type: FrameCancelRun, RunID: runID}); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.id, err))
			continue
		}
		notified++
	}
	return notified, errors.Join(errs...)
}

// Start schedules the heartbeat sweep.
func (s *Server) Start() error {
	schedule := fmt.Sprintf("@every %s", s.cfg.HeartbeatInterval)
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return fmt.Errorf("schedule heartbeat sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("dev channel started",
		zap.Duration("heartbeat_interval", s.cfg.HeartbeatInterval),
		zap.Duration("heartbeat_timeout", s.cfg.HeartbeatTimeout))
	return nil
}

func (s *Server) Stop() {
	<-s.cron.Stop().Done()
	for _, c := range s.table.Snapshot() {
		c.shutdown(internalError(taskerr.CodeTaskExecutionAborted, "dev channel stopped"))
		go c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.logger.Info("dev channel stopped")
}

// Sweep closes connections silent for longer than the heartbeat timeout and
// pings the rest.
func (s *Server) Sweep() {
	now := s.now()
	for _, c := range s.table.Snapshot() {
		silent := now.Sub(c.LastSeen())
		if silent > s.cfg.HeartbeatTimeout {
			c.logger.Warn("dev connection heartbeat timeout", zap.Duration("silent", silent))
			c.shutdown(internalError(taskerr.CodeTaskRunHeartbeatTimeout, "dev connection missed its heartbeat"))
			s.table.Unregister(c.id)
			go c.ws.Close(websocket.StatusPolicyViolation, "Heartbeat timeout")
			continue
		}
		go func(c *Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			defer cancel()
			if err := c.write(ctx, Frame{Type: FramePing}); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
			}
		}(c)
	}
}
