package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/jobs/durable/internal/api/middleware"
	"github.com/jobs/durable/internal/devconn"
	"github.com/jobs/durable/internal/events"
	"github.com/jobs/durable/internal/runlock"
	"github.com/jobs/durable/internal/taskerr"
	"github.com/jobs/durable/internal/taskrun"
	"go.uber.org/zap"
)

type IDevAPI interface {
	// Execute 在开发连接上执行
	// 将运行分发给调用方环境下已连接的开发 worker，并等待其结果
	// @POST(api/v1/dev/runs/execute)
	Execute(ctx *gin.Context, req taskrun.Request) (taskrun.Envelope, error)

	// Connections 开发连接统计
	// @GET(api/v1/dev/connections)
	Connections(ctx *gin.Context) (DevConnectionsResp, error)
}

var _ IDevAPI = (*DevAPI)(nil)

type DevAPI struct {
	dev    *devconn.Server
	locker runlock.Locker
	bus    *events.Bus
	logger *zap.Logger
}

func NewDevAPI(dev *devconn.Server, locker runlock.Locker, bus *events.Bus, logger *zap.Logger) *DevAPI {
	return &DevAPI{
		dev:    dev,
		locker: locker,
		bus:    bus,
		logger: logger,
	}
}

type DevConnection struct {
	ID    string `json:"id"`
	Ready bool   `json:"ready"`
	Load  int    `json:"load"`
}

type DevConnectionsResp struct {
	Total       int             `json:"total"`
	Environment []DevConnection `json:"environment"`
}

func (a *DevAPI) Execute(ctx *gin.Context, req taskrun.Request) (taskrun.Envelope, error) {
	env, ok := middleware.Environment(ctx)
	if !ok {
		return taskrun.Envelope{}, errors.New("request is not authenticated")
	}
	runID := req.RunID()
	if runID == "" {
		return taskrun.Envelope{}, middleware.BadRequest(errors.New("execution.run.id is required"))
	}

	release, err := a.locker.Acquire(ctx.Request.Context(), runID)
	if err != nil {
		if runlock.IsAlreadyRunning(err) {
			return taskrun.Envelope{Response: taskrun.Error{Error: taskerr.Wrap(taskerr.Classify(err))}}, nil
		}
		return taskrun.Envelope{}, err
	}
	defer release()

	cancel, stop := a.bus.Watch(runID)
	defer stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-cancel:
			if _, err := a.dev.Cancel(ctx.Request.Context(), runID); err != nil {
				a.logger.Warn("failed to forward cancel to dev worker", zap.String("run_id", runID), zap.Error(err))
			}
		case <-done:
		}
	}()

	resp, err := a.dev.Dispatch(ctx.Request.Context(), env.ID, &req)
	if errors.Is(err, devconn.ErrNoConnection) {
		resp = taskrun.Error{Error: taskerr.Wrap(taskerr.Internal{
			Code:    taskerr.CodeCouldNotFindExecutor,
			Message: err.Error(),
		})}
		err = nil
	}
	if err != nil {
		return taskrun.Envelope{}, err
	}
	return taskrun.Envelope{Response: resp}, nil
}

func (a *DevAPI) Connections(ctx *gin.Context) (DevConnectionsResp, error) {
	env, _ := middleware.Environment(ctx)
	out := DevConnectionsResp{
		Total:       a.dev.Table().Len(),
		Environment: []DevConnection{},
	}
	for _, c := range a.dev.Table().Environment(env.ID) {
		out.Environment = append(out.Environment, DevConnection{ID: c.ID(), Ready: c.Ready(), Load: c.Load()})
	}
	return out, nil
}
