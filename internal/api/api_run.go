package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/jobs/durable/internal/api/middleware"
	"github.com/jobs/durable/internal/events"
	"github.com/jobs/durable/internal/infra/persistence/cachedtaskrepo"
	"github.com/jobs/durable/internal/journal"
	"github.com/jobs/durable/internal/runlock"
	"github.com/jobs/durable/internal/taskerr"
	"github.com/jobs/durable/internal/taskrun"
	"github.com/samber/lo"
	"github.com/samber/mo"
	"go.uber.org/zap"
)

type IRunAPI interface {
	// Execute 执行一次运行尝试
	// 在本实例上执行请求中的任务，返回本次尝试的结果
	// @POST(api/v1/runs/execute)
	Execute(ctx *gin.Context, req taskrun.Request) (taskrun.Envelope, error)

	// Cancel 取消运行
	// @POST(api/v1/runs/{id}/cancel)
	Cancel(ctx *gin.Context, id string) (CancelRunResp, error)

	// ListTasks 获取运行的已完成步骤
	// @GET(api/v1/runs/{id}/tasks)
	ListTasks(ctx *gin.Context, id string, req ListTasksReq) (ListTasksResp, error)

	// JournalPage 按游标分页读取步骤日志
	// @GET(api/v1/runs/{id}/journal)
	JournalPage(ctx *gin.Context, id string, req JournalPageReq) (journal.Page, error)

	// AppendTask 追加一个已完成步骤
	// @POST(api/v1/runs/{id}/journal)
	AppendTask(ctx *gin.Context, id string, req journal.CachedTask) (journal.CachedTask, error)
}

var _ IRunAPI = (*RunAPI)(nil)

type RunAPI struct {
	machine *taskrun.Machine
	repo    cachedtaskrepo.Repo
	locker  runlock.Locker
	bus     *events.Bus
	logger  *zap.Logger
}

func NewRunAPI(machine *taskrun.Machine, repo cachedtaskrepo.Repo, locker runlock.Locker, bus *events.Bus, logger *zap.Logger) *RunAPI {
	return &RunAPI{
		machine: machine,
		repo:    repo,
		locker:  locker,
		bus:     bus,
		logger:  logger,
	}
}

type CancelRunResp struct {
	RunID string `json:"runId"`
}

type ListTasksReq struct {
	Page     int    `form:"page"`
	PageSize int    `form:"page_size" binding:"omitempty,gte=1,lte=500"`
	ParentID string `form:"parent_id"`
	Status   string `form:"status" binding:"omitempty,oneof=COMPLETED ERRORED CANCELED"`
	Noop     *bool  `form:"noop"`
}

type ListTasksResp struct {
	Data       []journal.CachedTask `json:"data"`
	Total      int64                `json:"total"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	TotalPages int                  `json:"total_pages"`
}

type JournalPageReq struct {
	Cursor string `form:"cursor"`
	Limit  int    `form:"limit" binding:"omitempty,gte=1,lte=1000"`
}

// Execute runs one attempt under the run lock. A cancel published for the
// run on any instance reaches the attempt through the event bus.
func (a *RunAPI) Execute(ctx *gin.Context, req taskrun.Request) (taskrun.Envelope, error) {
	runID := req.RunID()
	if runID == "" {
		return taskrun.Envelope{}, middleware.BadRequest(errors.New("execution.run.id is required"))
	}

	release, err := a.locker.Acquire(ctx.Request.Context(), runID)
	if err != nil {
		if runlock.IsAlreadyRunning(err) {
			a.logger.Info("run already executing", zap.String("run_id", runID))
			return taskrun.Envelope{Response: taskrun.Error{Error: taskerr.Wrap(taskerr.Classify(err))}}, nil
		}
		return taskrun.Envelope{}, err
	}
	defer release()

	cancel, stop := a.bus.Watch(runID)
	defer stop()

	j := journal.New(runID, journal.WithStore(a.repo))
	resp := a.machine.ExecuteWithCancel(ctx.Request.Context(), &req, j, cancel)
	return taskrun.Envelope{Response: resp}, nil
}

func (a *RunAPI) Cancel(ctx *gin.Context, id string) (CancelRunResp, error) {
	if err := a.bus.Cancel(ctx.Request.Context(), id); err != nil {
		return CancelRunResp{}, err
	}
	a.logger.Info("run cancel published", zap.String("run_id", id))
	return CancelRunResp{RunID: id}, nil
}

func (a *RunAPI) ListTasks(ctx *gin.Context, id string, req ListTasksReq) (ListTasksResp, error) {
	page := max(1, req.Page)
	pageSize := 20 // 默认每页20条
	if req.PageSize != 0 {
		pageSize = req.PageSize
	}
	offset := (page - 1) * pageSize

	tasks, total, err := a.repo.List(ctx.Request.Context(), cachedtaskrepo.ListFilter{
		RunID:    id,
		ParentID: mo.EmptyableToOption(req.ParentID),
		Status:   mo.EmptyableToOption(journal.TaskStatus(req.Status)),
		Noop:     mo.PointerToOption(req.Noop),
	}, offset, pageSize)
	if err != nil {
		return ListTasksResp{}, err
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}
	return ListTasksResp{
		Data:       lo.Ternary(tasks == nil, []journal.CachedTask{}, tasks),
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

func (a *RunAPI) JournalPage(ctx *gin.Context, id string, req JournalPageReq) (journal.Page, error) {
	page, err := a.repo.Page(ctx.Request.Context(), id, req.Cursor, req.Limit)
	if err != nil {
		return journal.Page{}, err
	}
	if page.Tasks == nil {
		page.Tasks = []journal.CachedTask{}
	}
	return page, nil
}

func (a *RunAPI) AppendTask(ctx *gin.Context, id string, req journal.CachedTask) (journal.CachedTask, error) {
	if req.IdempotencyKey == "" {
		return journal.CachedTask{}, middleware.BadRequest(errors.New("idempotencyKey is required"))
	}
	if req.ID == "" {
		req.ID = journal.TaskID(id, req.IdempotencyKey)
	}
	if req.Status == "" {
		req.Status = journal.TaskStatusCompleted
	}
	if req.OutputType == "" {
		req.OutputType = journal.DefaultOutputType
	}
	if err := a.repo.Append(ctx.Request.Context(), id, req); err != nil {
		return journal.CachedTask{}, err
	}
	return req, nil
}
