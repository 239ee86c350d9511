package api

import (
	"github.com/gin-gonic/gin"
	"github.com/jobs/durable/internal/journal"
	"github.com/jobs/durable/internal/taskrun"
)

// The *APIWrap types bind the annotated interface methods to gin routes.

type RunAPIWrap struct {
	inner IRunAPI
}

func NewRunAPIWrap(inner IRunAPI) *RunAPIWrap {
	return &RunAPIWrap{inner: inner}
}

func (a *RunAPIWrap) Execute(c *gin.Context) {
	var req taskrun.Request
	if !onGinBind(c, &req, "JSON") {
		return
	}
	resp, err := a.inner.Execute(c, req)
	onGinResponse(c, resp, err)
}

func (a *RunAPIWrap) Cancel(c *gin.Context) {
	resp, err := a.inner.Cancel(c, c.Param("id"))
	onGinResponse(c, resp, err)
}

func (a *RunAPIWrap) ListTasks(c *gin.Context) {
	var req ListTasksReq
	if !onGinBind(c, &req, "QUERY") {
		return
	}
	resp, err := a.inner.ListTasks(c, c.Param("id"), req)
	onGinResponse(c, resp, err)
}

func (a *RunAPIWrap) JournalPage(c *gin.Context) {
	var req JournalPageReq
	if !onGinBind(c, &req, "QUERY") {
		return
	}
	resp, err := a.inner.JournalPage(c, c.Param("id"), req)
	onGinResponse(c, resp, err)
}

func (a *RunAPIWrap) AppendTask(c *gin.Context) {
	var req journal.CachedTask
	if !onGinBind(c, &req, "JSON") {
		return
	}
	resp, err := a.inner.AppendTask(c, c.Param("id"), req)
	onGinResponse(c, resp, err)
}

func (a *RunAPIWrap) BindAll(r gin.IRouter) {
	r.POST("/api/v1/runs/execute", a.Execute)
	r.POST("/api/v1/runs/:id/cancel", a.Cancel)
	r.GET("/api/v1/runs/:id/tasks", a.ListTasks)
	r.GET("/api/v1/runs/:id/journal", a.JournalPage)
	r.POST("/api/v1/runs/:id/journal", a.AppendTask)
}

type DevAPIWrap struct {
	inner IDevAPI
}

func NewDevAPIWrap(inner IDevAPI) *DevAPIWrap {
	return &DevAPIWrap{inner: inner}
}

func (a *DevAPIWrap) Execute(c *gin.Context) {
	var req taskrun.Request
	if !onGinBind(c, &req, "JSON") {
		return
	}
	resp, err := a.inner.Execute(c, req)
	onGinResponse(c, resp, err)
}

func (a *DevAPIWrap) Connections(c *gin.Context) {
	resp, err := a.inner.Connections(c)
	onGinResponse(c, resp, err)
}

func (a *DevAPIWrap) BindAll(r gin.IRouter) {
	r.POST("/api/v1/dev/runs/execute", a.Execute)
	r.GET("/api/v1/dev/connections", a.Connections)
}

type SourceAPIWrap struct {
	inner ISourceAPI
}

func NewSourceAPIWrap(inner ISourceAPI) *SourceAPIWrap {
	return &SourceAPIWrap{inner: inner}
}

func (a *SourceAPIWrap) Dispatch(c *gin.Context) {
	resp, err := a.inner.Dispatch(c)
	onGinResponse(c, resp, err)
}

func (a *SourceAPIWrap) BindAll(r gin.IRouter) {
	r.POST("/api/v1/sources/http", a.Dispatch)
}

type CommonAPIWrap struct {
	inner ICommonAPI
}

func NewCommonAPIWrap(inner ICommonAPI) *CommonAPIWrap {
	return &CommonAPIWrap{inner: inner}
}

func (a *CommonAPIWrap) HealthCheck(c *gin.Context) {
	resp, err := a.inner.HealthCheck(c)
	onGinResponse(c, resp, err)
}

func (a *CommonAPIWrap) BindAll(r gin.IRouter) {
	r.GET("/api/v1/health", a.HealthCheck)
}
