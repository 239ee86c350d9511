package api

import (
	"io"

	"github.com/gin-gonic/gin"
	"github.com/jobs/durable/internal/api/middleware"
	"github.com/jobs/durable/internal/webhook"
)

// maxSourceBody bounds the forwarded request body.
const maxSourceBody = 10 << 20

type ISourceAPI interface {
	// Dispatch 处理 HTTP source 请求
	// 根据 x-ts-* 头解析出原始请求并交给对应 key 的 source 处理
	// @POST(api/v1/sources/http)
	Dispatch(ctx *gin.Context) (*webhook.Result, error)
}

var _ ISourceAPI = (*SourceAPI)(nil)

type SourceAPI struct {
	router *webhook.Router
}

func NewSourceAPI(router *webhook.Router) *SourceAPI {
	return &SourceAPI{router: router}
}

func (a *SourceAPI) Dispatch(ctx *gin.Context) (*webhook.Result, error) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxSourceBody))
	if err != nil {
		return nil, middleware.BadRequest(err)
	}
	return a.router.Dispatch(ctx.Request.Context(), ctx.Request.Header, body)
}
