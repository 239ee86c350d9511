package api

import (
	"time"

	"github.com/gin-gonic/gin"
)

type ICommonAPI interface {
	// HealthCheck 健康检查
	// 检查服务是否健康
	// @GET(api/v1/health)
	HealthCheck(ctx *gin.Context) (gin.H, error)
}

var _ ICommonAPI = (*CommonAPI)(nil)

// Pinger is a dependency the health check pings.
type Pinger interface {
	Ping() error
}

type CommonAPI struct {
	storage Pinger
}

func NewCommonAPI(storage Pinger) *CommonAPI {
	return &CommonAPI{
		storage: storage,
	}
}

func (c *CommonAPI) HealthCheck(ctx *gin.Context) (gin.H, error) {
	if c.storage != nil {
		if err := c.storage.Ping(); err != nil {
			return gin.H{}, err
		}
	}

	return gin.H{
		"status": "healthy",
		"time":   time.Now(),
	}, nil
}
