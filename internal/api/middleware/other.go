package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jobs/durable/internal/devconn"
	"github.com/jobs/durable/internal/journal"
	"github.com/jobs/durable/internal/runlock"
	"github.com/jobs/durable/internal/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrorResponse 统一错误响应格式
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type badRequest struct {
	err error
}

func (e *badRequest) Error() string { return e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

// BadRequest marks err as caused by the client.
func BadRequest(err error) error {
	return &badRequest{err: err}
}

// ErrorHandlingMiddleware 统一错误处理中间件
func ErrorHandlingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method))

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Code:    "INTERNAL_ERROR",
					Message: "An internal error occurred",
				})
				c.Abort()
			}
		}()

		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err
		status, body := classify(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request error",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
				zap.String("method", c.Request.Method))
		} else {
			logger.Debug("request rejected",
				zap.Error(err),
				zap.Int("status", status),
				zap.String("path", c.Request.URL.Path))
		}

		var rl *journal.RateLimitedError
		if errors.As(err, &rl) {
			c.Header(devconn.HeaderRateLimitReset, strconv.FormatInt(rl.Reset.UnixMilli(), 10))
		}
		c.JSON(status, body)
	}
}

// 根据错误类型返回适当的响应
func classify(err error) (int, ErrorResponse) {
	var (
		br *badRequest
		pe *webhook.ParseError
		rl *journal.RateLimitedError
	)
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest, ErrorResponse{Code: "BAD_REQUEST", Message: br.Error()}
	case errors.As(err, &pe):
		return http.StatusBadRequest, ErrorResponse{Code: "INVALID_HEADERS", Message: pe.Error(), Details: pe.Header}
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, ErrorResponse{Code: "NOT_FOUND", Message: "Resource not found"}
	case errors.Is(err, webhook.ErrInvalidSecret):
		return http.StatusUnauthorized, ErrorResponse{Code: "INVALID_SECRET", Message: err.Error()}
	case errors.Is(err, webhook.ErrUnknownSource):
		return http.StatusNotFound, ErrorResponse{Code: "UNKNOWN_SOURCE", Message: err.Error()}
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, journal.ErrDuplicateKey):
		return http.StatusConflict, ErrorResponse{Code: "DUPLICATE", Message: "Resource already exists", Details: err.Error()}
	case runlock.IsAlreadyRunning(err):
		return http.StatusConflict, ErrorResponse{Code: "TASK_ALREADY_RUNNING", Message: err.Error()}
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, ErrorResponse{Code: "RATE_LIMITED", Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{Code: "TIMEOUT", Message: "The request timed out"}
	}
	return http.StatusInternalServerError, ErrorResponse{
		Code:    "INTERNAL_ERROR",
		Message: "An error occurred while processing your request",
		Details: err.Error(),
	}
}
