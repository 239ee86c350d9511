package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jobs/durable/internal/devconn"
	"github.com/jobs/durable/internal/taskrun"
	"go.uber.org/zap"
)

const environmentKey = "durable.environment"

// APIKey authenticates the bearer key and stores its environment on the context.
func APIKey(auth devconn.Authenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, reason := devconn.ParseBearer(c.Request.Header.Values("Authorization"))
		if reason != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Code: "UNAUTHORIZED", Message: reason})
			return
		}
		env, ok, err := auth.Authenticate(c.Request.Context(), key)
		if err != nil {
			logger.Error("failed to authenticate api key", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Code: "INTERNAL_ERROR", Message: "Authentication failed"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Code: "UNAUTHORIZED", Message: devconn.ReasonInvalidAPIKey})
			return
		}
		c.Set(environmentKey, env)
		c.Next()
	}
}

// Environment returns the environment stored by APIKey.
func Environment(c *gin.Context) (taskrun.Environment, bool) {
	v, ok := c.Get(environmentKey)
	if !ok {
		return taskrun.Environment{}, false
	}
	env, ok := v.(taskrun.Environment)
	return env, ok
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()))
	}
}
