package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jobs/durable/internal/api/middleware"
	"github.com/jobs/durable/internal/devconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	logger *zap.Logger
}

func NewServer(
	runAPI *RunAPI,
	devAPI *DevAPI,
	sourceAPI *SourceAPI,
	commonAPI *CommonAPI,
	auth devconn.Authenticator,
	dev *devconn.Server,
	registry *prometheus.Registry,
	logger *zap.Logger,
) *Server {
	s := &Server{logger: logger}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestLogger(logger))
	s.router.Use(middleware.ErrorHandlingMiddleware(logger))
	s.router.Use(middleware.Cors())

	authed := s.router.Group("", middleware.APIKey(auth, logger))
	NewRunAPIWrap(runAPI).BindAll(authed)
	NewDevAPIWrap(devAPI).BindAll(authed)
	NewSourceAPIWrap(sourceAPI).BindAll(s.router)
	NewCommonAPIWrap(commonAPI).BindAll(s.router)

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	s.router.GET("/ws", gin.WrapH(dev))

	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves srv with the router until ctx ends, then drains for up to
// thirty seconds.
func (s *Server) Run(ctx context.Context, srv *http.Server) error {
	srv.Handler = s.router

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// 优雅关闭HTTP服务器
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
