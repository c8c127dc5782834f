package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/aliyun/aliyun-pai-featurestore-core/featurestore"
	"github.com/aliyun/aliyun-pai-featurestore-core/logger"
)

// Server exposes a FeatureStoreClient over HTTP/JSON.
type Server struct {
	client         *featurestore.FeatureStoreClient
	echo           *echo.Echo
	log            logger.LeveledLogger
	gracefulPeriod time.Duration
}

type Option func(*Server)

func WithLogger(l logger.LeveledLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithGracefulPeriod bounds the time Serve waits for in-flight requests
// after its context is done.
func WithGracefulPeriod(d time.Duration) Option {
	return func(s *Server) {
		s.gracefulPeriod = d
	}
}

func New(client *featurestore.FeatureStoreClient, opts ...Option) *Server {
	s := &Server{
		client:         client,
		log:            logger.Nop(),
		gracefulPeriod: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(s.logRequests)
	e.HTTPErrorHandler = s.handleError

	e.GET("/health", s.health)
	e.GET("/metrics", s.exportMetrics)
	e.POST("/apply", s.apply)
	e.POST("/push", s.push)
	e.POST("/get-online-features", s.getOnlineFeatures)
	e.POST("/get-historical-features", s.getHistoricalFeatures)
	e.GET("/feature-services/:name", s.getFeatureService)
	e.POST("/load-batch", s.loadBatch)
	e.POST("/materialize", s.materialize)
	e.POST("/materialize-incremental", s.materializeIncremental)
	e.GET("/jobs", s.listJobs)
	e.GET("/jobs/:id", s.getJob)
	s.echo = e
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve accepts connections on lis until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.echo.Listener = lis
		errCh <- s.echo.Start("")
	}()
	s.log.Infof("listening on %s", lis.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.gracefulPeriod)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		begin := time.Now()
		err := next(c)
		req := c.Request()
		status := c.Response().Status
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				status = he.Code
			}
		}
		s.log.Debugf("%s %s status=%d in %v", req.Method, req.URL.Path, status, time.Since(begin))
		return err
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	he := httpError(err)
	if he.Code >= http.StatusInternalServerError {
		s.log.Errorf("%s %s error:%v", c.Request().Method, c.Request().URL.Path, err)
	}
	body := he.Message
	if _, ok := body.(ErrorResponse); !ok {
		body = ErrorResponse{Code: http.StatusText(he.Code), Message: http.StatusText(he.Code)}
		if m, ok := he.Message.(string); ok {
			body = ErrorResponse{Code: http.StatusText(he.Code), Message: m}
		}
	}
	if err := c.JSON(he.Code, body); err != nil {
		s.log.Warningf("write error response error:%v", err)
	}
}
