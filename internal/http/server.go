package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/dispatcher"
	"github.com/jmehdipour/sms-broadcast/internal/http/middleware"
	"github.com/jmehdipour/sms-broadcast/internal/model"
	"github.com/jmehdipour/sms-broadcast/internal/repository"
	"github.com/jmehdipour/sms-broadcast/internal/service/broadcast"
	"github.com/jmehdipour/sms-broadcast/internal/service/campaign"
	"github.com/jmehdipour/sms-broadcast/internal/worker"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Broadcasts interface {
	Make(ctx context.Context) (broadcast.Result, error)
	SendNow(ctx context.Context) (broadcast.Result, error)
	Patch(ctx context.Context, id int64, p model.BroadcastPatch) (*model.Broadcast, error)
	Editable(ctx context.Context) (*model.Broadcast, error)
}

type Campaigns interface {
	Run(ctx context.Context, id int64) (campaign.Result, error)
	Schedule(ctx context.Context, id int64) error
}

type Dispatcher interface {
	Run(ctx context.Context, isSecond bool) (dispatcher.Summary, error)
}

type Escalator interface {
	HandleFailedDeliveries(ctx context.Context) (worker.EscalationResult, error)
}

// JobRunner fires a registered scheduler job by name.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
}

// Deps are the operations exposed over HTTP. Reports is nil when ClickHouse is not configured.
type Deps struct {
	Broadcasts Broadcasts
	Campaigns  Campaigns
	Dispatcher Dispatcher
	Escalator  Escalator
	Jobs       JobRunner
	Reports    repository.DeliveryEventsRepository
	Redis      redis.UniversalClient
	RateRPS    int
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(d Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(log.ERROR)
	e.Use(echoMid.Recover(), requestLogger(logger))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            d.RateRPS,
		KeyPrefix:      "rl:ip:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	h := &handlers{d: d, log: logger}
	v1 := e.Group("/v1", rlMW)
	v1.GET("/broadcasts/editable", h.editable)
	v1.POST("/broadcasts/make", h.make)
	v1.POST("/broadcasts/send-now", h.sendNow)
	v1.PATCH("/broadcasts/:id", h.patch)
	v1.POST("/campaigns/:id/run", h.runCampaign)
	v1.POST("/campaigns/:id/schedule", h.scheduleCampaign)
	v1.POST("/dispatch/:stage", h.dispatch)
	v1.POST("/failed-deliveries/handle", h.handleFailed)
	v1.POST("/jobs/:name/run", h.runJob)
	v1.GET("/reports/broadcasts/:id", h.broadcastReport)

	return &Server{e: e, log: logger}
}

func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogURI:     true,
		LogMethod:  true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("http request", fields...)
			return nil
		},
	})
}
