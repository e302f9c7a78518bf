package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/keyplane/billing/internal/clock"
	"github.com/keyplane/billing/internal/config"
	"github.com/keyplane/billing/internal/scheduler"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log.Named("http")))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

type RouteParams struct {
	fx.In

	Engine    *gin.Engine
	Config    config.Config
	Scheduler *scheduler.Scheduler
	Clock     clock.Clock
}

// RegisterRoutes wires the admin surface. Customer-facing traffic never
// reaches this process; everything here is operator tooling.
func RegisterRoutes(p RouteParams) {
	admin := p.Engine.Group("/v1/admin")

	admin.POST("/jobs/run", func(c *gin.Context) {
		report, err := p.Scheduler.RunOnce(c.Request.Context())
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	})

	admin.POST("/jobs/run/:customer_id", func(c *gin.Context) {
		customerID, ok := parseCustomerID(c)
		if !ok {
			return
		}
		if err := p.Scheduler.RunForCustomer(c.Request.Context(), customerID); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// the clock endpoint exists only when the process runs against a shared
	// mock clock
	if p.Config.TestMode {
		if shared, ok := p.Clock.(*clock.SharedClock); ok {
			registerClockRoutes(admin, shared)
		}
	}
}

type setClockRequest struct {
	Time string `json:"time" binding:"required"`
}

func registerClockRoutes(admin *gin.RouterGroup, shared *clock.SharedClock) {
	admin.POST("/clock", func(c *gin.Context) {
		var req setClockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError("time"))
			return
		}
		t, err := time.Parse(time.RFC3339, req.Time)
		if err != nil {
			AbortWithError(c, invalidRequestError("time"))
			return
		}
		if err := shared.Set(t); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"time": t.UTC().Format(time.RFC3339)})
	})

	admin.DELETE("/clock", func(c *gin.Context) {
		if err := shared.Clear(); err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
