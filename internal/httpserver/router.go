package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"campaignmailer/pkg/jobqueue"
	"campaignmailer/pkg/otel"
)

// Pinger db / redis 就绪检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 把函数适配为 Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type StatsReader interface {
	Stats(ctx context.Context) (jobqueue.Stats, error)
}

type Router struct {
	Engine *gin.Engine
	server *http.Server
	logger *zap.Logger
}

// NewRouter 健康检查、metrics 和队列统计；checks 的 key 为依赖名
func NewRouter(logger *zap.Logger, checks map[string]Pinger, queue StatsReader) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware())

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if queue != nil {
		r.GET("/queue/stats", func(c *gin.Context) {
			stats, err := queue.Stats(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, stats)
		})
	}

	return &Router{Engine: r, logger: logger}
}

// Start 在后台监听，Shutdown 停止
func (r *Router) Start(addr string) {
	r.server = &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		r.logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
}

func (r *Router) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}
