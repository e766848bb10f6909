package router

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"lp_gen_v1_202610/internal/controller"
	"lp_gen_v1_202610/internal/middleware"
)

// Options 路由依赖
type Options struct {
	RateLimiter *middleware.ClientRateLimiter

	// ArchiveFs 非空时在 /archives 下提供本地归档下载
	ArchiveFs afero.Fs
}

// NewEngine 创建带通用中间件的 gin.Engine
// trustedProxies 为空时不信任任何代理头，ClientIP 取连接地址
func NewEngine(log *zap.Logger, trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted_proxies 配置错误: %w", err)
	}
	r.Use(
		middleware.RequestID(),
		middleware.AccessLog(log),
		middleware.Recovery(log),
	)
	return r, nil
}

// InitRoutes 注册所有路由
func InitRoutes(r *gin.Engine,
	opts Options,
	landingCtl *controller.LandingController,
	usageCtl *controller.UsageController) {
	// 1. 健康检查
	r.GET("/healthz", usageCtl.Health)

	// 2. 本地归档下载
	if opts.ArchiveFs != nil {
		r.StaticFS("/archives", afero.NewHttpFs(opts.ArchiveFs))
	}

	// 3. API 路由组
	api := r.Group("/api")
	{
		// 落地页生成，生成类接口按客户端限流
		landing := api.Group("/landing-pages")
		{
			// POST /api/landing-pages
			landing.POST("", middleware.RateLimit(opts.RateLimiter), landingCtl.Generate)
			// POST /api/landing-pages/jobs
			landing.POST("/jobs", middleware.RateLimit(opts.RateLimiter), landingCtl.SubmitJob)
			// GET /api/landing-pages/jobs/:job_id
			landing.GET("/jobs/:job_id", landingCtl.GetJob)
			// GET /api/landing-pages/jobs/:job_id/stream
			landing.GET("/jobs/:job_id/stream", landingCtl.StreamProgress)
		}

		// POST /api/company-info/preview
		api.POST("/company-info/preview", landingCtl.PreviewCompanyInfo)

		// GET /api/usage
		api.GET("/usage", usageCtl.GetUsage)
	}
}
