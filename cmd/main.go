package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"lp_gen_v1_202610/internal/config"
	"lp_gen_v1_202610/internal/controller"
	"lp_gen_v1_202610/internal/middleware"
	"lp_gen_v1_202610/internal/model"
	"lp_gen_v1_202610/internal/repository"
	"lp_gen_v1_202610/internal/router"
	"lp_gen_v1_202610/internal/service"
	"lp_gen_v1_202610/internal/task"
	"lp_gen_v1_202610/pkg/database"
	"lp_gen_v1_202610/pkg/logger"
	"lp_gen_v1_202610/pkg/utils"
)

func main() {
	configPath := flag.String("config", os.Getenv("LPGEN_CONFIG"), "配置文件路径 (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("服务异常退出", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	// 1. 初始化数据库
	db, err := initDatabase(cfg, log)
	if err != nil {
		return err
	}

	// 2. 初始化依赖
	deps, err := initDependencies(cfg, db, log)
	if err != nil {
		return err
	}

	// 3. 启动后台任务
	if err := deps.Tasks.Start(); err != nil {
		return err
	}

	// 4. 初始化路由
	gin.SetMode(cfg.Server.Mode)
	r, err := router.NewEngine(log, cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}
	router.InitRoutes(r, deps.RouterOptions, deps.Controllers.Landing, deps.Controllers.Usage)

	// 5. 启动服务
	return startServer(cfg, r, deps, log)
}

// ==================== 依赖容器 ====================

// Dependencies 依赖容器
type Dependencies struct {
	DB            *gorm.DB
	Repos         *Repositories
	Services      *Services
	Controllers   *Controllers
	Tasks         *task.TaskManager
	RateLimiter   *middleware.ClientRateLimiter
	RouterOptions router.Options
}

// Repositories 仓库集合
type Repositories struct {
	Job       repository.JobRepository
	AiCallLog repository.AICallLogRepository
}

// Services 服务集合
type Services struct {
	Provider  service.ImageProvider
	Storage   service.StorageProvider
	Fetcher   *service.ImageFetcher
	Assembler *service.ArchiveAssembler
	Sink      *service.DeliverySink
	Landing   *service.LandingPageService
}

// Controllers 控制器集合
type Controllers struct {
	Landing *controller.LandingController
	Usage   *controller.UsageController
}

// ==================== 初始化函数 ====================

// initDatabase 初始化数据库
func initDatabase(cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	return database.InitDB(database.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Debug:  cfg.Database.Debug,
	}, log,
		// Job
		&model.GenerationJob{},
		// AI
		&model.AICallLog{},
	)
}

// initDependencies 初始化所有依赖
func initDependencies(cfg *config.Config, db *gorm.DB, log *zap.Logger) (*Dependencies, error) {
	ctx := context.Background()

	// -------- Repo 层 --------
	repos := &Repositories{
		Job:       repository.NewJobRepository(db),
		AiCallLog: repository.NewAICallLogRepository(db),
	}

	// -------- 生成服务 & 存储 --------
	provider, err := service.NewImageProvider(ctx, service.ProviderOptions{
		Name:    cfg.Provider.Name,
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
		BaseURL:  cfg.Provider.BaseURL,
		Timeout:  cfg.Provider.Timeout,
		ProxyURL: cfg.Provider.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化图片生成服务失败: %w", err)
	}

	storage, err := service.NewStorageProvider(ctx, service.StorageConfig{
		Provider:  cfg.Storage.Provider,
		Bucket:    cfg.Storage.Bucket,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Endpoint:  cfg.Storage.Endpoint,
		CDNDomain: cfg.Storage.CDNDomain,
		BasePath:  cfg.Storage.BasePath,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化存储服务失败: %w", err)
	}

	// -------- 后台任务 --------
	sink := service.NewDeliverySink(storage, service.DeliveryOptions{
		PresignExpiry: cfg.Delivery.PresignExpiry,
	}, log)

	tasks := task.NewTaskManager(&task.TaskManagerDeps{
		JobRepo:     repos.Job,
		CallLogRepo: repos.AiCallLog,
		Remover:     sink,
	}, &task.TaskManagerConfig{
		Workers:        cfg.Jobs.Workers,
		QueueSize:      cfg.Jobs.QueueSize,
		CleanupEnabled: true,
		CleanupSpec:    cfg.Jobs.CleanupSpec,
		Retention:      cfg.Jobs.Retention,
		StaleAfter:     cfg.Jobs.JobTimeout * 2,
		LogRetention:   cfg.Jobs.LogRetention,
	}, log)

	// -------- 业务服务 --------
	services := &Services{
		Provider:  provider,
		Storage:   storage,
		Assembler: service.NewArchiveAssembler(),
		Sink:      sink,
	}
	services.Fetcher = service.NewImageFetcher(provider, repos.AiCallLog, service.FetchOptions{
		BatchSize:       cfg.Fetch.BatchSize,
		InterBatchDelay: cfg.Fetch.InterBatchDelay,
		PerCallTimeout:  cfg.Fetch.PerCallTimeout,
		MaxRetries:      cfg.Fetch.MaxRetries,
		RetryDelay:      cfg.Fetch.RetryDelay,
		FallbackPolicy:  cfg.Fetch.FallbackPolicy,
		CostPerImage:    cfg.Provider.CostPerImage,
		Download: utils.DownloadOptions{
			AllowPrivate: cfg.Provider.AllowPrivateDownloads,
		},
	}, log)
	services.Landing = service.NewLandingPageService(
		services.Fetcher, services.Assembler, services.Sink,
		repos.Job, repos.AiCallLog, tasks.Executor(),
		service.LandingServiceOptions{
			DefaultDelivery: cfg.Delivery.DefaultMode,
			JobTimeout:      cfg.Jobs.JobTimeout,
		}, log,
	)

	// -------- Controller 层 --------
	controllers := &Controllers{
		Landing: controller.NewLandingController(services.Landing, cfg.Server.MaxBodyBytes, cfg.Server.RequestTimeout),
		Usage:   controller.NewUsageController(services.Landing, tasks.Status),
	}

	// -------- 路由依赖 --------
	var limiter *middleware.ClientRateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewClientRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	routerOpts := router.Options{RateLimiter: limiter}
	if local, ok := storage.(*service.LocalStorage); ok {
		routerOpts.ArchiveFs = local.Fs()
	}

	log.Info("依赖初始化完成",
		zap.String("provider", provider.Name()),
		zap.String("model", provider.Model()),
		zap.String("storage", cfg.Storage.Provider),
	)

	return &Dependencies{
		DB:            db,
		Repos:         repos,
		Services:      services,
		Controllers:   controllers,
		Tasks:         tasks,
		RateLimiter:   limiter,
		RouterOptions: routerOpts,
	}, nil
}

// ==================== 服务启动 ====================

// startServer 启动服务，收到退出信号后依次关闭 HTTP、后台任务、数据库
func startServer(cfg *config.Config, r *gin.Engine, deps *Dependencies, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	// 异步启动服务
	go func() {
		log.Info("服务启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 限流器条目回收
	stopSweep := make(chan struct{})
	if deps.RateLimiter != nil {
		go sweepRateLimiter(deps.RateLimiter, stopSweep, log)
	}
	defer close(stopSweep)

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	case sig := <-quit:
		log.Info("正在关闭服务...", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("HTTP 服务强制关闭", zap.Error(err))
	}
	if err := deps.Tasks.Stop(ctx); err != nil {
		log.Warn("后台任务未能全部完成", zap.Error(err))
	}
	if sqlDB, err := deps.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info("服务已退出")
	return nil
}

func sweepRateLimiter(limiter *middleware.ClientRateLimiter, stop <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if removed := limiter.Cleanup(10 * time.Minute); removed > 0 {
				log.Debug("回收限流条目", zap.Int("removed", removed))
			}
		}
	}
}
