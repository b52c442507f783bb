package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"runbox/internal/common/cache"
	commonmw "runbox/internal/common/http/middleware"
	"runbox/internal/common/mq"
	"runbox/internal/executor/controller"
	"runbox/internal/executor/sandbox"
	"runbox/internal/executor/sandbox/adapter"
	"runbox/internal/executor/sandbox/engine"
	"runbox/internal/executor/sandbox/events"
	"runbox/internal/executor/sandbox/observer"
	"runbox/internal/executor/sandbox/workspace"
	"runbox/pkg/utils/logger"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/runbox.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "runbox stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	bgCtx := context.Background()

	undoProcs, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Infof(bgCtx, format, args...)
	}))
	defer undoProcs()
	if err != nil {
		logger.Warn(bgCtx, "set GOMAXPROCS failed", zap.Error(err))
	}

	workspaces, err := workspace.NewManager(appCfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("init workspace failed: %w", err)
	}
	if removed, err := workspaces.Sweep(0); err != nil {
		logger.Warn(bgCtx, "sweep stale scoped dirs failed", zap.Error(err))
	} else if removed > 0 {
		logger.Info(bgCtx, "removed stale scoped dirs", zap.Int("count", removed))
	}

	registry, err := adapter.NewRegistry(appCfg.languageTable(), appCfg.inputLimits())
	if err != nil {
		return fmt.Errorf("init language registry failed: %w", err)
	}

	eng, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig())
	if err != nil {
		return fmt.Errorf("init sandbox engine failed: %w", err)
	}

	dispatcher := sandbox.NewDispatcher(appCfg.dispatcherConfig(), registry, eng, workspaces)

	promRegistry := prometheus.NewRegistry()
	if appCfg.Metrics.Enabled {
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		recorder, err := observer.NewPrometheusRecorder(promRegistry)
		if err != nil {
			return fmt.Errorf("init metrics failed: %w", err)
		}
		dispatcher.SetMetricsRecorder(recorder)
		dispatcher.SetStatusReporter(sandbox.NewCountingStatusReporter(recorder))
	}

	if appCfg.Kafka.Enabled {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = producer.Close()
		}()
		pingCtx, cancel := context.WithTimeout(bgCtx, 5*time.Second)
		if err := producer.Ping(pingCtx); err != nil {
			logger.Warn(bgCtx, "kafka not reachable yet, events may be dropped", zap.Error(err))
		}
		cancel()
		dispatcher.SetEventPublisher(events.NewMQPublisher(producer, appCfg.Kafka.Topic))
	}

	var limiter commonmw.Limiter
	if appCfg.RateLimit.Enabled {
		switch appCfg.RateLimit.Backend {
		case commonmw.BackendRedis:
			redisCache, err := cache.NewRedisCache(bgCtx, appCfg.Redis)
			if err != nil {
				return fmt.Errorf("init redis failed: %w", err)
			}
			defer func() {
				_ = redisCache.Close()
			}()
			limiter = commonmw.NewWindowLimiter(redisCache, appCfg.RateLimit)
		default:
			limiter = commonmw.NewClientLimiter(appCfg.RateLimit)
		}
	}

	httpServer := buildHTTPServer(appCfg, dispatcher, limiter, promRegistry)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	shutdownCtx, stop := signal.NotifyContext(bgCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workspaces.StartSweepLoop(shutdownCtx, appCfg.Workspace.SweepInterval, appCfg.Workspace.SweepTTL)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(bgCtx, "runbox http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.Int64("max_concurrent", dispatcher.MaxConcurrent()),
			zap.Int("languages", len(dispatcher.Languages())),
		)
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server stopped: %w", err)
		}
		return nil
	case <-shutdownCtx.Done():
		logger.Info(bgCtx, "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(bgCtx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(bgCtx, "http server shutdown failed", zap.Error(err))
	}
	return nil
}

func buildHTTPServer(cfg *AppConfig, dispatcher controller.Dispatcher, limiter commonmw.Limiter, gatherer prometheus.Gatherer) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())
	if cfg.CORS != nil {
		router.Use(commonmw.CORSMiddleware(*cfg.CORS))
	}

	runController := controller.NewRunController(dispatcher, cfg.Server.MaxBodyBytes)
	router.POST("/run", commonmw.RateLimitMiddleware(limiter, runController.RejectRateLimited), runController.Run)
	router.GET("/languages", runController.Languages)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	router.NoRoute(response.NotFound)

	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
