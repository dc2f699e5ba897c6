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

	"codesandbox/internal/common/cache"
	commonmw "codesandbox/internal/common/http/middleware"
	"codesandbox/internal/common/mq"
	"codesandbox/internal/common/storage"
	"codesandbox/internal/sandbox"
	"codesandbox/internal/sandbox/backend"
	"codesandbox/internal/sandbox/backend/container"
	"codesandbox/internal/sandbox/backend/native"
	"codesandbox/internal/sandbox/controller"
	"codesandbox/internal/sandbox/datapack"
	"codesandbox/internal/sandbox/observer"
	"codesandbox/internal/sandbox/process"
	"codesandbox/internal/sandbox/profile"
	"codesandbox/internal/sandbox/security"
	"codesandbox/internal/sandbox/service"
	"codesandbox/internal/sandbox/workspace"
	"codesandbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/sandbox.yaml"

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
		logger.Error(context.Background(), "sandbox server stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observer.NewPrometheusRecorder(registry, appCfg.Server.MetricsNamespace)

	workspaces, err := workspace.NewManager(appCfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("init workspace manager: %w", err)
	}
	policy, err := security.FromConfig(appCfg.Security, workspaces.Root())
	if err != nil {
		return fmt.Errorf("init security policy: %w", err)
	}
	languages := profile.NewLocalRepository(appCfg.Language.Languages)

	be, closeBackend, err := buildBackend(appCfg, policy, metrics)
	if err != nil {
		return err
	}
	defer closeBackend()

	limiter := mq.NewTokenLimiter(appCfg.Worker.PoolSize).WithWait(appCfg.Worker.QueueWait)
	orch, err := sandbox.NewOrchestrator(sandbox.Deps{
		Backend:    be,
		Workspaces: workspaces,
		Languages:  languages,
		Policy:     policy,
		Metrics:    metrics,
		Limiter:    limiter,
	}, appCfg.Sandbox.Config)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	var queue *mq.KafkaQueue
	if appCfg.Kafka.Enabled {
		var packs service.PackFetcher
		if appCfg.Storage.Enabled {
			if packs, err = buildPackFetcher(ctx, appCfg.Storage); err != nil {
				return err
			}
		}
		queue, err = startConsumer(ctx, appCfg, orch, packs)
		if err != nil {
			return err
		}
		defer func() {
			_ = queue.Close()
		}()
	}

	var quota *commonmw.Quota
	if appCfg.Quota.Enabled {
		redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Quota.Redis)
		if err != nil {
			return fmt.Errorf("init quota store: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		quota = commonmw.NewQuota(redisCache, appCfg.Quota.QuotaPolicy)
	}

	httpServer := buildHTTPServer(appCfg, orch, languages.IDs(), registry, metrics, quota)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "sandbox http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("backend", be.Name()),
			zap.Bool("kafka", appCfg.Kafka.Enabled),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	drainCtx, cancel := context.WithTimeout(ctx, appCfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(drainCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	if queue != nil {
		_ = queue.Stop()
	}
	if n := workspaces.Live(); n > 0 {
		logger.Warn(ctx, "workspaces still live at shutdown", zap.Int("count", n))
	}
	return nil
}

func buildBackend(appCfg *AppConfig, policy *security.Policy, metrics observer.MetricsRecorder) (backend.Backend, func(), error) {
	iso := security.IsolationFromPolicy(policy)
	switch appCfg.Sandbox.Backend {
	case container.Name:
		cli, err := container.NewDockerClient(appCfg.Container.Host)
		if err != nil {
			return nil, nil, err
		}
		be, err := container.New(cli, appCfg.Container.toOptions(iso), metrics)
		if err != nil {
			_ = cli.Close()
			return nil, nil, fmt.Errorf("init docker backend: %w", err)
		}
		return be, func() { _ = cli.Close() }, nil
	default:
		runner, err := process.NewRunner(appCfg.Sandbox.Native.toProcessConfig(iso))
		if err != nil {
			return nil, nil, fmt.Errorf("init process runner: %w", err)
		}
		be := native.New(runner, metrics, native.WithNetwork(appCfg.Sandbox.Native.EnableNetwork))
		return be, func() {}, nil
	}
}

func buildPackFetcher(ctx context.Context, cfg StorageConfig) (service.PackFetcher, error) {
	store, err := storage.NewMinIOStorage(cfg.MinIO)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	if err := store.Ping(ctx, cfg.Bucket, cfg.Timeout); err != nil {
		return nil, fmt.Errorf("check object storage: %w", err)
	}
	fetcher, err := datapack.NewFetcher(store, cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("init pack fetcher: %w", err)
	}
	logger.Info(ctx, "object storage references enabled", zap.String("bucket", cfg.Bucket))
	return fetcher, nil
}

func startConsumer(ctx context.Context, appCfg *AppConfig, exec service.Executor, packs service.PackFetcher) (*mq.KafkaQueue, error) {
	queue, err := mq.NewKafkaQueue(appCfg.Kafka.KafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("init kafka: %w", err)
	}
	svc, err := service.NewService(service.Config{
		Executor:       exec,
		Producer:       queue,
		VerdictTopic:   appCfg.Kafka.VerdictTopic,
		Packs:          packs,
		Timeout:        appCfg.Worker.Timeout,
		PublishTimeout: appCfg.Kafka.PublishTimeout,
	})
	if err != nil {
		_ = queue.Close()
		return nil, fmt.Errorf("init submission service: %w", err)
	}
	fetch := mq.NewTokenLimiter(appCfg.Kafka.Concurrency)
	if err := queue.Subscribe(ctx, appCfg.Kafka.SubmissionTopic, svc.HandleMessage, appCfg.Kafka.subscribeOptions(), fetch); err != nil {
		_ = queue.Close()
		return nil, fmt.Errorf("subscribe kafka: %w", err)
	}
	if err := queue.Start(); err != nil {
		_ = queue.Close()
		return nil, fmt.Errorf("start kafka consumer: %w", err)
	}
	logger.Info(ctx, "kafka consumer started",
		zap.String("topic", appCfg.Kafka.SubmissionTopic),
		zap.String("group", appCfg.Kafka.ConsumerGroup),
		zap.Int("concurrency", appCfg.Kafka.Concurrency),
	)
	return queue, nil
}

func buildHTTPServer(appCfg *AppConfig, exec controller.Executor, languages []string, registry *prometheus.Registry, metrics observer.MetricsRecorder, quota *commonmw.Quota) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())
	router.Use(commonmw.RateLimitMiddleware(appCfg.RateLimit, func() {
		metrics.ObserveRejected(context.Background(), "rate_limited")
	}))

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	var guards []gin.HandlerFunc
	if appCfg.Auth.Secret != "" || appCfg.Auth.JWTSecret != "" {
		guards = append(guards, commonmw.AuthMiddleware(appCfg.Auth))
	} else {
		logger.Warn(context.Background(), "no auth secret configured; execute endpoints are open")
	}
	if quota != nil {
		guards = append(guards, commonmw.QuotaMiddleware(quota, func() {
			metrics.ObserveRejected(context.Background(), "quota_exceeded")
		}))
	}
	controller.NewSandboxController(exec, languages).Register(router, guards...)

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}
