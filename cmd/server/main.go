package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rbutinar/power-bi-catalog/config"
	"github.com/rbutinar/power-bi-catalog/internal/api"
	"github.com/rbutinar/power-bi-catalog/internal/api/handler"
	"github.com/rbutinar/power-bi-catalog/internal/database"
	"github.com/rbutinar/power-bi-catalog/internal/extractor"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/credential"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/cron"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/docstore"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/powerbi"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/pubsub"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/ws"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/xmla"
	"github.com/rbutinar/power-bi-catalog/internal/repository"
	"github.com/rbutinar/power-bi-catalog/internal/service"
	"github.com/rbutinar/power-bi-catalog/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "config file path")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := config.SetupLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	// 初始化数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close(db)
	logger.Info("database connected", "driver", cfg.Database.Driver)

	// Redis 可选，用于跨进程推送进度
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info("redis connected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := docstore.New(ctx, &cfg.Storage)
	if err != nil {
		return fmt.Errorf("init document store: %w", err)
	}

	mode, err := credential.ParseMode(cfg.Scan.AuthMode)
	if err != nil {
		return err
	}

	// 凭据与发现
	broker := credential.NewBroker(credential.Config{
		TenantID:       cfg.PowerBI.TenantID,
		ClientID:       cfg.PowerBI.ClientID,
		ClientSecret:   cfg.PowerBI.ClientSecret,
		PublicClientID: cfg.PowerBI.PublicClientID,
		AuthorityHost:  cfg.PowerBI.AuthorityHost,
		ExpirySkew:     cfg.PowerBI.ExpirySkew,
		RenewTimeout:   cfg.PowerBI.RequestTimeout,
	}, credential.WithLogger(logger), credential.WithDevicePrompt(func(uri, code, message string) {
		logger.Warn("device login required", "verification_uri", uri, "user_code", code, "message", message)
	}))

	// 所有任务共享同一个限流器
	limiter := powerbi.NewLimiter(cfg.PowerBI.RequestsPerSec)
	discovery := func(m credential.Mode) service.Discovery {
		return powerbi.NewClient(powerbi.Config{
			BaseURL:        cfg.PowerBI.APIBaseURL,
			PageSize:       cfg.PowerBI.PageSize,
			RequestsPerSec: cfg.PowerBI.RequestsPerSec,
			RequestTimeout: cfg.PowerBI.RequestTimeout,
		}, func(ctx context.Context) (string, error) {
			tok, err := broker.AcquireToken(ctx, m, credential.AudienceREST)
			if err != nil {
				return "", err
			}
			return tok.AccessToken, nil
		}, powerbi.WithLimiter(limiter), powerbi.WithLogger(logger))
	}

	var runner worker.Runner
	switch cfg.Scan.Runner {
	case "", "inprocess":
		ex := extractor.New(xmla.NewHTTPDialer(cfg.PowerBI.XMLABaseURL, cfg.PowerBI.RequestTimeout),
			extractor.WithLogger(logger))
		runner = worker.NewInProcessRunner(ex)
	case "process":
		pr := worker.NewProcessRunner(cfg.Scan.WorkerBinary, logger)
		pr.Args = []string{"--config", configPath}
		runner = pr
	default:
		return fmt.Errorf("unsupported runner %q", cfg.Scan.Runner)
	}

	// 初始化 Repository
	indexRepo := repository.NewIndexRepository(db)
	runRepo := repository.NewScanRunRepository(db)

	// 进度推送
	hub := ws.NewHub(logger)
	var publisher *pubsub.Publisher
	if rdb != nil {
		publisher = pubsub.NewPublisher(rdb)
	}
	broadcaster := service.NewProgressBroadcaster(hub, publisher, logger)
	if rdb != nil {
		go func() {
			if err := broadcaster.Relay(ctx, pubsub.NewSubscriber(rdb), nil); err != nil {
				logger.Error("progress relay stopped", "error", err)
			}
		}()
	}

	// 初始化 Service
	sinkService := service.NewSinkService(store, indexRepo, runRepo, logger)
	scanService := service.NewScanService(nil, broker, discovery, runner, sinkService, runRepo, broadcaster,
		service.ScanOptions{
			Concurrency: cfg.Scan.Concurrency,
			UnitTimeout: cfg.Scan.UnitTimeout,
			AuthMode:    mode,
			RunnerName:  cfg.Scan.Runner,
			Ingest:      cfg.Scan.Ingest,
		}, logger)

	// 定时扫描与临时文件清理
	scanDir := ""
	if cfg.Storage.Backend == "" || cfg.Storage.Backend == "local" {
		scanDir = cfg.Storage.ScanDir
	}
	cronService := cron.NewService(scanService, cfg.Scan.ScheduleName, cfg.Scan.ScheduleInterval,
		scanDir, cfg.Scan.TempExpire, logger)
	cronService.Start()
	defer cronService.Stop()

	// 初始化 Router
	router := api.NewRouter(
		handler.NewScanHandler(scanService),
		handler.NewIndexHandler(sinkService),
		handler.NewWebSocketHandler(hub, scanService, logger),
		handler.NewHealthHandler(db, hub),
		cfg,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "runner", cfg.Scan.Runner, "auth_mode", mode)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	hub.CloseAll()

	// 取消运行中的扫描并等待单元退出
	scanService.Close()
	logger.Info("server stopped")
	return nil
}
