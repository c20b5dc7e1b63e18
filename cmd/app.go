package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloudsync/internal/config"
	"cloudsync/internal/database"
	"cloudsync/internal/fs"
	"cloudsync/internal/fs/local"
	"cloudsync/internal/fs/remote"
	"cloudsync/internal/metacache"
	"cloudsync/internal/metrics"
	"cloudsync/internal/preview"
	syncer "cloudsync/internal/sync"
	"cloudsync/internal/upload"
	"cloudsync/pkg/logger"
	"cloudsync/pkg/retry"
)

// app 一次命令执行所需的全部组件
type app struct {
	cfg     *config.Config
	localFS *local.Adapter
	engine  *syncer.Engine

	closers []func() error
}

// openApp 按配置组装: 日志 -> 数据库 -> 远端客户端 -> 同步引擎 -> (可选) 指标服务
func openApp(configPath string) (_ *app, err error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("配置加载失败: %w", err)
	}

	logCloser, err := logger.Setup(cfg.System.LogLevel, cfg.System.LogFile, cfg.System.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("日志初始化失败: %w", err)
	}
	a := &app{cfg: cfg}
	a.closers = append(a.closers, logCloser.Close)
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	slog.Debug("配置已加载",
		"base_url", cfg.Remote.BaseURL,
		"db_path", cfg.System.DBPath,
		"preview_dir", cfg.Cache.PreviewDir,
	)

	db, err := database.NewBoltDB(cfg.System.DBPath)
	if err != nil {
		return nil, fmt.Errorf("数据库初始化失败: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	client := remote.NewClient(&remote.Options{
		BaseURL:           cfg.Remote.BaseURL,
		UploadURL:         cfg.Remote.UploadURL,
		AccessToken:       cfg.Remote.AccessToken,
		UserAgent:         cfg.Remote.UserAgent,
		Timeout:           cfg.Remote.TimeoutDuration,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
	})
	a.localFS = local.NewAdapter("")

	engine, err := syncer.NewEngine(engineOptions(cfg, client, a.localFS, db))
	if err != nil {
		return nil, err
	}
	a.engine = engine
	a.closers = append(a.closers, engine.Close)

	if addr := cfg.System.MetricsAddr; addr != "" {
		a.closers = append(a.closers, serveMetrics(addr))
	}
	return a, nil
}

// engineOptions 把配置映射为各组件参数
func engineOptions(cfg *config.Config, client fs.RemoteFileClient, opener fs.SourceOpener, db *database.DB) *syncer.EngineOptions {
	backoff := retry.Config{
		MaxAttempts: cfg.Upload.MaxAttempts,
		InitialWait: cfg.Upload.InitialBackoffDuration,
		MaxWait:     cfg.Upload.MaxBackoffDuration,
		Multiplier:  2,
		Jitter:      0.1,
	}
	return &syncer.EngineOptions{
		Client: client,
		Opener: opener,
		DB:     db,
		Metadata: metacache.Options{
			TTL:   cfg.Cache.ListingTTLDuration,
			Retry: backoff,
		},
		Preview: preview.Options{
			Dir:      cfg.Cache.PreviewDir,
			MaxBytes: cfg.Cache.PreviewMaxBytes,
			Retry:    backoff,
		},
		Upload: upload.Options{
			Concurrency: cfg.Upload.Concurrency,
			Retry:       backoff,
			SpeedWindow: cfg.Upload.SpeedWindowDuration,
		},
		Batch: syncer.CoordinatorOptions{
			Concurrency: cfg.Batch.Concurrency,
			Retry:       backoff,
		},
	}
}

// serveMetrics 在后台暴露 /metrics，返回关闭函数
func serveMetrics(addr string) func() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("指标服务已启动", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("指标服务异常退出", "addr", addr, "err", err)
		}
	}()
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}

// Close 按组装的逆序释放资源，引擎先于数据库关闭以写完断点
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("释放资源失败", "err", err)
		}
	}
	a.closers = nil
}
