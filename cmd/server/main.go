package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	h "github.com/veranemoloko/stream-assembler/internal/api/http"
	cfgpkg "github.com/veranemoloko/stream-assembler/internal/config"
	"github.com/veranemoloko/stream-assembler/internal/engine"
	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
	"github.com/veranemoloko/stream-assembler/internal/events"
	repo "github.com/veranemoloko/stream-assembler/internal/repository"
	svc "github.com/veranemoloko/stream-assembler/internal/service"
	"github.com/veranemoloko/stream-assembler/internal/storage"
	"github.com/veranemoloko/stream-assembler/internal/worker"
	"github.com/veranemoloko/stream-assembler/internal/ytdlp"
)

func main() {

	cfg, err := cfgpkg.Load()
	if err != nil {
		if errors.Is(err, errpkg.ErrConfigNotFound) {
			slog.Error("configuration file not found", "error", err)
		} else {
			slog.Error("failed to load configuration", "error", err)
		}
		os.Exit(1)
	}

	logger := cfgpkg.SetupLogger(cfg)
	logger.Info("configuration loaded successfully", "env", cfg.Environment)

	jobStorage, err := repo.NewJobStorage(cfg.StateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Error("state file does not exist", "error", err)
		} else {
			logger.Error("failed to initialize job repository", "error", err)
		}
		os.Exit(1)
	}

	sinks := []events.Sink{events.NewLogSink(logger), events.MetricsSink{}}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.RedisTimeout)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis unreachable, events will be published once it is up", "addr", cfg.RedisAddr, "error", err)
		}
		cancel()

		sinks = append(sinks, events.NewRedisSink(rdb, cfg.RedisChannelPrefix, cfg.RedisTimeout, logger))
		logger.Info("publishing job events to redis", "addr", cfg.RedisAddr, "prefix", cfg.RedisChannelPrefix)
	}

	fileStorage := storage.NewFileStorage(cfg.DownloadDir)
	downloadWorker := worker.NewDownloadWorker(fileStorage, cfg.ResponseTimeout, logger)
	ytEngine := ytdlp.New(ytdlp.ExecRunner{}, cfg.YtDlpPath, cfg.FFmpegPath, logger)

	defaults := engine.DefaultOptions()
	defaults.Format = cfg.DefaultFormat
	defaults.NoCheckCertificate = cfg.NoCheckCertificate
	defaults.Verbose = cfg.Verbose

	controller := svc.NewJobController(ytEngine, downloadWorker, fileStorage, svc.ControllerConfig{
		DownloadDir:        cfg.DownloadDir,
		MaxParallelFormats: cfg.MaxParallelFormats,
		Retries:            cfg.Retries,
		RetryDelay:         cfg.RetryDelay,
		Policy:             cfg.Policy(),
		Defaults:           defaults,
	}, logger)
	jobService := svc.NewJobService(jobStorage, controller, logger, sinks...)

	if err := jobService.RecoverPendingJobs(context.Background()); err != nil {
		logger.Error("failed to recover pending jobs", "error", err)
	}

	router := h.NewRouter(jobService, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.HTTPTimeout,
		WriteTimeout: cfg.HTTPTimeout,
		IdleTimeout:  cfg.HTTPTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// stop jobs first so open event streams reach their end
	if err := jobService.Shutdown(shutdownCtx); err != nil {
		logger.Error("job service shutdown failed", "error", err)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}
}
