// Package main は変換ワーカーのエントリーポイントです。
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/aerocristobal/DocuFlux-sub000/internal/app"
	"github.com/aerocristobal/DocuFlux-sub000/internal/capture"
	"github.com/aerocristobal/DocuFlux-sub000/internal/config"
	"github.com/aerocristobal/DocuFlux-sub000/internal/convert"
	"github.com/aerocristobal/DocuFlux-sub000/internal/jobs"
	"github.com/aerocristobal/DocuFlux-sub000/internal/logging"
	"github.com/aerocristobal/DocuFlux-sub000/internal/retention"
	"github.com/aerocristobal/DocuFlux-sub000/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.GinMode)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	// 前回のプロセスで処理中のまま残ったジョブを失敗扱いにする
	if n, err := services.Jobs.Recover(ctx); err != nil {
		logger.Error("failed to recover interrupted jobs", zap.Error(err))
	} else if n > 0 {
		logger.Warn("marked interrupted jobs as failed", zap.Int("count", n))
	}

	tesseract := &convert.Tesseract{Path: cfg.TesseractPath}
	router := &convert.Router{
		CLI:  &convert.Pandoc{Path: cfg.PandocPath, Logger: logger.Named("pandoc")},
		HTML: convert.MarkdownHTML{},
		OCR:  &convert.OCR{Extractor: tesseract, Logger: logger.Named("ocr")},
	}

	jobWorker := jobs.NewWorker(services.Jobs, router)
	captureWorker := capture.NewWorker(services.Captures, services.Jobs, services.Dispatcher,
		tesseract, router, capture.WorkerOptions{}, logger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeConvert, jobWorker.HandleConvert)
	mux.HandleFunc(tasks.TypeCaptureBatch, captureWorker.HandleBatch)
	mux.HandleFunc(tasks.TypeAssembleSession, captureWorker.HandleAssembly)

	scheduler, err := retention.NewScheduler(cfg.Retention.Schedule, services.Retention, logger)
	if err != nil {
		logger.Fatal("failed to create retention scheduler", zap.Error(err))
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := tasks.NewServer(services.QueueConn, cfg.WorkerConcurrency, logger.Named("asynq"))
	if err := server.Start(mux); err != nil {
		logger.Fatal("failed to start worker", zap.Error(err))
	}
	logger.Info("worker started", zap.Int("concurrency", cfg.WorkerConcurrency))

	<-ctx.Done()
	logger.Info("shutting down worker")
	server.Shutdown()
}
