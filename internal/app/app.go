// Package app は API とワーカーが共有するサービスの組み立てを行います。
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aerocristobal/DocuFlux-sub000/internal/capture"
	"github.com/aerocristobal/DocuFlux-sub000/internal/config"
	"github.com/aerocristobal/DocuFlux-sub000/internal/jobs"
	"github.com/aerocristobal/DocuFlux-sub000/internal/retention"
	"github.com/aerocristobal/DocuFlux-sub000/internal/storage"
	"github.com/aerocristobal/DocuFlux-sub000/internal/tasks"
)

// Services は設定から組み立てたサービス一式です。
type Services struct {
	Config     *config.Config
	Redis      redis.UniversalClient
	QueueConn  asynq.RedisConnOpt
	Dispatcher *tasks.AsynqDispatcher
	Layout     *storage.Layout
	JobStore   *jobs.Store
	Jobs       *jobs.Manager
	Captures   *capture.Store
	Capture    *capture.Coordinator
	Retention  *retention.Engine
}

// New は Redis への接続とサービスの初期化を行います。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	queueConn, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url for queue: %w", err)
	}

	for _, dir := range []string{cfg.StorageRoot, cfg.UploadDir, cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	rdb := redis.NewClient(redisOpt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	dispatcher := tasks.NewAsynqDispatcher(queueConn, tasks.Options{
		ConversionRetry:   cfg.ConversionRetry,
		ConversionTimeout: cfg.ConversionTimeout,
	}, logger.Named("tasks"))

	s := &Services{
		Config:     cfg,
		Redis:      rdb,
		QueueConn:  queueConn,
		Dispatcher: dispatcher,
		Layout:     storage.NewLayout(cfg.UploadDir, cfg.OutputDir),
		JobStore:   jobs.NewStore(rdb),
		Captures:   capture.NewStore(rdb, cfg.CaptureSessionTTL),
	}

	s.Jobs, err = jobs.NewManager(s.JobStore, s.Layout, dispatcher, jobs.Options{
		Limits: storage.UploadLimits{
			MaxFileSize: cfg.MaxFileSize,
			MaxPDFPages: cfg.MaxPDFPages,
		},
		ResultBaseURL: cfg.JobResultBaseURL,
	}, logger.Named("jobs"))
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Capture, err = capture.NewCoordinator(s.Captures, s.Jobs, dispatcher, capture.Options{
		BatchSize: cfg.CaptureBatchSize,
		MaxPages:  cfg.MaxCapturePages,
	}, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Retention = retention.NewEngine(s.Layout, s.JobStore, rdb, retention.Options{
		Root:   cfg.StorageRoot,
		Policy: retention.PolicyFromConfig(cfg.Retention),
	}, logger)

	return s, nil
}

// Close は投入口と Redis 接続を閉じます。
func (s *Services) Close() error {
	return errors.Join(s.Dispatcher.Close(), s.Redis.Close())
}
