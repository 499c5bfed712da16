package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/aerocristobal/DocuFlux-sub000/internal/convert"
	"github.com/aerocristobal/DocuFlux-sub000/internal/storage"
	"github.com/aerocristobal/DocuFlux-sub000/internal/tasks"
)

// Worker は convert_document タスクを処理します。
type Worker struct {
	manager *Manager
	engine  convert.Engine
	logger  *zap.Logger
}

// NewWorker は Worker を作成します。
func NewWorker(manager *Manager, engine convert.Engine) *Worker {
	return &Worker{
		manager: manager,
		engine:  engine,
		logger:  manager.logger.Named("convert"),
	}
}

// HandleConvert は Asynq のハンドラです。
func (w *Worker) HandleConvert(ctx context.Context, task *asynq.Task) error {
	var payload tasks.ConvertPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing job_id in payload: %w", asynq.SkipRetry)
	}
	return w.Convert(ctx, payload)
}

// Convert は1件のジョブを変換します。
// 既に終了状態のジョブは再配送とみなし、何もせずに戻ります。
func (w *Worker) Convert(ctx context.Context, payload tasks.ConvertPayload) error {
	m := w.manager
	jobID := payload.JobID
	log := w.logger.With(zap.String("job_id", jobID))

	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		log.Warn("job metadata missing, skipping")
		return nil
	}
	if job.Status.Terminal() {
		log.Info("job already terminal, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	if err := m.Start(ctx, jobID); err != nil {
		if errors.Is(err, ErrTransition) || errors.Is(err, ErrNotFound) {
			log.Info("job changed before start, skipping", zap.Error(err))
			return nil
		}
		return err
	}

	from, ok := convert.ParseFormat(payload.FromFormat)
	if !ok {
		err := fmt.Errorf("unsupported input format %q", payload.FromFormat)
		m.Fail(ctx, jobID, err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	to, ok := convert.ParseOutputFormat(payload.ToFormat)
	if !ok {
		err := fmt.Errorf("unsupported output format %q", payload.ToFormat)
		m.Fail(ctx, jobID, err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	outDir := m.layout.JobOutputDir(jobID)
	outputs, err := w.engine.Convert(ctx, convert.Request{
		InputPath: filepath.Join(m.layout.InputDir(jobID), payload.Filename),
		OutputDir: outDir,
		From:      from,
		To:        to,
		Progress: func(stage string, percent int) {
			m.Update(ctx, jobID, Patch{Progress: &percent})
		},
	})
	if err != nil {
		m.Fail(ctx, jobID, err)
		log.Error("conversion failed", zap.Error(err))
		return fmt.Errorf("convert job %s: %w", jobID, err)
	}

	count, err := storage.CountFiles(outDir)
	if err != nil {
		count = len(outputs)
	}
	if err := m.Succeed(ctx, jobID, count); err != nil {
		if errors.Is(err, ErrTransition) || errors.Is(err, ErrNotFound) {
			log.Info("job no longer processing, result discarded", zap.Error(err))
			return nil
		}
		log.Warn("failed to record success", zap.Error(err))
		return nil
	}
	log.Info("job completed", zap.Int("file_count", count))
	return nil
}
