package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Options は投入時のリトライ回数とタイムアウトです。
type Options struct {
	ConversionRetry   int
	ConversionTimeout time.Duration
}

// AsynqDispatcher は Asynq を使った Dispatcher 実装です。
type AsynqDispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	opts      Options
	logger    *zap.Logger
}

// NewAsynqDispatcher は Redis 接続情報から Dispatcher を作成します。
func NewAsynqDispatcher(opt asynq.RedisConnOpt, opts Options, logger *zap.Logger) *AsynqDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsynqDispatcher{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		opts:      opts,
		logger:    logger,
	}
}

// Close はクライアントとインスペクタを閉じます。
func (d *AsynqDispatcher) Close() error {
	return errors.Join(d.client.Close(), d.inspector.Close())
}

func convertTaskID(jobID string) string { return "convert:" + jobID }

func batchTaskID(sessionID string, index int) string {
	return fmt.Sprintf("capture-batch:%s:%d", sessionID, index)
}

func assemblyTaskID(jobID string, attempt int) string {
	return fmt.Sprintf("assemble:%s:%d", jobID, attempt)
}

func (d *AsynqDispatcher) EnqueueConversion(ctx context.Context, p ConvertPayload) error {
	if p.JobID == "" {
		return fmt.Errorf("payload.JobID is required")
	}
	opts := []asynq.Option{
		asynq.Queue(QueueConversions),
		asynq.TaskID(convertTaskID(p.JobID)),
		asynq.MaxRetry(d.opts.ConversionRetry),
	}
	if d.opts.ConversionTimeout > 0 {
		opts = append(opts, asynq.Timeout(d.opts.ConversionTimeout))
	}
	return d.enqueue(ctx, TypeConvert, p, opts...)
}

func (d *AsynqDispatcher) EnqueueCaptureBatch(ctx context.Context, p CaptureBatchPayload) error {
	return d.enqueue(ctx, TypeCaptureBatch, p,
		asynq.Queue(QueueCapture),
		asynq.TaskID(batchTaskID(p.SessionID, p.BatchIndex)),
		asynq.MaxRetry(2),
	)
}

func (d *AsynqDispatcher) EnqueueAssembly(ctx context.Context, p AssemblyPayload, delay time.Duration) error {
	opts := []asynq.Option{
		asynq.Queue(QueueCapture),
		asynq.TaskID(assemblyTaskID(p.JobID, p.Attempt)),
		asynq.MaxRetry(0),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	if d.opts.ConversionTimeout > 0 {
		opts = append(opts, asynq.Timeout(d.opts.ConversionTimeout))
	}
	return d.enqueue(ctx, TypeAssembleSession, p, opts...)
}

func (d *AsynqDispatcher) enqueue(ctx context.Context, typename string, payload any, opts ...asynq.Option) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, asynq.NewTask(typename, body), opts...)
	if err != nil {
		// 同じタスクIDが既に存在する場合は投入済みとみなす
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			d.logger.Debug("task already enqueued", zap.String("type", typename))
			return nil
		}
		return fmt.Errorf("enqueue %s: %w", typename, err)
	}
	d.logger.Debug("task enqueued",
		zap.String("type", typename),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

// Revoke は変換タスクの取り消しを依頼します。実行中のタスクが止まる保証はありません。
func (d *AsynqDispatcher) Revoke(ctx context.Context, jobID string) error {
	id := convertTaskID(jobID)
	if err := d.inspector.DeleteTask(QueueConversions, id); err != nil &&
		!errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		// active 状態のタスクは削除できないのでキャンセル通知に任せる
		d.logger.Debug("delete task skipped", zap.String("task_id", id), zap.Error(err))
	}
	if err := d.inspector.CancelProcessing(id); err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	return nil
}
