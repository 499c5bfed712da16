package jobs

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aerocristobal/DocuFlux-sub000/internal/apperr"
	"github.com/aerocristobal/DocuFlux-sub000/internal/convert"
	"github.com/aerocristobal/DocuFlux-sub000/internal/logging"
	"github.com/aerocristobal/DocuFlux-sub000/internal/storage"
	"github.com/aerocristobal/DocuFlux-sub000/internal/tasks"
)

// Options は Manager の動作設定です。
type Options struct {
	Limits        storage.UploadLimits
	ResultBaseURL string
}

// Manager はジョブの投入と状態管理を担います。
type Manager struct {
	store      *Store
	layout     *storage.Layout
	dispatcher tasks.Dispatcher
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
}

// NewManager は Manager を初期化します。
func NewManager(store *Store, layout *storage.Layout, dispatcher tasks.Dispatcher, opts Options, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if layout == nil {
		return nil, errors.New("layout is nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	return &Manager{
		store:      store,
		layout:     layout,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}, nil
}

// Layout はジョブのディレクトリ配置を返します。
func (m *Manager) Layout() *storage.Layout {
	return m.layout
}

// SubmitRequest はアップロードによる変換依頼です。
type SubmitRequest struct {
	File       *multipart.FileHeader
	FromFormat string // 空の場合は拡張子から推定
	ToFormat   string
}

// Submit は入力を保存し、ジョブを作成して変換タスクを投入します。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	to, ok := convert.ParseOutputFormat(req.ToFormat)
	if !ok {
		return nil, apperr.Invalid("INVALID_INPUT", fmt.Sprintf("unsupported to_format %q", req.ToFormat))
	}
	if req.File == nil {
		return nil, apperr.Invalid("INVALID_INPUT", "file is required")
	}

	var from convert.Format
	if req.FromFormat != "" {
		from, ok = convert.ParseFormat(req.FromFormat)
	} else {
		from, ok = convert.FormatFromFilename(req.File.Filename)
	}
	if !ok {
		return nil, apperr.Invalid("INVALID_INPUT", "unsupported input format")
	}

	jobID := uuid.NewString()
	upload, err := m.layout.SaveUpload(ctx, req.File, jobID, m.opts.Limits)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:         jobID,
		Filename:   upload.Filename,
		FromFormat: string(from),
		ToFormat:   string(to),
	}
	if err := m.Create(ctx, job); err != nil {
		_ = m.layout.Remove(jobID)
		return nil, apperr.Internal("failed to create job", err)
	}
	if err := m.dispatch(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Create は PENDING 状態のジョブを書き込みます。
func (m *Manager) Create(ctx context.Context, job *Job) error {
	job.Status = StatusPending
	job.Progress = 0
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now()
	}
	return m.store.Create(ctx, job)
}

// Update は部分更新をベストエフォートで書き込みます。
// 失敗はログに残すだけで呼び出し元には返しません。
func (m *Manager) Update(ctx context.Context, jobID string, patch Patch) {
	if err := m.store.Apply(ctx, jobID, patch); err != nil {
		m.logger.Warn("failed to update job metadata", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Get はジョブを取得します。
func (m *Manager) Get(ctx context.Context, jobID string) (*Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, apperr.Invalid("INVALID_INPUT", "invalid job id")
	}
	job, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, apperr.Internal("failed to load job", err)
	}
	if job == nil {
		return nil, apperr.NotFound("JOB_NOT_FOUND", "job not found")
	}
	return job, nil
}

// Cancel はキューに取り消しを依頼してから REVOKED にします。
// 実行中のタスクが止まる保証はないため、ワーカー側は状態を確認してから結果を書き込みます。
func (m *Manager) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, apperr.Conflict("INVALID_STATE", fmt.Sprintf("job is already %s", job.Status))
	}

	if err := m.dispatcher.Revoke(ctx, jobID); err != nil {
		m.logger.Warn("revoke request failed", zap.String("job_id", jobID), zap.Error(err))
	}

	now := m.now()
	err = m.store.Transition(ctx, jobID, Active, Patch{
		Status:      Ptr(StatusRevoked),
		CompletedAt: &now,
	})
	if err != nil {
		return nil, m.transitionError(err)
	}
	job.Status = StatusRevoked
	job.CompletedAt = now
	return job, nil
}

// Retry は元ジョブの入力をコピーして新しいジョブを投入します。元ジョブは変更しません。
func (m *Manager) Retry(ctx context.Context, jobID string) (*Job, error) {
	orig, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	src := filepath.Join(m.layout.InputDir(jobID), orig.Filename)
	if orig.Filename == "" || !fileExists(src) {
		return nil, apperr.NotFound("INPUT_NOT_FOUND", "the original input is no longer available")
	}

	newID := uuid.NewString()
	if err := m.layout.Ensure(newID); err != nil {
		return nil, apperr.Internal("failed to prepare retry", err)
	}
	if err := storage.CopyFile(src, filepath.Join(m.layout.InputDir(newID), orig.Filename)); err != nil {
		_ = m.layout.Remove(newID)
		return nil, apperr.Internal("failed to copy input", err)
	}

	job := &Job{
		ID:            newID,
		Filename:      orig.Filename,
		FromFormat:    orig.FromFormat,
		ToFormat:      orig.ToFormat,
		Encrypted:     orig.Encrypted,
		IsRetry:       true,
		OriginalJobID: orig.ID,
	}
	if err := m.Create(ctx, job); err != nil {
		_ = m.layout.Remove(newID)
		return nil, apperr.Internal("failed to create job", err)
	}
	if err := m.dispatch(ctx, job); err != nil {
		return nil, err
	}
	m.logger.Info("job retried", zap.String("job_id", newID), zap.String("original_job_id", jobID))
	return job, nil
}

// Delete は実行中であれば取り消しを依頼し、ディレクトリとメタデータを削除します。
func (m *Manager) Delete(ctx context.Context, jobID string) error {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		if err := m.dispatcher.Revoke(ctx, jobID); err != nil {
			m.logger.Warn("revoke request failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	if err := m.layout.Remove(jobID); err != nil {
		return apperr.Internal("failed to remove job files", err)
	}
	if err := m.store.Delete(ctx, jobID); err != nil {
		return apperr.Internal("failed to delete job", err)
	}
	return nil
}

// MarkDownloaded はダウンロード時刻を記録します。
func (m *Manager) MarkDownloaded(ctx context.Context, jobID string) {
	now := m.now()
	m.Update(ctx, jobID, Patch{DownloadedAt: &now})
}

// MarkViewed はプレビュー時刻を記録します。
func (m *Manager) MarkViewed(ctx context.Context, jobID string) {
	now := m.now()
	m.Update(ctx, jobID, Patch{LastViewed: &now})
}

// StatusURL はジョブ状態を確認する URL を返します。
func (m *Manager) StatusURL(jobID string) string {
	base := strings.TrimRight(m.opts.ResultBaseURL, "/")
	if base == "" {
		return "/api/jobs/" + jobID
	}
	return base + "/" + url.PathEscape(jobID)
}

// Start は PENDING のジョブを PROCESSING にします。
func (m *Manager) Start(ctx context.Context, jobID string) error {
	now := m.now()
	return m.store.Transition(ctx, jobID, []Status{StatusPending, StatusProcessing}, Patch{
		Status:    Ptr(StatusProcessing),
		StartedAt: &now,
		Progress:  Ptr(0),
	})
}

// Succeed は PROCESSING のジョブだけを SUCCESS にします。
// 途中で REVOKED になったジョブは上書きせず ErrTransition を返します。
func (m *Manager) Succeed(ctx context.Context, jobID string, fileCount int) error {
	now := m.now()
	return m.store.Transition(ctx, jobID, []Status{StatusProcessing}, Patch{
		Status:      Ptr(StatusSuccess),
		CompletedAt: &now,
		Progress:    Ptr(100),
		FileCount:   &fileCount,
	})
}

// Fail は未完了のジョブを FAILURE にし、切り詰めたエラーを記録します。
// 書き込みの失敗はログに残すだけです。
func (m *Manager) Fail(ctx context.Context, jobID string, cause error) {
	now := m.now()
	msg := apperr.Truncate(cause.Error(), apperr.MaxMessageLen)
	err := m.store.Transition(ctx, jobID, Active, Patch{
		Status:      Ptr(StatusFailure),
		CompletedAt: &now,
		Error:       &msg,
	})
	if err != nil {
		m.logger.Warn("failed to record job failure", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (m *Manager) dispatch(ctx context.Context, job *Job) error {
	err := m.dispatcher.EnqueueConversion(ctx, tasks.ConvertPayload{
		JobID:      job.ID,
		Filename:   job.Filename,
		FromFormat: job.FromFormat,
		ToFormat:   job.ToFormat,
	})
	if err != nil {
		m.Fail(ctx, job.ID, fmt.Errorf("failed to enqueue conversion: %w", err))
		return apperr.Internal("failed to enqueue conversion", err)
	}
	m.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("from_format", job.FromFormat),
		zap.String("to_format", job.ToFormat),
	)
	return nil
}

func (m *Manager) transitionError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("JOB_NOT_FOUND", "job not found")
	case errors.Is(err, ErrTransition):
		return apperr.Conflict("INVALID_STATE", "job is no longer active")
	default:
		return apperr.Internal("failed to update job", err)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
