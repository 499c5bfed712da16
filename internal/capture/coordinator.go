package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aerocristobal/DocuFlux-sub000/internal/apperr"
	"github.com/aerocristobal/DocuFlux-sub000/internal/convert"
	"github.com/aerocristobal/DocuFlux-sub000/internal/jobs"
	"github.com/aerocristobal/DocuFlux-sub000/internal/logging"
	"github.com/aerocristobal/DocuFlux-sub000/internal/tasks"
)

// Options はセッションの上限とバッチサイズです。
type Options struct {
	BatchSize int
	MaxPages  int
}

// Coordinator はキャプチャセッションの作成、追記、終了を調整します。
type Coordinator struct {
	store      *Store
	jobs       *jobs.Manager
	dispatcher tasks.Dispatcher
	opts       Options
	logger     *zap.Logger
	now        func() time.Time
}

// NewCoordinator は Coordinator を作成します。
func NewCoordinator(store *Store, manager *jobs.Manager, dispatcher tasks.Dispatcher, opts Options, logger *zap.Logger) (*Coordinator, error) {
	if store == nil || manager == nil || dispatcher == nil {
		return nil, errors.New("capture: store, manager and dispatcher are required")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("capture: batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.MaxPages <= 0 {
		return nil, fmt.Errorf("capture: max pages must be positive, got %d", opts.MaxPages)
	}
	return &Coordinator{
		store:      store,
		jobs:       manager,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logging.OrNop(logger).Named("capture"),
		now:        time.Now,
	}, nil
}

// MaxPages はセッションあたりの最大ページ数です。
func (c *Coordinator) MaxPages() int {
	return c.opts.MaxPages
}

// CreateRequest はセッション作成の入力です。
type CreateRequest struct {
	Title     string `json:"title"`
	ToFormat  string `json:"to_format"`
	SourceURL string `json:"source_url"`
	ClientID  string `json:"client_id"`
	ForceOCR  bool   `json:"force_ocr"`
}

// CreateSession は active なセッションを作成します。
// 未知の to_format はエラーにせず markdown として扱います。
func (c *Coordinator) CreateSession(ctx context.Context, req CreateRequest) (*Session, error) {
	session := &Session{
		ID:        uuid.NewString(),
		Status:    StatusActive,
		CreatedAt: c.now(),
		Title:     strings.TrimSpace(req.Title),
		ToFormat:  string(convert.CaptureFormat(req.ToFormat)),
		SourceURL: req.SourceURL,
		ClientID:  req.ClientID,
		ForceOCR:  req.ForceOCR,
	}
	if session.Title == "" {
		session.Title = "Captured document"
	}
	// OCR ありのセッションはバッチが参照する組み立てジョブの ID を作成時に予約する
	if session.ForceOCR {
		session.JobID = uuid.NewString()
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		return nil, apperr.Internal("failed to create capture session", err)
	}
	c.logger.Info("capture session created",
		zap.String("session_id", session.ID),
		zap.String("to_format", session.ToFormat),
		zap.Bool("force_ocr", session.ForceOCR),
	)
	return session, nil
}

// AddPage はページを追記し、追記後のページ数を返します。
// force_ocr のセッションでは、ページ数がバッチサイズの倍数に達した時点でそのバッチを投入します。
func (c *Coordinator) AddPage(ctx context.Context, sessionID string, page Page) (int, error) {
	if err := validateID(sessionID); err != nil {
		return 0, err
	}
	if strings.TrimSpace(page.Text) == "" && page.HTML != "" {
		text, err := convert.HTMLToMarkdown(page.HTML, page.URL)
		if err != nil {
			return 0, apperr.Invalid("INVALID_INPUT", "page html could not be converted")
		}
		page.Text = text
		page.HTML = ""
	}

	count, err := c.store.AppendPage(ctx, sessionID, &page, c.opts.MaxPages)
	if err != nil {
		return 0, c.sessionError(err)
	}

	if count%c.opts.BatchSize != 0 {
		return count, nil
	}
	session, err := c.batchSession(ctx, sessionID)
	if err != nil {
		c.logger.Warn("failed to read session after append", zap.String("session_id", sessionID), zap.Error(err))
		return count, nil
	}
	if session != nil {
		c.dispatchBatch(ctx, session, count/c.opts.BatchSize-1, count-c.opts.BatchSize, count)
	}
	return count, nil
}

// FinishResult は終了したセッションの組み立てジョブです。
type FinishResult struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}

// FinishSession はセッションを assembling にし、組み立てジョブを作成して投入します。
// ジョブの作成か投入に失敗した場合はセッションを active に戻し、再度 finish できるようにします。
func (c *Coordinator) FinishSession(ctx context.Context, sessionID string) (*FinishResult, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	fresh := uuid.NewString()
	jobID, count, err := c.store.Finish(ctx, sessionID, fresh)
	if err != nil {
		return nil, c.sessionError(err)
	}
	reopen := func() {
		if err := c.store.Reopen(ctx, sessionID, jobID, jobID == fresh); err != nil {
			c.logger.Error("failed to reopen capture session",
				zap.String("session_id", sessionID), zap.String("job_id", jobID), zap.Error(err))
		}
	}

	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		reopen()
		return nil, apperr.Internal("failed to read capture session", err)
	}

	job := &jobs.Job{
		ID:         jobID,
		Filename:   documentName(session.Title, convert.FormatMarkdown),
		FromFormat: string(convert.FormatCapture),
		ToFormat:   session.ToFormat,
		SessionID:  sessionID,
	}
	if err := c.jobs.Create(ctx, job); err != nil {
		reopen()
		return nil, apperr.Internal("failed to create assembly job", err)
	}

	// 最後の端数バッチ [floor(count/B)*B, count)
	if session.ForceOCR {
		start := count / c.opts.BatchSize * c.opts.BatchSize
		if start < count {
			c.dispatchBatch(ctx, session, count/c.opts.BatchSize, start, count)
		}
	}

	err = c.dispatcher.EnqueueAssembly(ctx, tasks.AssemblyPayload{SessionID: sessionID, JobID: jobID}, 0)
	if err != nil {
		if delErr := c.jobs.Delete(ctx, jobID); delErr != nil {
			c.logger.Warn("failed to remove unqueued assembly job", zap.String("job_id", jobID), zap.Error(delErr))
		}
		reopen()
		return nil, apperr.Internal("failed to enqueue assembly", err)
	}
	c.logger.Info("capture session finished",
		zap.String("session_id", sessionID),
		zap.String("job_id", jobID),
		zap.Int("page_count", count),
	)
	return &FinishResult{
		JobID:     jobID,
		Status:    string(StatusAssembling),
		StatusURL: c.jobs.StatusURL(jobID),
	}, nil
}

// Status はセッションの状態を返します。
func (c *Coordinator) Status(ctx context.Context, sessionID string) (*Session, error) {
	if err := validateID(sessionID); err != nil {
		return nil, err
	}
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Internal("failed to read capture session", err)
	}
	if session == nil {
		return nil, apperr.NotFound("SESSION_NOT_FOUND", "capture session not found or expired")
	}
	return session, nil
}

// StatusURL は組み立てジョブの状態 URL です。
func (c *Coordinator) StatusURL(jobID string) string {
	return c.jobs.StatusURL(jobID)
}

// batchSession はバッチ投入が必要なセッションだけを返します。
func (c *Coordinator) batchSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil || session == nil || !session.ForceOCR {
		return nil, err
	}
	return session, nil
}

// dispatchBatch はバッチを投入して記録します。投入の失敗はログに残し、ページの受け付けは取り消しません。
func (c *Coordinator) dispatchBatch(ctx context.Context, session *Session, index, start, end int) {
	log := c.logger.With(
		zap.String("session_id", session.ID),
		zap.Int("batch_index", index),
		zap.Int("page_start", start),
		zap.Int("page_end", end),
	)
	err := c.dispatcher.EnqueueCaptureBatch(ctx, tasks.CaptureBatchPayload{
		SessionID:  session.ID,
		JobID:      session.JobID,
		BatchIndex: index,
		PageStart:  start,
		PageEnd:    end,
	})
	if err != nil {
		log.Error("failed to enqueue capture batch", zap.Error(err))
		return
	}
	if err := c.store.RecordBatchQueued(ctx, session.ID, end); err != nil {
		log.Warn("failed to record capture batch", zap.Error(err))
		return
	}
	log.Debug("capture batch queued")
}

func (c *Coordinator) sessionError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("SESSION_NOT_FOUND", "capture session not found or expired")
	case errors.Is(err, ErrNotActive):
		return apperr.Conflict("SESSION_NOT_ACTIVE", "capture session is already assembling")
	case errors.Is(err, ErrPageLimit):
		return apperr.Unprocessable("LIMIT_EXCEEDED",
			fmt.Sprintf("Maximum pages per session (%d) reached", c.opts.MaxPages))
	case errors.Is(err, ErrEmpty):
		return apperr.Unprocessable("SESSION_EMPTY", "capture session has no pages")
	default:
		return apperr.Internal("capture session store unavailable", err)
	}
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil || len(id) != 36 {
		return apperr.Invalid("INVALID_SESSION_ID", "session id must be a UUID")
	}
	return nil
}
