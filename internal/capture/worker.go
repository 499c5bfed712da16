package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/aerocristobal/DocuFlux-sub000/internal/apperr"
	"github.com/aerocristobal/DocuFlux-sub000/internal/convert"
	"github.com/aerocristobal/DocuFlux-sub000/internal/jobs"
	"github.com/aerocristobal/DocuFlux-sub000/internal/logging"
	"github.com/aerocristobal/DocuFlux-sub000/internal/storage"
	"github.com/aerocristobal/DocuFlux-sub000/internal/tasks"
)

const (
	defaultAssemblyWait     = 5 * time.Second
	defaultMaxAssemblyWaits = 60
)

// WorkerOptions は組み立てタスクがバッチを待つ間隔と回数です。
type WorkerOptions struct {
	AssemblyWait     time.Duration
	MaxAssemblyWaits int
}

// Worker はバッチ OCR と組み立てタスクを処理します。
type Worker struct {
	store      *Store
	jobs       *jobs.Manager
	dispatcher tasks.Dispatcher
	extractor  convert.TextExtractor
	engine     convert.Engine
	opts       WorkerOptions
	logger     *zap.Logger
}

// NewWorker は Worker を作成します。extractor は force_ocr のセッションでのみ使います。
func NewWorker(store *Store, manager *jobs.Manager, dispatcher tasks.Dispatcher, extractor convert.TextExtractor, engine convert.Engine, opts WorkerOptions, logger *zap.Logger) *Worker {
	if opts.AssemblyWait <= 0 {
		opts.AssemblyWait = defaultAssemblyWait
	}
	if opts.MaxAssemblyWaits <= 0 {
		opts.MaxAssemblyWaits = defaultMaxAssemblyWaits
	}
	return &Worker{
		store:      store,
		jobs:       manager,
		dispatcher: dispatcher,
		extractor:  extractor,
		engine:     engine,
		opts:       opts,
		logger:     logging.OrNop(logger).Named("capture"),
	}
}

// HandleBatch は process_capture_batch タスクのハンドラです。
func (w *Worker) HandleBatch(ctx context.Context, task *asynq.Task) error {
	var p tasks.CaptureBatchPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	return w.ProcessBatch(ctx, p)
}

// ProcessBatch は [PageStart, PageEnd) のページ画像から文字を抽出して保存します。
// 結果は batches_done / batches_failed に1回だけ数えます。
func (w *Worker) ProcessBatch(ctx context.Context, p tasks.CaptureBatchPayload) error {
	log := w.logger.With(
		zap.String("session_id", p.SessionID),
		zap.Int("batch_index", p.BatchIndex),
	)
	pages, err := w.store.ReadPages(ctx, p.SessionID, p.PageStart, p.PageEnd)
	if err != nil {
		log.Error("failed to read batch pages", zap.Error(err))
		w.recordBatch(ctx, p.SessionID, false)
		return nil
	}
	if len(pages) == 0 {
		log.Info("batch pages already consumed, skipping")
		return nil
	}

	texts := make(map[int]string, len(pages))
	for i, page := range pages {
		if len(page.Images) == 0 || w.extractor == nil {
			continue
		}
		var parts []string
		for j, img := range page.Images {
			data, err := decodeImage(img.Data)
			if err != nil {
				log.Warn("skipping undecodable image", zap.Int("page", p.PageStart+i), zap.Int("image", j), zap.Error(err))
				continue
			}
			text, err := w.extractor.ExtractText(ctx, data)
			if err != nil {
				if ctx.Err() != nil {
					// 失敗として数えたので再実行させない
					w.recordBatch(ctx, p.SessionID, false)
					return fmt.Errorf("batch %d interrupted: %w: %w", p.BatchIndex, ctx.Err(), asynq.SkipRetry)
				}
				log.Warn("text extraction failed", zap.Int("page", p.PageStart+i), zap.Int("image", j), zap.Error(err))
				continue
			}
			if text != "" {
				parts = append(parts, text)
			}
		}
		if len(parts) > 0 {
			texts[p.PageStart+i] = strings.Join(parts, "\n\n")
		}
	}

	if err := w.store.SaveOCR(ctx, p.SessionID, texts); err != nil {
		log.Error("failed to save batch results", zap.Error(err))
		w.recordBatch(ctx, p.SessionID, false)
		return nil
	}
	w.recordBatch(ctx, p.SessionID, true)
	log.Info("capture batch processed", zap.Int("pages", len(pages)), zap.Int("extracted", len(texts)))
	return nil
}

func (w *Worker) recordBatch(ctx context.Context, sessionID string, ok bool) {
	if err := w.store.RecordBatchResult(context.WithoutCancel(ctx), sessionID, ok); err != nil {
		w.logger.Warn("failed to record batch result", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// HandleAssembly は assemble_capture_session タスクのハンドラです。
func (w *Worker) HandleAssembly(ctx context.Context, task *asynq.Task) error {
	var p tasks.AssemblyPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	return w.Assemble(ctx, p)
}

// Assemble はセッションのページを1つの文書にまとめ、ジョブを終了状態にします。
func (w *Worker) Assemble(ctx context.Context, p tasks.AssemblyPayload) error {
	log := w.logger.With(zap.String("session_id", p.SessionID), zap.String("job_id", p.JobID))

	job, err := w.jobs.Get(ctx, p.JobID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound || apperr.KindOf(err) == apperr.KindInvalid {
			log.Warn("assembly job missing, skipping")
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		log.Info("assembly job already terminal, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	session, err := w.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return err
	}
	if session != nil && session.ForceOCR && session.BatchesPending() > 0 && p.Attempt < w.opts.MaxAssemblyWaits {
		next := p
		next.Attempt++
		log.Debug("waiting for capture batches", zap.Int("pending", session.BatchesPending()), zap.Int("attempt", next.Attempt))
		return w.dispatcher.EnqueueAssembly(ctx, next, w.opts.AssemblyWait)
	}

	if err := w.jobs.Start(ctx, p.JobID); err != nil {
		if errors.Is(err, jobs.ErrTransition) || errors.Is(err, jobs.ErrNotFound) {
			log.Info("assembly job changed before start, skipping", zap.Error(err))
			return nil
		}
		return err
	}

	count, err := w.assemble(ctx, job, session, p.SessionID)
	if err != nil {
		w.jobs.Fail(context.WithoutCancel(ctx), p.JobID, err)
		log.Error("assembly failed", zap.Error(err))
		return fmt.Errorf("assemble session %s: %w", p.SessionID, err)
	}
	if err := w.store.DropOCR(ctx, p.SessionID); err != nil {
		log.Warn("failed to drop OCR results", zap.Error(err))
	}

	if err := w.jobs.Succeed(ctx, p.JobID, count); err != nil {
		if errors.Is(err, jobs.ErrTransition) || errors.Is(err, jobs.ErrNotFound) {
			log.Info("assembly job no longer processing, result discarded", zap.Error(err))
			return nil
		}
		log.Warn("failed to record assembly success", zap.Error(err))
		return nil
	}
	log.Info("capture session assembled", zap.Int("file_count", count))
	return nil
}

// assemble は文書を書き出し、出力ディレクトリのファイル数を返します。
func (w *Worker) assemble(ctx context.Context, job *jobs.Job, session *Session, sessionID string) (int, error) {
	pages, err := w.store.TakePages(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to read pages: %w", err)
	}
	if len(pages) == 0 {
		return 0, fmt.Errorf("no pages buffered for session %s", sessionID)
	}
	w.jobs.Update(ctx, job.ID, jobs.Patch{Progress: jobs.Ptr(10)})

	title := strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename))
	source := ""
	target := convert.CaptureFormat(job.ToFormat)
	var ocr map[int]string
	if session != nil {
		title = session.Title
		source = session.SourceURL
		if session.ForceOCR {
			if ocr, err = w.store.LoadOCR(ctx, sessionID); err != nil {
				return 0, fmt.Errorf("failed to load OCR results: %w", err)
			}
		}
	}
	ordered := sortPages(pages)
	if source == "" {
		source = ordered[0].URL
	}

	outDir := w.jobs.Layout().JobOutputDir(job.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return 0, err
	}
	images, err := persistImages(ctx, outDir, ordered)
	if err != nil {
		return 0, fmt.Errorf("failed to persist images: %w", err)
	}
	w.jobs.Update(ctx, job.ID, jobs.Patch{Progress: jobs.Ptr(50)})

	mdPath := filepath.Join(outDir, documentName(title, convert.FormatMarkdown))
	doc := renderDocument(title, source, ordered, ocr, images)
	if err := os.WriteFile(mdPath, []byte(doc), 0o640); err != nil {
		return 0, err
	}

	if target != convert.FormatMarkdown {
		w.jobs.Update(ctx, job.ID, jobs.Patch{Progress: jobs.Ptr(70)})
		if _, err := w.engine.Convert(ctx, convert.Request{
			InputPath: mdPath,
			OutputDir: outDir,
			From:      convert.FormatMarkdown,
			To:        target,
		}); err != nil {
			return 0, err
		}
		if err := os.Remove(mdPath); err != nil {
			return 0, err
		}
		// HTML 以外は画像が出力に埋め込まれる
		if target != convert.FormatHTML {
			if err := os.RemoveAll(filepath.Join(outDir, imagesDir)); err != nil {
				return 0, err
			}
		}
	}
	return storage.CountFiles(outDir)
}
