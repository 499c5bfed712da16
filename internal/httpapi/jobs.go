package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aerocristobal/DocuFlux-sub000/internal/apperr"
	"github.com/aerocristobal/DocuFlux-sub000/internal/convert"
	"github.com/aerocristobal/DocuFlux-sub000/internal/jobs"
	"github.com/aerocristobal/DocuFlux-sub000/internal/storage"
)

// submitJob は POST /api/jobs のハンドラーです。
func (s *Server) submitJob(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "send the document as multipart/form-data field \"file\"")
		return
	}
	job, err := s.Jobs.Submit(c.Request.Context(), jobs.SubmitRequest{
		File:       file,
		FromFormat: c.PostForm("from_format"),
		ToFormat:   c.PostForm("to_format"),
	})
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":     job.ID,
		"status":     job.Status,
		"status_url": s.Jobs.StatusURL(job.ID),
	})
}

// getJob は GET /api/jobs/:id のハンドラーです。
func (s *Server) getJob(c *gin.Context) {
	job, err := s.Jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobView(job))
}

// cancelJob は POST /api/jobs/:id/cancel のハンドラーです。
func (s *Server) cancelJob(c *gin.Context) {
	job, err := s.Jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobView(job))
}

// retryJob は POST /api/jobs/:id/retry のハンドラーです。
func (s *Server) retryJob(c *gin.Context) {
	job, err := s.Jobs.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":          job.ID,
		"status":          job.Status,
		"original_job_id": job.OriginalJobID,
		"status_url":      s.Jobs.StatusURL(job.ID),
	})
}

// deleteJob は DELETE /api/jobs/:id のハンドラーです。
func (s *Server) deleteJob(c *gin.Context) {
	if err := s.Jobs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// downloadJob は GET /api/jobs/:id/download のハンドラーです。
// 成果物が複数ある場合は zip にまとめて返します。
func (s *Server) downloadJob(c *gin.Context) {
	job, outputs, err := s.completedOutputs(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	root := s.Jobs.Layout().JobOutputDir(job.ID)

	if len(outputs) == 1 {
		path := filepath.Join(root, outputs[0])
		file, err := os.Open(path)
		if err != nil {
			respondWithError(c, fmt.Errorf("open output: %w", err))
			return
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			respondWithError(c, err)
			return
		}
		name := filepath.Base(outputs[0])
		setAttachmentHeaders(c, job.ID, name)
		s.Jobs.MarkDownloaded(c.Request.Context(), job.ID)
		c.DataFromReader(http.StatusOK, info.Size(), contentTypeOf(name), file, nil)
		return
	}

	name := strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename)) + ".zip"
	setAttachmentHeaders(c, job.ID, name)
	c.Header("Content-Type", "application/zip")
	c.Status(http.StatusOK)
	if err := storage.Bundle(c.Writer, root, outputs); err != nil {
		s.Logger.Error("failed to stream bundle", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	s.Jobs.MarkDownloaded(c.Request.Context(), job.ID)
}

// previewJob は GET /api/jobs/:id/preview のハンドラーです。
// markdown の成果物は HTML に変換し、HTML の成果物はそのまま返します。
func (s *Server) previewJob(c *gin.Context) {
	job, outputs, err := s.completedOutputs(c)
	if err != nil {
		respondWithError(c, err)
		return
	}
	root := s.Jobs.Layout().JobOutputDir(job.ID)

	for _, rel := range outputs {
		format, ok := convert.FormatFromFilename(rel)
		if !ok || (format != convert.FormatMarkdown && format != convert.FormatHTML) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, rel))
		if err != nil {
			respondWithError(c, err)
			return
		}
		if format == convert.FormatMarkdown {
			if data, err = convert.RenderDocument(data); err != nil {
				respondWithError(c, err)
				return
			}
		}
		s.Jobs.MarkViewed(c.Request.Context(), job.ID)
		c.Header("Cache-Control", "no-store")
		c.Data(http.StatusOK, "text/html; charset=utf-8", data)
		return
	}
	respondWithError(c, apperr.Unprocessable("PREVIEW_UNAVAILABLE", "this job has no previewable output"))
}

// completedOutputs は SUCCESS のジョブと成果物一覧を返します。
func (s *Server) completedOutputs(c *gin.Context) (*jobs.Job, []string, error) {
	job, err := s.Jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, nil, err
	}
	if job.Status != jobs.StatusSuccess {
		return nil, nil, apperr.Conflict("JOB_NOT_READY", fmt.Sprintf("job is %s", job.Status))
	}
	outputs, err := s.Jobs.Layout().Outputs(job.ID)
	if err != nil || len(outputs) == 0 {
		return nil, nil, apperr.NotFound("JOB_RESULT_NOT_FOUND", "job output is no longer available")
	}
	return job, outputs, nil
}

func setAttachmentHeaders(c *gin.Context, jobID, name string) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", name, url.PathEscape(name)))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", jobID)
}

func contentTypeOf(name string) string {
	format, _ := convert.FormatFromFilename(name)
	switch format {
	case convert.FormatPDF:
		return "application/pdf"
	case convert.FormatHTML:
		return "text/html; charset=utf-8"
	case convert.FormatMarkdown:
		return "text/markdown; charset=utf-8"
	case convert.FormatText:
		return "text/plain; charset=utf-8"
	case convert.FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case convert.FormatEPUB:
		return "application/epub+zip"
	default:
		return "application/octet-stream"
	}
}

func jobView(job *jobs.Job) gin.H {
	view := gin.H{
		"job_id":    job.ID,
		"status":    job.Status,
		"progress":  job.Progress,
		"filename":  job.Filename,
		"to_format": job.ToFormat,
		"encrypted": job.Encrypted,
	}
	if job.FromFormat != "" {
		view["from_format"] = job.FromFormat
	}
	putUnix(view, "created_at", job.CreatedAt)
	putUnix(view, "started_at", job.StartedAt)
	putUnix(view, "completed_at", job.CompletedAt)
	putUnix(view, "downloaded_at", job.DownloadedAt)
	putUnix(view, "last_viewed", job.LastViewed)
	if job.Error != "" {
		view["error"] = job.Error
	}
	if job.FileCount != nil {
		view["file_count"] = *job.FileCount
	}
	if job.IsRetry {
		view["is_retry"] = true
		view["original_job_id"] = job.OriginalJobID
	}
	if job.SessionID != "" {
		view["session_id"] = job.SessionID
	}
	if job.Status == jobs.StatusSuccess {
		view["download_url"] = "/api/jobs/" + job.ID + "/download"
	}
	return view
}
