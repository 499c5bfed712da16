package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aerocristobal/DocuFlux-sub000/internal/apperr"
	"github.com/aerocristobal/DocuFlux-sub000/internal/capture"
)

// createSession は POST /api/capture/sessions のハンドラーです。
func (s *Server) createSession(c *gin.Context) {
	var req capture.CreateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "request body must be JSON")
			return
		}
	}
	session, err := s.Capture.CreateSession(c.Request.Context(), req)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session_id": session.ID,
		"status":     session.Status,
		"max_pages":  s.Capture.MaxPages(),
	})
}

// addPage は POST /api/capture/sessions/:id/pages のハンドラーです。
func (s *Server) addPage(c *gin.Context) {
	if s.MaxCapturePageBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.MaxCapturePageBytes)
	}
	var page capture.Page
	if err := c.ShouldBindJSON(&page); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(c, apperr.Unprocessable("LIMIT_EXCEEDED", "page payload is too large"))
			return
		}
		badRequest(c, "page must be a JSON object")
		return
	}
	count, err := s.Capture.AddPage(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "accepted",
		"page_count": count,
	})
}

// finishSession は POST /api/capture/sessions/:id/finish のハンドラーです。
func (s *Server) finishSession(c *gin.Context) {
	result, err := s.Capture.FinishSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

// sessionStatus は GET /api/capture/sessions/:id のハンドラーです。
func (s *Server) sessionStatus(c *gin.Context) {
	session, err := s.Capture.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	view := gin.H{
		"session_id": session.ID,
		"status":     session.Status,
		"page_count": session.PageCount,
		"title":      session.Title,
	}
	if session.Status == capture.StatusAssembling && session.JobID != "" {
		view["job_id"] = session.JobID
		view["status_url"] = s.Capture.StatusURL(session.JobID)
	}
	c.JSON(http.StatusOK, view)
}
