package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aerocristobal/DocuFlux-sub000/internal/auth"
	"github.com/aerocristobal/DocuFlux-sub000/internal/capture"
	"github.com/aerocristobal/DocuFlux-sub000/internal/jobs"
	"github.com/aerocristobal/DocuFlux-sub000/internal/retention"
)

// Server はハンドラーが使うサービスをまとめます。
type Server struct {
	Jobs    *jobs.Manager
	Capture *capture.Coordinator
	Auth    *auth.Manager
	Sweeper retention.Sweeper
	// Ping はヘルスチェックでメタデータストアの疎通を確認します。nil なら確認しません。
	Ping func(ctx context.Context) error

	MaxCapturePageBytes int64
	Logger              *zap.Logger
}

// Register はルーティングを登録します。
func (s *Server) Register(router *gin.Engine) {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	router.GET("/health", s.health)

	api := router.Group("/api")
	{
		jobRoutes := api.Group("/jobs")
		jobRoutes.POST("", s.submitJob)
		jobRoutes.GET("/:id", s.getJob)
		jobRoutes.POST("/:id/cancel", s.cancelJob)
		jobRoutes.POST("/:id/retry", s.retryJob)
		jobRoutes.DELETE("/:id", s.deleteJob)
		jobRoutes.GET("/:id/download", s.downloadJob)
		jobRoutes.GET("/:id/preview", s.previewJob)

		captureRoutes := api.Group("/capture/sessions")
		captureRoutes.POST("", s.createSession)
		captureRoutes.GET("/:id", s.sessionStatus)
		captureRoutes.POST("/:id/pages", s.addPage)
		captureRoutes.POST("/:id/finish", s.finishSession)

		if s.Auth != nil {
			admin := api.Group("/admin")
			// ログイン時はセッション未生成なので CSRF 検証は不要
			admin.POST("/login", s.Auth.Login)
			protected := admin.Group("")
			protected.Use(s.Auth.RequireLogin(), s.Auth.VerifyCSRF())
			protected.POST("/logout", s.Auth.Logout)
			protected.POST("/retention/sweep", s.runSweep)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	if s.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "degraded",
				"service": "docuflux-api",
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "docuflux-api",
	})
}

const sweepTimeout = 10 * time.Minute

// runSweep は POST /api/admin/retention/sweep のハンドラーです。
func (s *Server) runSweep(c *gin.Context) {
	if s.Sweeper == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"code":    "NOT_CONFIGURED",
			"message": "retention is not configured",
		})
		return
	}
	// クライアントが切断しても削除の途中で止めない
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), sweepTimeout)
	defer cancel()
	report, err := s.Sweeper.Sweep(ctx)
	if err != nil {
		if errors.Is(err, retention.ErrSweepRunning) {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "SWEEP_RUNNING",
				"message": err.Error(),
			})
			return
		}
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func putUnix(view gin.H, key string, t time.Time) {
	if !t.IsZero() {
		view[key] = t.Unix()
	}
}
