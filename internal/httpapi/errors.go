// Package httpapi はジョブとキャプチャセッションの HTTP ハンドラーを提供します。
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aerocristobal/DocuFlux-sub000/internal/apperr"
)

// respondWithError はエラー分類に応じたステータスと {code, message} を返します。
func respondWithError(c *gin.Context, err error) {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr) && appErr.Kind != apperr.KindInternal:
		c.JSON(appErr.HTTPStatus(), gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "request canceled",
		})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "internal server error",
		})
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    "INVALID_INPUT",
		"message": message,
	})
}
