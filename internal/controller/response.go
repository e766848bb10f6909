package controller

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"lp_gen_v1_202610/internal/service"
)

// ==================== 统一响应 ====================

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"code":    0,
		"message": "success",
		"data":    data,
	})
}

func respondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    400,
		"message": message,
	})
}

// respondError 按错误分类返回状态码，message 带分类前缀
func respondError(c *gin.Context, err error) {
	status := statusForError(err)
	_ = c.Error(err)

	c.JSON(status, gin.H{
		"code":    status,
		"message": errorKindOf(err) + ": " + err.Error(),
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrDuplicateEntry):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorKindOf(err error) string {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return "not_found"
	case errors.Is(err, service.ErrQueueFull):
		return "queue_full"
	default:
		return service.ErrorKind(err)
	}
}
