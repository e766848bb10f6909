package service

import (
	"errors"
	"fmt"
)

// ==================== 错误分类 ====================

var (
	// ErrValidation 请求参数不合法，未发起任何外部调用
	ErrValidation = errors.New("validation error")
	// ErrProvider 图片生成服务调用失败 (重试耗尽)
	ErrProvider = errors.New("provider error")
	// ErrDownload 生成结果下载失败，同时属于 ErrProvider 类
	ErrDownload = errors.New("download error")
	// ErrQuotaExceeded 生成服务限流/配额耗尽
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrStorage 归档上传或存储操作失败
	ErrStorage = errors.New("storage error")
	// ErrDuplicateEntry 归档中出现重复路径
	ErrDuplicateEntry = errors.New("duplicate archive entry")

	ErrJobNotFound = errors.New("job not found")
	ErrQueueFull   = errors.New("job queue is full")
)

// 错误类型标识，写入任务记录和接口响应
const (
	ErrorKindValidation = "validation"
	ErrorKindProvider   = "provider"
	ErrorKindDownload   = "download"
	ErrorKindQuota      = "quota"
	ErrorKindStorage    = "storage"
	ErrorKindInternal   = "internal"
)

// ErrorKind 返回错误所属分类
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDuplicateEntry):
		return ErrorKindValidation
	case errors.Is(err, ErrQuotaExceeded):
		return ErrorKindQuota
	case errors.Is(err, ErrDownload):
		return ErrorKindDownload
	case errors.Is(err, ErrProvider):
		return ErrorKindProvider
	case errors.Is(err, ErrStorage):
		return ErrorKindStorage
	default:
		return ErrorKindInternal
	}
}

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// downloadError 下载失败同时归入 ErrProvider 和 ErrDownload
func downloadError(err error) error {
	return fmt.Errorf("%w: %w: %v", ErrProvider, ErrDownload, err)
}
