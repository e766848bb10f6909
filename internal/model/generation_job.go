package model

import (
	"time"

	"gorm.io/datatypes"
)

// ==================== 任务状态 ====================

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
	JobStatusExpired    = "expired"
)

// 处理阶段
const (
	JobStageQueued     = "queued"
	JobStageValidating = "validating"
	JobStageFetching   = "fetching"
	JobStageAssembling = "assembling"
	JobStageDelivering = "delivering"
	JobStageDone       = "done"
	JobStageFailed     = "failed"
)

// ==================== 数据库模型 ====================

// GenerationJob 落地页异步生成任务
type GenerationJob struct {
	BaseModel

	JobID    string `gorm:"size:36;uniqueIndex;not null;comment:任务UUID" json:"job_id"`
	Status   string `gorm:"size:32;index;default:pending;comment:任务状态" json:"status"`
	Stage    string `gorm:"size:32;comment:当前阶段" json:"stage"`
	Progress int    `gorm:"default:0;comment:进度(0-100)" json:"progress"`

	// 请求快照
	Request      datatypes.JSON `gorm:"comment:请求内容" json:"-"`
	CompanyName  string         `gorm:"size:255;comment:公司名称" json:"company_name"`
	DeliveryMode string         `gorm:"size:16;comment:交付方式" json:"delivery_mode"`

	// 结果
	ImageCount    int                         `gorm:"default:0;comment:生成图片数量" json:"image_count"`
	FallbackCount int                         `gorm:"default:0;comment:降级占位图数量" json:"fallback_count"`
	ImageNames    datatypes.JSONSlice[string] `gorm:"comment:图片文件名" json:"image_names"`
	ArchiveSize   int64                       `gorm:"default:0;comment:压缩包大小" json:"archive_size"`
	StorageKey    string                      `gorm:"size:512;comment:存储路径" json:"-"`
	LocatorURI    string                      `gorm:"size:1024;comment:下载地址" json:"locator_uri,omitempty"`

	// 失败信息
	ErrorKind    string `gorm:"size:32;comment:错误类型" json:"error_kind,omitempty"`
	ErrorMessage string `gorm:"size:1024;comment:错误信息" json:"error_message,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"index" json:"finished_at,omitempty"`
}

func (GenerationJob) TableName() string {
	return "generation_jobs"
}

// IsFinished 任务是否已结束
func (j *GenerationJob) IsFinished() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusExpired:
		return true
	}
	return false
}
