package model

// AICallLog 图片生成调用日志
// 每次向生成服务发出的请求记录一行，重试也单独记录
type AICallLog struct {
	BaseModel

	JobID string `gorm:"size:36;index;comment:任务ID(同步请求为请求ID)"`

	// 调用信息
	Provider  string `gorm:"size:32;index;comment:服务提供方"`
	ModelName string `gorm:"size:64;comment:模型名称"`
	Prompt    string `gorm:"size:512;comment:提示词(截断)"`
	Attempt   int    `gorm:"default:1;comment:第几次尝试"`

	// 用量统计
	ImageCount int `gorm:"default:0;comment:生成图片数量"`

	// 性能与成本
	DurationMs int64   `gorm:"comment:耗时(毫秒)"`
	CostUSD    float64 `gorm:"type:decimal(10,6);default:0;comment:成本(美元)"`

	// 状态
	Status   string `gorm:"size:32;index;default:success;comment:状态(success/failed)"`
	ErrorMsg string `gorm:"size:1024;comment:错误信息"`
}

func (AICallLog) TableName() string {
	return "ai_call_logs"
}

// ==================== 状态常量 ====================

const (
	AICallStatusSuccess = "success"
	AICallStatusFailed  = "failed"
)
